// Package engine orchestrates the ingestion of tenant assets into delivery-ready
// derivatives.
//
// An AssetIngester accepts a request in either wire shape, hydrates the
// asset's policies and origin strategy, and hands it to the Executor. The
// Executor selects the workers the asset's media type and delivery channels
// require, enforces the customer's storage policy before any work starts, runs
// the workers in order and commits the outcome through an AssetRepository in a
// single unit of work.
//
// Result merging
//
// A worker reporting Failed or StorageLimitExceeded stops the pipeline. Once
// any worker reports QueuedForProcessing the asset as a whole is queued and is
// committed as still ingesting; a later completion event finishes it. A commit
// that fails turns any outcome into Failed.
//
// Batch accounting
//
// A finished asset that belongs to a batch increments the batch's Completed
// or Errors counter depending on whether Asset.Error is set. The batch is
// finished once, when Completed+Errors reaches Count. A missing batch row does
// not fail the asset update; the asset's error records it instead.
package engine

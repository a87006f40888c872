package engine

// IngestResultStatus is the outcome of a single ingestion attempt.
type IngestResultStatus int

// Ingest result statuses.
const (
	StatusUnknown IngestResultStatus = iota
	StatusSuccess
	StatusFailed
	StatusQueuedForProcessing
	StatusStorageLimitExceeded
)

func (s IngestResultStatus) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusFailed:
		return "Failed"
	case StatusQueuedForProcessing:
		return "QueuedForProcessing"
	case StatusStorageLimitExceeded:
		return "StorageLimitExceeded"
	default:
		return "Unknown"
	}
}

// IsSuccessful reports whether the status counts as a successful ingestion,
// including one that handed off to asynchronous processing.
func (s IngestResultStatus) IsSuccessful() bool {
	return s == StatusSuccess || s == StatusQueuedForProcessing
}

// IngestResult is returned to the caller of an ingestion; it is never persisted.
// Asset is nil when the request could not be converted.
type IngestResult struct {
	Asset  *Asset
	Status IngestResultStatus
}

// NewIngestResult creates an IngestResult.
func NewIngestResult(asset *Asset, status IngestResultStatus) IngestResult {
	return IngestResult{Asset: asset, Status: status}
}

package engine

import (
	"context"
	"fmt"
)

// Worker produces the derivatives for one delivery channel.
//
// Ingest must be safe to re-run for the same asset: producing the same
// derivative twice overwrites rather than duplicates. Results are written to
// ictx; an error aborts the ingestion and is reported to the caller.
type Worker interface {
	Ingest(ctx context.Context, ictx *IngestionContext, strategy *CustomerOriginStrategy) (IngestResultStatus, error)
}

// PostProcessor is implemented by workers that need to act once the outcome of
// the whole ingestion, including the database commit, is known.
type PostProcessor interface {
	PostIngest(ctx context.Context, ictx *IngestionContext, succeeded bool)
}

// WorkerKind identifies a worker implementation.
type WorkerKind string

// Worker kinds (typed).
const (
	WorkerFile      WorkerKind = "file"
	WorkerImage     WorkerKind = "image"
	WorkerTimebased WorkerKind = "timebased"
)

// WorkerRegistry resolves workers by kind.
type WorkerRegistry struct {
	workers map[WorkerKind]Worker
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{workers: make(map[WorkerKind]Worker)}
}

// Register adds or replaces the worker for a kind.
func (r *WorkerRegistry) Register(kind WorkerKind, worker Worker) *WorkerRegistry {
	r.workers[kind] = worker
	return r
}

// Resolve returns the worker registered for kind.
func (r *WorkerRegistry) Resolve(kind WorkerKind) (Worker, error) {
	w, ok := r.workers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, kind)
	}
	return w, nil
}

// SelectWorkerKinds returns the ordered, de-duplicated worker kinds an asset
// needs, based on its media type and delivery channels.
func SelectWorkerKinds(asset *Asset) []WorkerKind {
	var kinds []WorkerKind
	add := func(kind WorkerKind) {
		for _, k := range kinds {
			if k == kind {
				return
			}
		}
		kinds = append(kinds, kind)
	}

	if asset.HasDeliveryChannel(ChannelFile) {
		add(WorkerFile)
	}

	if IsImageMediaType(asset.MediaType) && asset.HasDeliveryChannel(ChannelImage) {
		add(WorkerImage)
	} else if (IsAudioMediaType(asset.MediaType) || IsVideoMediaType(asset.MediaType)) &&
		asset.HasDeliveryChannel(ChannelTimebased) {
		add(WorkerTimebased)
	}

	return kinds
}

// SelectWorkers resolves the workers for an asset, in execution order, along
// with the kind each was resolved from.
func (r *WorkerRegistry) SelectWorkers(asset *Asset) ([]WorkerKind, []Worker, error) {
	kinds := SelectWorkerKinds(asset)
	workers := make([]Worker, 0, len(kinds))
	for _, kind := range kinds {
		w, err := r.Resolve(kind)
		if err != nil {
			return nil, nil, err
		}
		workers = append(workers, w)
	}
	return kinds, workers, nil
}

package workers

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
)

// Keys the timebased worker leaves on IngestionContext.Values for PostIngest.
const (
	ValueTranscodeJobID = "transcode.job_id"
	valueTranscodeInput = "transcode.input_key"
)

// Default transcode presets when the asset has no optimisation policy.
var (
	DefaultVideoPresets = []string{"video-mp4-720p"}
	DefaultAudioPresets = []string{"audio-mp3-128"}
)

// TimebasedWorker stages the origin for the transcoder and submits a job. The
// asset stays ingesting until the transcoder reports back.
type TimebasedWorker struct {
	deps       Dependencies
	transcoder *TranscoderClient
}

// NewTimebasedWorker creates a TimebasedWorker.
func NewTimebasedWorker(deps Dependencies, transcoder *TranscoderClient) (*TimebasedWorker, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if transcoder == nil {
		return nil, errors.New("transcoder client is required")
	}
	return &TimebasedWorker{deps: deps, transcoder: transcoder}, nil
}

var (
	_ engine.Worker        = (*TimebasedWorker)(nil)
	_ engine.PostProcessor = (*TimebasedWorker)(nil)
)

func (w *TimebasedWorker) Ingest(ctx context.Context, ictx *engine.IngestionContext, strategy *engine.CustomerOriginStrategy) (engine.IngestResultStatus, error) {
	asset := ictx.Asset

	origin, status := w.deps.fetchOrigin(ctx, ictx, strategy)
	if status != engine.StatusUnknown {
		return status, nil
	}

	correlationID := uuid.NewString()
	inputKey := w.deps.Layout.TranscodeInput(asset.ID, correlationID)
	if err := w.deps.copyOrigin(ctx, origin, inputKey, asset.MediaType); err != nil {
		return fail(ictx, w.deps.Logger, "Failed to stage transcode input", err)
	}
	ictx.Values[valueTranscodeInput] = inputKey

	req := TranscodeJobRequest{
		CorrelationID: correlationID,
		AssetID:       asset.ID.String(),
		Input:         w.deps.Store.Location(inputKey),
		MediaType:     asset.MediaType,
	}
	for _, preset := range presetsFor(asset) {
		req.Outputs = append(req.Outputs, TranscodeOutput{
			Preset:      preset,
			Destination: w.deps.Store.Location(w.deps.Layout.TimebasedOutput(asset.ID, preset)),
		})
	}

	job, err := w.transcoder.CreateJob(ctx, req)
	if err != nil {
		return fail(ictx, w.deps.Logger, "Failed to submit transcode job", err)
	}
	ictx.Values[ValueTranscodeJobID] = job.ID

	w.deps.Logger.Info("Submitted transcode job", "asset", asset.ID.String(), "job", job.ID, "outputs", len(req.Outputs))
	return engine.StatusQueuedForProcessing, nil
}

// PostIngest cancels the submitted job when the ingestion as a whole failed.
func (w *TimebasedWorker) PostIngest(ctx context.Context, ictx *engine.IngestionContext, succeeded bool) {
	defer w.deps.cleanupOrigin(ctx, ictx)

	jobID := ictx.Values[ValueTranscodeJobID]
	if succeeded {
		if jobID != "" {
			engine.TranscodeJobCounter.WithLabelValues("submitted").Inc()
		}
		return
	}

	if jobID != "" {
		if err := w.transcoder.CancelJob(ctx, jobID); err != nil {
			w.deps.Logger.Warn("Failed to cancel transcode job", "asset", ictx.Asset.ID.String(), "job", jobID, "err", err)
		} else {
			engine.TranscodeJobCounter.WithLabelValues("cancelled").Inc()
		}
	}
	if inputKey := ictx.Values[valueTranscodeInput]; inputKey != "" {
		if err := w.deps.Store.Delete(ctx, inputKey); err != nil && !errors.Is(err, engine.ErrObjectNotFound) {
			w.deps.Logger.Warn("Failed to remove transcode input", "asset", ictx.Asset.ID.String(), "key", inputKey, "err", err)
		}
	}
}

func presetsFor(asset *engine.Asset) []string {
	if policy := asset.FullImageOptimisationPolicy; policy != nil && len(policy.TechnicalDetails) > 0 {
		return policy.TechnicalDetails
	}
	if engine.IsAudioMediaType(asset.MediaType) {
		return DefaultAudioPresets
	}
	return DefaultVideoPresets
}

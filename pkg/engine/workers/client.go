package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ConvertRequest asks the image processor to produce a derivative and thumbnails.
type ConvertRequest struct {
	JobID            string   `json:"jobId"`
	AssetID          string   `json:"assetId"`
	Origin           string   `json:"origin"`
	MediaType        string   `json:"mediaType,omitempty"`
	Destination      string   `json:"destination,omitempty"`
	ThumbnailsPrefix string   `json:"thumbnailsPrefix"`
	ThumbnailSizes   []int    `json:"thumbnailSizes"`
	TechnicalDetails []string `json:"technicalDetails,omitempty"`
	UseOriginal      bool     `json:"useOriginal"`
}

// ConvertResponse is the image processor's report of what it produced.
type ConvertResponse struct {
	Width          int   `json:"width"`
	Height         int   `json:"height"`
	DerivativeSize int64 `json:"derivativeSize"`
	ThumbnailSize  int64 `json:"thumbnailSize"`
}

// ProcessorClient talks to the image processor.
type ProcessorClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewProcessorClient creates a client for the image processor at baseURL.
func NewProcessorClient(baseURL string, httpClient *http.Client) (*ProcessorClient, error) {
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("image processor: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &ProcessorClient{baseURL: base, httpClient: httpClient}, nil
}

// Convert runs a conversion synchronously.
func (c *ProcessorClient) Convert(ctx context.Context, req ConvertRequest) (*ConvertResponse, error) {
	var resp ConvertResponse
	if err := doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/convert", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TranscodeOutput is one requested rendition.
type TranscodeOutput struct {
	Preset      string `json:"preset"`
	Destination string `json:"destination"`
}

// TranscodeJobRequest submits a transcode job.
type TranscodeJobRequest struct {
	CorrelationID string            `json:"correlationId"`
	AssetID       string            `json:"assetId"`
	Input         string            `json:"input"`
	MediaType     string            `json:"mediaType,omitempty"`
	Outputs       []TranscodeOutput `json:"outputs"`
}

// TranscodeJob is the transcoder's view of a submitted job.
type TranscodeJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// TranscoderClient talks to the transcoder.
type TranscoderClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewTranscoderClient creates a client for the transcoder at baseURL.
func NewTranscoderClient(baseURL string, httpClient *http.Client) (*TranscoderClient, error) {
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("transcoder: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Minute}
	}
	return &TranscoderClient{baseURL: base, httpClient: httpClient}, nil
}

// CreateJob submits a job. The transcoder completes it asynchronously.
func (c *TranscoderClient) CreateJob(ctx context.Context, req TranscodeJobRequest) (*TranscodeJob, error) {
	var job TranscodeJob
	if err := doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/jobs", req, &job); err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, errors.New("transcoder returned a job without an id")
	}
	return &job, nil
}

// CancelJob cancels a submitted job. Cancelling a job the transcoder no longer
// knows about is not an error.
func (c *TranscoderClient) CancelJob(ctx context.Context, id string) error {
	err := doJSON(ctx, c.httpClient, http.MethodDelete, c.baseURL+"/jobs/"+url.PathEscape(id), nil, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// StatusError is returned when a downstream service answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

func parseBaseURL(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme in %q", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}

func doJSON(ctx context.Context, client *http.Client, method, target string, in, out any) error {
	body := io.Reader(http.NoBody)
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{URL: target, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", target, err)
	}
	return nil
}

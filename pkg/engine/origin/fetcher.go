// Package origin pulls tenant origin bytes into transient storage according to
// the customer's origin strategy.
package origin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
	"github.com/dlcs/protagonist-sub004/pkg/engine/objectkey"
	s3store "github.com/dlcs/protagonist-sub004/pkg/engine/storage/s3"
)

// Content types origins report when they don't know better.
const (
	binaryOctetStream      = "binary/octet-stream"
	applicationOctetStream = "application/octet-stream"
)

// ObjectGetter reads an object from an arbitrary bucket.
type ObjectGetter interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, *engine.ObjectMeta, error)
}

// Fetcher copies origins into a transient BlobStore and evaluates the real-size
// storage allowance.
type Fetcher struct {
	httpClient  *http.Client
	s3          ObjectGetter
	transient   engine.BlobStore
	layout      *objectkey.Layout
	storage     engine.StorageRepository
	sizeChecker engine.AssetSizeChecker
	logger      *slog.Logger
}

// Option is a functional option for configuring a Fetcher
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.httpClient = client
	}
}

// WithS3 sets the getter used for s3-ambient origins
func WithS3(getter ObjectGetter) Option {
	return func(f *Fetcher) {
		f.s3 = getter
	}
}

// WithTransientStore sets where fetched origins are written
func WithTransientStore(store engine.BlobStore) Option {
	return func(f *Fetcher) {
		f.transient = store
	}
}

// WithKeyLayout sets the object key layout
func WithKeyLayout(layout *objectkey.Layout) Option {
	return func(f *Fetcher) {
		f.layout = layout
	}
}

// WithStorageRepository sets the source of storage metrics
func WithStorageRepository(repo engine.StorageRepository) Option {
	return func(f *Fetcher) {
		f.storage = repo
	}
}

// WithSizeChecker sets the quota checker
func WithSizeChecker(checker engine.AssetSizeChecker) Option {
	return func(f *Fetcher) {
		f.sizeChecker = checker
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// New creates a Fetcher with the given options.
func New(options ...Option) (*Fetcher, error) {
	f := &Fetcher{
		httpClient:  &http.Client{Timeout: 5 * time.Minute},
		layout:      objectkey.NewLayout(""),
		sizeChecker: engine.NewSizeChecker(),
		logger:      slog.Default(),
	}
	for _, option := range options {
		option(f)
	}

	if f.transient == nil {
		return nil, errors.New("transient store is required")
	}
	if f.storage == nil {
		return nil, errors.New("storage repository is required")
	}
	return f, nil
}

// Fetch streams the asset's origin into transient storage and records the
// result on ictx. FileExceedsAllowance is set when storing the real size would
// take the customer over its policy.
func (f *Fetcher) Fetch(ctx context.Context, ictx *engine.IngestionContext, strategy *engine.CustomerOriginStrategy) (*engine.AssetFromOrigin, error) {
	asset := ictx.Asset
	if asset.Origin == "" {
		return nil, fmt.Errorf("%w: asset %s has no origin", engine.ErrOriginNotFound, asset.ID)
	}
	if strategy == nil {
		strategy = engine.DefaultOriginStrategy(asset.ID.Customer)
	}

	body, contentType, err := f.open(ctx, asset.Origin, strategy)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	mimeType := contentType
	if mimeType == "" || mimeType == applicationOctetStream {
		mimeType = asset.MediaType
	}

	key := f.layout.TransientOrigin(asset.ID)
	counter := &countingReader{reader: body}
	if err := f.transient.Upload(ctx, key, counter, engine.UploadParams{MimeType: mimeType}); err != nil {
		return nil, fmt.Errorf("failed to copy origin %s: %w", asset.Origin, err)
	}

	origin := &engine.AssetFromOrigin{
		AssetID:     asset.ID,
		Size:        counter.n,
		Key:         key,
		Location:    f.transient.Location(key),
		ContentType: contentType,
	}

	if contentType != "" && (asset.MediaType == "" || asset.MediaType == binaryOctetStream) {
		asset.MediaType = contentType
	}

	if !f.sizeChecker.CustomerHasNoStorageCheck(asset.ID.Customer) {
		metrics, err := f.storage.GetStorageMetrics(ctx, asset.ID.Customer)
		if err != nil {
			f.cleanup(ctx, origin)
			return nil, fmt.Errorf("failed to get storage metrics: %w", err)
		}
		origin.FileExceedsAllowance = !metrics.CanStoreAssetSize(origin.Size, ictx.PreIngestionAssetSize)
	}

	f.logger.Debug("Fetched origin",
		"asset", asset.ID.String(),
		"strategy", strategy.Strategy,
		"size", origin.Size,
		"exceeds_allowance", origin.FileExceedsAllowance)

	ictx.WithAssetFromOrigin(origin)
	return origin, nil
}

// Open reads back a fetched origin.
func (f *Fetcher) Open(ctx context.Context, origin *engine.AssetFromOrigin) (io.ReadCloser, error) {
	if origin == nil || origin.Key == "" {
		return nil, errors.New("origin has not been fetched")
	}
	return f.transient.Download(ctx, origin.Key)
}

// Cleanup removes a fetched origin from transient storage. A copy that is
// already gone is not an error.
func (f *Fetcher) Cleanup(ctx context.Context, origin *engine.AssetFromOrigin) error {
	if origin == nil || origin.Key == "" {
		return nil
	}
	if err := f.transient.Delete(ctx, origin.Key); err != nil && !errors.Is(err, engine.ErrObjectNotFound) {
		return err
	}
	return nil
}

func (f *Fetcher) cleanup(ctx context.Context, origin *engine.AssetFromOrigin) {
	if err := f.Cleanup(ctx, origin); err != nil {
		f.logger.Warn("Failed to remove transient origin", "key", origin.Key, "err", err)
	}
}

func (f *Fetcher) open(ctx context.Context, uri string, strategy *engine.CustomerOriginStrategy) (io.ReadCloser, string, error) {
	switch strategy.Strategy {
	case engine.OriginStrategyDefault, "":
		return f.openHTTP(ctx, uri, nil)
	case engine.OriginStrategyBasicHTTP:
		creds, err := parseCredentials(strategy.Credentials)
		if err != nil {
			return nil, "", fmt.Errorf("origin strategy %s: %w", strategy.ID, err)
		}
		return f.openHTTP(ctx, uri, creds)
	case engine.OriginStrategyS3Ambient:
		return f.openS3(ctx, uri)
	default:
		return nil, "", fmt.Errorf("unsupported origin strategy %q", strategy.Strategy)
	}
}

func (f *Fetcher) openHTTP(ctx context.Context, uri string, creds *basicCredentials) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, http.NoBody)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	if creds != nil {
		req.SetBasicAuth(creds.User, creds.Password)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch origin %s: %w", uri, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, "", fmt.Errorf("%w: %s", engine.ErrOriginNotFound, uri)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, "", fmt.Errorf("failed to fetch origin %s: %s", uri, resp.Status)
	}

	return resp.Body, normalizeContentType(resp.Header.Get("Content-Type")), nil
}

func (f *Fetcher) openS3(ctx context.Context, uri string) (io.ReadCloser, string, error) {
	if f.s3 == nil {
		return nil, "", errors.New("s3-ambient origin strategy requires an s3 client")
	}
	bucket, key, err := s3store.ParseURI(uri)
	if err != nil {
		return nil, "", err
	}

	body, meta, err := f.s3.GetObject(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, engine.ErrObjectNotFound) {
			return nil, "", fmt.Errorf("%w: %s", engine.ErrOriginNotFound, uri)
		}
		return nil, "", fmt.Errorf("failed to fetch origin %s: %w", uri, err)
	}

	var contentType string
	if meta != nil {
		contentType = normalizeContentType(meta.ContentType)
	}
	return body, contentType, nil
}

type basicCredentials struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

func parseCredentials(raw string) (*basicCredentials, error) {
	var creds basicCredentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("invalid basic credentials: %w", err)
	}
	if creds.User == "" {
		return nil, errors.New("invalid basic credentials: user is required")
	}
	return &creds, nil
}

// normalizeContentType drops parameters such as charset.
func normalizeContentType(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}

type countingReader struct {
	reader io.Reader
	n      int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.n += int64(n)
	return n, err
}

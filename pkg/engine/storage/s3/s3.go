package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
)

const backendName = "s3"

// Config options for the S3 backend
type Config struct {
	Region          string // AWS region
	Bucket          string // S3 bucket name
	AccessKeyID     string // AWS access key ID
	SecretAccessKey string // AWS secret access key
	Endpoint        string // Optional custom endpoint for S3-compatible services
	UsePathStyle    bool   // Use path-style addressing (default: false)

	// Server-side encryption options
	EnableSSE    bool   // Enable server-side encryption
	SSEAlgorithm string // SSE algorithm (AES256 or aws:kms)
	SSEKMSKeyID  string // Optional KMS key ID for aws:kms algorithm

	// MinIO/S3-compatible service options
	CreateBucketIfNotExist bool // Create bucket if it doesn't exist
}

// Backend is an S3-compatible implementation of the engine.BlobStore interface.
// It can also read objects from other buckets the credentials can reach, which
// is how s3-ambient origins are fetched.
type Backend struct {
	client *s3.Client
	bucket string
	config Config
}

// NewClient builds an S3 client from the config, using static credentials when
// both keys are set and the default credential chain otherwise.
func NewClient(ctx context.Context, config Config) (*s3.Client, error) {
	if config.Region == "" {
		config.Region = "us-east-1"
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(config.Region)}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if config.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = config.UsePathStyle
		})
	}

	return s3.NewFromConfig(awsCfg, s3Options...), nil
}

// New creates a new S3-compatible storage backend
func New(config Config) (*Backend, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}

	client, err := NewClient(context.Background(), config)
	if err != nil {
		return nil, err
	}

	backend := &Backend{client: client, bucket: config.Bucket, config: config}

	if config.CreateBucketIfNotExist {
		if err := backend.createBucketIfNotExists(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return backend, nil
}

var _ engine.BlobStore = (*Backend)(nil)

// isNotFound reports whether err is an S3 missing-object or missing-bucket error.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}

func storageError(op, key string, err error) error {
	if isNotFound(err) {
		err = engine.ErrObjectNotFound
	}
	return &engine.StorageError{Backend: backendName, Key: key, Op: op, Err: err}
}

// createBucketIfNotExists creates the bucket if it doesn't exist
func (b *Backend) createBucketIfNotExists(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err == nil {
		return nil
	}
	if !isNotFound(err) && !strings.Contains(err.Error(), "BadRequest") {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	createInput := &s3.CreateBucketInput{
		Bucket: aws.String(b.bucket),
	}
	if b.config.Region != "us-east-1" {
		createInput.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.config.Region),
		}
	}

	_, err = b.client.CreateBucket(ctx, createInput)
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// GetObjectMeta retrieves metadata for an object in S3
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*engine.ObjectMeta, error) {
	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, storageError("get_meta", objectKey, err)
	}

	meta := &engine.ObjectMeta{
		Key:         objectKey,
		Size:        aws.ToInt64(result.ContentLength),
		ContentType: "application/octet-stream",
		ETag:        strings.Trim(aws.ToString(result.ETag), "\""),
	}
	if result.ContentType != nil {
		meta.ContentType = *result.ContentType
	}
	if result.LastModified != nil {
		meta.UpdatedAt = *result.LastModified
	}
	return meta, nil
}

// Upload uploads content directly to S3
func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader, params engine.UploadParams) error {
	uploader := manager.NewUploader(b.client)

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
		Body:   reader,
	}
	if params.MimeType != "" {
		input.ContentType = aws.String(params.MimeType)
	}

	if b.config.EnableSSE {
		switch b.config.SSEAlgorithm {
		case "AES256":
			input.ServerSideEncryption = types.ServerSideEncryptionAes256
		case "aws:kms":
			input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
			if b.config.SSEKMSKeyID != "" {
				input.SSEKMSKeyId = aws.String(b.config.SSEKMSKeyID)
			}
		}
	}

	if _, err := uploader.Upload(ctx, input); err != nil {
		return storageError("upload", objectKey, err)
	}
	return nil
}

// Download downloads content directly from S3
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	body, _, err := b.GetObject(ctx, b.bucket, objectKey)
	return body, err
}

// GetObject reads an object from any bucket the backend's credentials can reach.
func (b *Backend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, *engine.ObjectMeta, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, storageError("download", key, err)
	}

	meta := &engine.ObjectMeta{
		Key:         key,
		Size:        aws.ToInt64(result.ContentLength),
		ContentType: aws.ToString(result.ContentType),
		ETag:        strings.Trim(aws.ToString(result.ETag), "\""),
	}
	if result.LastModified != nil {
		meta.UpdatedAt = *result.LastModified
	}
	return result.Body, meta, nil
}

// Delete deletes content from S3
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return storageError("delete", objectKey, err)
	}
	return nil
}

// Location returns s3://{bucket}/{key}
func (b *Backend) Location(objectKey string) string {
	return fmt.Sprintf("s3://%s/%s", b.bucket, objectKey)
}

// ParseURI splits an S3 location into bucket and key. It accepts s3://bucket/key
// and virtual-hosted https://bucket.s3[.region].amazonaws.com/key forms.
func ParseURI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3 uri %q: %w", uri, err)
	}

	switch u.Scheme {
	case "s3":
		bucket = u.Host
		key = strings.TrimPrefix(u.Path, "/")
	case "http", "https":
		idx := strings.Index(u.Host, ".s3.")
		if idx <= 0 || !strings.HasSuffix(u.Host, ".amazonaws.com") {
			return "", "", fmt.Errorf("not an s3 uri: %q", uri)
		}
		bucket = u.Host[:idx]
		key = strings.TrimPrefix(u.Path, "/")
	default:
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}

	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 uri %q must include bucket and key", uri)
	}
	return bucket, key, nil
}

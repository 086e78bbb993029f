package s3

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/framefarm/pkg/provider"
)

// Provider uploads objects to one bucket.
type Provider struct {
	client      *s3.Client
	bucket      string
	contentType string
}

var (
	_ provider.ObjectPutter = (*Provider)(nil)
	_ provider.ObjectHeader = (*Provider)(nil)
)

// New creates a provider for cfg.Bucket.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &provider.ProviderError{
			Op:       "New",
			Provider: provider.ProviderS3,
			Bucket:   cfg.Bucket,
			Err:      err,
		}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	contentType := cfg.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	return &Provider{client: client, bucket: cfg.Bucket, contentType: contentType}, nil
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Only pin the region when set; otherwise let env/profile resolve it.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Bucket returns the target bucket.
func (p *Provider) Bucket() string {
	return p.bucket
}

// PutObject uploads body to key.
func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(contentLength),
		ContentType:   aws.String(p.contentType),
	})
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	return nil
}

// Head returns metadata for key.
func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	return &provider.ObjectMeta{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
	}, nil
}

// Close releases resources. The S3 client needs none.
func (p *Provider) Close() error {
	return nil
}

// apiErrorCodes maps S3 error codes to provider sentinels.
var apiErrorCodes = map[string]error{
	"NoSuchKey":             provider.ErrNotFound,
	"NotFound":              provider.ErrNotFound,
	"NoSuchBucket":          provider.ErrBucketNotFound,
	"AccessDenied":          provider.ErrAccessDenied,
	"Forbidden":             provider.ErrAccessDenied,
	"InvalidAccessKeyId":    provider.ErrInvalidCredentials,
	"SignatureDoesNotMatch": provider.ErrInvalidCredentials,
	"SlowDown":              provider.ErrThrottled,
	"Throttling":            provider.ErrThrottled,
	"RequestLimitExceeded":  provider.ErrThrottled,
	"ServiceUnavailable":    provider.ErrProviderUnavailable,
	"InternalError":         provider.ErrProviderUnavailable,
}

// wrapError converts SDK errors to a *provider.ProviderError carrying a
// sentinel when the failure is recognized.
func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{
		Op:       op,
		Provider: provider.ProviderS3,
		Bucket:   p.bucket,
		Key:      key,
		Err:      err,
	}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = provider.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = provider.ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if sentinel, ok := apiErrorCodes[apiErr.ErrorCode()]; ok {
			wrapped.Err = sentinel
		}
	}
	return wrapped
}

// resolveRegion applies the us-east-1 fallback for AWS S3 when the SDK
// resolved no region. S3-compatible endpoints get no default.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

package fetch

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/utils"
)

// S3Config configures the S3 client used for s3:// locators
type S3Config struct {
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	MaxRetries     int    `yaml:"max_retries"`
}

// ObjectGetter is the subset of the S3 API the fetcher needs
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher downloads objects named by s3://bucket/key locators
type S3Fetcher struct {
	client ObjectGetter
	logger *zap.Logger
}

// NewS3Client builds an S3 client from the default AWS credential chain
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.MaxRetries))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to load AWS config").
			WithComponent("s3")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}), nil
}

// NewS3Fetcher wraps an S3 client
func NewS3Fetcher(client ObjectGetter, logger *zap.Logger) *S3Fetcher {
	return &S3Fetcher{client: client, logger: utils.OrNop(logger).Named("s3")}
}

// ParseS3Locator splits s3://bucket/key into its parts
func ParseS3Locator(locator string) (bucket, key string, err error) {
	u, err := url.Parse(locator)
	if err != nil || u.Scheme != "s3" {
		return "", "", errors.Newf(errors.ErrCodeInvalidArgument, "not an s3 locator: %q", locator).
			WithComponent("s3")
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", errors.Newf(errors.ErrCodeInvalidArgument, "s3 locator needs a bucket and key: %q", locator).
			WithComponent("s3")
	}
	return bucket, key, nil
}

// Fetch downloads the whole object. A missing object or bucket is a
// non-retryable HTTP_STATUS 404.
func (f *S3Fetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	bucket, key, err := ParseS3Locator(locator)
	if err != nil {
		return nil, err
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s3Error(ctx, err, locator)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, s3Error(ctx, err, locator)
	}

	f.logger.Debug("fetched", zap.String("bucket", bucket), zap.String("key", key), zap.Int("bytes", len(data)))
	return data, nil
}

func s3Error(ctx context.Context, err error, locator string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var noKey *s3types.NoSuchKey
	var noBucket *s3types.NoSuchBucket
	if stderrors.As(err, &noKey) || stderrors.As(err, &noBucket) {
		return errors.Wrap(err, errors.ErrCodeHTTPStatus, fmt.Sprintf("object %s does not exist", locator)).
			WithComponent("s3").
			WithOperation("GetObject").
			WithDetail("status", 404).
			WithRetryable(false)
	}
	return errors.Wrap(err, errors.ErrCodeNetworkError, "failed to get object").
		WithComponent("s3").
		WithOperation("GetObject").
		WithContext("locator", locator)
}

package media

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"

	"github.com/smartdevs17/eas-logbook/internal/config"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// objectPutter is the part of *s3.Client the pinner uses
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Pinner stores media in an S3-compatible bucket. The content identifier
// is the keccak256 digest of the content.
type S3Pinner struct {
	client     objectPutter
	bucket     string
	publicBase string
}

// NewS3Pinner creates a pinner for AWS S3 or a compatible service such as MinIO
func NewS3Pinner(ctx context.Context, cfg config.S3Config) (*S3Pinner, error) {
	if cfg.Bucket == "" {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "S3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.Endpoint))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     cfg.AccessKey,
					SecretAccessKey: cfg.SecretKey,
				}, nil
			})))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	base := cfg.PublicBase
	if base == "" && cfg.Endpoint != "" {
		base = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}
	if base == "" {
		base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}

	return newS3Pinner(client, cfg.Bucket, base), nil
}

func newS3Pinner(client objectPutter, bucket, publicBase string) *S3Pinner {
	return &S3Pinner{client: client, bucket: bucket, publicBase: strings.TrimRight(publicBase, "/")}
}

// Name returns the backend name
func (p *S3Pinner) Name() string { return "s3" }

// Pin writes data under media/<ulid>/<name>
func (p *S3Pinner) Pin(ctx context.Context, name, contentType string, data []byte) (string, string, error) {
	key := objectKey(ulid.Make(), name)
	cid := utils.ContentHash(data)

	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      map[string]string{"content-hash": cid},
	})
	if err != nil {
		return "", "", utils.WrapAppError(utils.ErrCodeUpload, "Failed to store object", err)
	}

	return cid, p.publicBase + "/" + key, nil
}

func objectKey(id ulid.ULID, name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "file"
	}
	return "media/" + id.String() + "/" + url.PathEscape(base)
}

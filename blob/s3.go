package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/florinutz/laketx/laketxerr"
)

// S3Config holds connection parameters for an S3-compatible store.
// Endpoint is optional and enables path-style addressing for MinIO and
// similar services.
type S3Config struct {
	Bucket          string
	Prefix          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3 implements Storage on S3-compatible object storage.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 creates an S3 store. Static credentials are used when provided;
// otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *S3) key(p string) string {
	if s.prefix == "" {
		return p
	}
	return path.Join(s.prefix, p)
}

func (s *S3) Write(ctx context.Context, p string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return &laketxerr.StorageError{Op: "write", Path: p, Transient: isTransient(err), Err: err}
	}
	return nil
}

func (s *S3) Read(ctx context.Context, p string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		return nil, &laketxerr.StorageError{Op: "read", Path: p, Transient: isTransient(err), Err: err}
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &laketxerr.StorageError{Op: "read", Path: p, Transient: true, Err: err}
	}
	return data, nil
}

func (s *S3) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return false, nil
	}
	return false, &laketxerr.StorageError{Op: "stat", Path: p, Transient: isTransient(err), Err: err}
}

func (s *S3) Delete(ctx context.Context, p string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		return &laketxerr.StorageError{Op: "delete", Path: p, Transient: isTransient(err), Err: err}
	}
	return nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	fullPrefix := s.key(prefix)
	var out []ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(fullPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &laketxerr.StorageError{Op: "list", Path: prefix, Transient: isTransient(err), Err: err}
		}
		for _, obj := range page.Contents {
			key := *obj.Key
			if s.prefix != "" {
				key = strings.TrimPrefix(strings.TrimPrefix(key, s.prefix), "/")
			}
			info := ObjectInfo{Path: key}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.Modified = *obj.LastModified
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// isTransient classifies server-side and throttling failures as retryable.
// Access denials and malformed requests are permanent.
func isTransient(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		// Connection-level failures (reset, timeout) arrive untyped.
		return true
	}
	switch apiErr.ErrorCode() {
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "Throttling", "ThrottlingException":
		return true
	default:
		return false
	}
}


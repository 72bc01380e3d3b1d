package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/TheMichaelB/habitsync/internal/events"
	"github.com/TheMichaelB/habitsync/internal/models"
	"github.com/TheMichaelB/habitsync/internal/transport"
)

// S3API is the part of the S3 client the provider uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Options configures an S3Provider.
type S3Options struct {
	Name            string
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Retry           transport.RetryPolicy
}

// S3Provider stores blobs as objects under a key prefix of one bucket.
type S3Provider struct {
	base
	api    S3API
	bucket string
	prefix string
}

// NewS3Client builds an SDK client from opts. Static keys take precedence
// over the default credential chain. SDK-level retries are disabled since
// the provider retries on its own policy.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryMaxAttempts(1),
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", models.ErrInvalidConfig, err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.UsePathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	}), nil
}

// NewS3Provider creates an S3 provider over api.
func NewS3Provider(opts S3Options, api S3API, logger *events.Logger) (*S3Provider, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 provider needs a bucket", models.ErrInvalidConfig)
	}
	if opts.Name == "" {
		opts.Name = "s3"
	}
	prefix, err := SanitizeDir(opts.Prefix, false)
	if err != nil {
		return nil, fmt.Errorf("%w: s3 prefix: %v", models.ErrInvalidConfig, err)
	}
	if prefix == "" {
		prefix = strings.ToLower(DefaultFolderName)
	}

	return &S3Provider{
		base:   newBase(opts.Name, "s3", opts.Retry, logger),
		api:    api,
		bucket: opts.Bucket,
		prefix: prefix,
	}, nil
}

func (p *S3Provider) key(logical string) string {
	return path.Join(p.prefix, objectName(logical))
}

func (p *S3Provider) dirPrefix(logicalDir string) string {
	return path.Join(p.prefix, logicalDir) + "/"
}

func (p *S3Provider) sanitize(op, filePath string) (string, error) {
	logical, err := SanitizePath(filePath, false)
	if err != nil {
		return "", wrapError(p.name, op, filePath, err)
	}
	return logical, nil
}

// call runs fn under the retry policy with S3 errors translated first.
func (p *S3Provider) call(ctx context.Context, op, logical string, fn func(ctx context.Context) error) error {
	return p.withRetry(ctx, op, logical, func(ctx context.Context) error {
		return s3Error(fn(ctx))
	})
}

// s3Error maps SDK errors onto the status-based taxonomy.
func s3Error(err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: %v", models.ErrNotFound, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return fmt.Errorf("%w: %v", models.ErrAuthentication, err)
		case "EntityTooLarge":
			return fmt.Errorf("%w: %v", models.ErrPayloadTooLarge, err)
		case "SlowDown", "RequestTimeout", "ServiceUnavailable", "InternalError":
			return fmt.Errorf("%w: %v", models.ErrNetworkUnavailable, err)
		}
	}

	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() != 0 {
		return &transport.StatusError{StatusCode: respErr.HTTPStatusCode(), Body: []byte(err.Error())}
	}
	return err
}

// Authenticate checks that the bucket is reachable with the configured
// credentials.
func (p *S3Provider) Authenticate(ctx context.Context) (bool, error) {
	err := p.call(ctx, "authenticate", "", func(ctx context.Context) error {
		_, err := p.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)})
		return err
	})
	if errors.Is(err, models.ErrAuthentication) {
		p.logger.Warn("Credentials rejected")
		return false, nil
	}
	return err == nil, err
}

// UploadFile writes the object in one PutObject call.
func (p *S3Provider) UploadFile(ctx context.Context, filePath string, blob *models.EncryptedBlob) (*models.FileMetadata, error) {
	logical, err := p.sanitize("upload", filePath)
	if err != nil {
		return nil, err
	}
	data, err := encodeBlob(blob)
	if err != nil {
		return nil, wrapError(p.name, "upload", logical, err)
	}

	var out *s3.PutObjectOutput
	err = p.call(ctx, "upload", logical, func(ctx context.Context) error {
		var err error
		out, err = p.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(p.bucket),
			Key:         aws.String(p.key(logical)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	p.logger.WithFields(map[string]interface{}{
		"key":  p.key(logical),
		"size": len(data),
	}).Debug("Wrote object")

	return &models.FileMetadata{
		Name:       logical,
		SizeBytes:  int64(len(data)),
		ModifiedAt: time.Now().UTC(),
		ETag:       strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

// DownloadFile reads and decodes the object.
func (p *S3Provider) DownloadFile(ctx context.Context, filePath string) (*models.EncryptedBlob, error) {
	logical, err := p.sanitize("download", filePath)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = p.call(ctx, "download", logical, func(ctx context.Context) error {
		out, err := p.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(p.key(logical)),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(io.LimitReader(out.Body, transport.DefaultMaxBodyBytes+1))
		if err != nil {
			return fmt.Errorf("%w: read object: %v", models.ErrNetworkUnavailable, err)
		}
		if len(data) > transport.DefaultMaxBodyBytes {
			return models.ErrPayloadTooLarge
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	blob, err := models.DecodeBlob(data)
	if err != nil {
		return nil, wrapError(p.name, "download", logical, err)
	}
	return blob, nil
}

// ListFiles lists the objects directly under dir.
func (p *S3Provider) ListFiles(ctx context.Context, dir string) ([]models.FileMetadata, error) {
	logicalDir, err := SanitizeDir(dir, false)
	if err != nil {
		return nil, wrapError(p.name, "list", dir, err)
	}
	prefix := p.dirPrefix(logicalDir)

	files := []models.FileMetadata{}
	err = p.call(ctx, "list", logicalDir, func(ctx context.Context) error {
		files = files[:0]
		pages := s3.NewListObjectsV2Paginator(p.api, &s3.ListObjectsV2Input{
			Bucket:    aws.String(p.bucket),
			Prefix:    aws.String(prefix),
			Delimiter: aws.String("/"),
		})
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, obj := range page.Contents {
				name, ok := logicalName(strings.TrimPrefix(aws.ToString(obj.Key), prefix))
				if !ok || strings.Contains(name, "/") {
					continue
				}
				files = append(files, models.FileMetadata{
					Name:       joinLogical(logicalDir, name),
					SizeBytes:  aws.ToInt64(obj.Size),
					ModifiedAt: aws.ToTime(obj.LastModified).UTC(),
					ETag:       strings.Trim(aws.ToString(obj.ETag), `"`),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// DeleteFile removes the object. S3 deletes are already idempotent.
func (p *S3Provider) DeleteFile(ctx context.Context, filePath string) error {
	logical, err := p.sanitize("delete", filePath)
	if err != nil {
		return err
	}

	err = p.call(ctx, "delete", logical, func(ctx context.Context) error {
		_, err := p.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(p.key(logical)),
		})
		return err
	})
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	return err
}

// GetServerTimestamp returns LastModified from HeadObject.
func (p *S3Provider) GetServerTimestamp(ctx context.Context, filePath string) (time.Time, error) {
	logical, err := p.sanitize("timestamp", filePath)
	if err != nil {
		return time.Time{}, err
	}

	var modified time.Time
	err = p.call(ctx, "timestamp", logical, func(ctx context.Context) error {
		out, err := p.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(p.key(logical)),
		})
		if err != nil {
			return err
		}
		modified = aws.ToTime(out.LastModified).UTC()
		return nil
	})
	return modified, err
}

// CheckConnection probes the bucket without retries.
func (p *S3Provider) CheckConnection(ctx context.Context) bool {
	_, err := p.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)})
	return err == nil
}

// GetStorageQuota sums the sizes of this application's objects. Buckets
// report no capacity, so availability stays unknown.
func (p *S3Provider) GetStorageQuota(ctx context.Context) (*models.Quota, error) {
	var used int64
	err := p.call(ctx, "quota", "", func(ctx context.Context) error {
		used = 0
		pages := s3.NewListObjectsV2Paginator(p.api, &s3.ListObjectsV2Input{
			Bucket: aws.String(p.bucket),
			Prefix: aws.String(p.prefix + "/"),
		})
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, obj := range page.Contents {
				if strings.HasSuffix(aws.ToString(obj.Key), ObjectExt) {
					used += aws.ToInt64(obj.Size)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return models.NewQuota(used, -1), nil
}

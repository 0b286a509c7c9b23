package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/secure-values/interfaces"
)

// S3Options configures an S3Backend. Empty keys fall back to the default AWS
// credential chain.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// ServerSideEncryption is passed through on writes, e.g. "AES256".
	ServerSideEncryption string
}

// S3Backend stores content as objects in an S3 or S3-compatible bucket, keyed
// by objectKey below the prefix.
type S3Backend struct {
	client *s3.S3
	opts   S3Options
	log    *slog.Logger
}

// NewS3Backend creates a backend for opts.Bucket. No request is made until
// first use.
func NewS3Backend(opts S3Options, log *slog.Logger) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 backend requires a bucket")
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	cfg := aws.NewConfig().WithRegion(opts.Region)
	if opts.Endpoint != "" {
		// S3-compatible services such as MinIO need path-style addressing.
		cfg = cfg.WithEndpoint(opts.Endpoint).WithS3ForcePathStyle(true)
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, ""))
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return &S3Backend{client: s3.New(sess), opts: opts, log: log}, nil
}

func (b *S3Backend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.opts.Bucket),
		Key:    aws.String(b.key(id, contentType)),
	})
	if isS3NotFound(err) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		b.log.Error("Failed to get object from S3", contentAttrs(id, contentType), "err", err)
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return verify(b.Name(), id, data)
}

// Store skips the upload when an object with the same id already exists.
func (b *S3Backend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	key := b.key(id, contentType)

	_, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.opts.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return id, nil
	}
	if !isS3NotFound(err) {
		return id, fmt.Errorf("failed to check object in S3: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	}
	if b.opts.ServerSideEncryption != "" {
		input.ServerSideEncryption = aws.String(b.opts.ServerSideEncryption)
	}
	if _, err := b.client.PutObjectWithContext(ctx, input); err != nil {
		b.log.Error("Failed to put object to S3", contentAttrs(id, contentType), "err", err)
		return id, fmt.Errorf("failed to upload object to S3: %w", err)
	}

	b.log.Debug("Stored content in S3", contentAttrs(id, contentType), slog.String("bucket", b.opts.Bucket))
	return id, nil
}

// Available checks that the bucket can be reached with the configured credentials.
func (b *S3Backend) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.opts.Bucket)})
	if err != nil {
		b.log.Warn("S3 backend unavailable", slog.String("bucket", b.opts.Bucket), "err", err)
		return false
	}
	return true
}

func (b *S3Backend) Name() string {
	return "s3-" + b.opts.Bucket
}

// LocationURI never includes the secret key.
func (b *S3Backend) LocationURI() string {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", b.opts.Bucket, b.opts.Prefix, b.opts.Region)
	if b.opts.AccessKey != "" {
		uri = fmt.Sprintf("s3://%s:***@%s/%s?region=%s", b.opts.AccessKey, b.opts.Bucket, b.opts.Prefix, b.opts.Region)
	}
	if b.opts.Endpoint != "" {
		uri += "&endpoint=" + b.opts.Endpoint
	}
	return uri
}

func (b *S3Backend) key(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return objectKey(b.opts.Prefix, id, contentType)
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	return false
}

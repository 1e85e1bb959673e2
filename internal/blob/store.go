// Package blob reads and writes objects in Amazon S3.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Error types for blob operations.
var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrNoBucket     = errors.New("bucket not configured")
)

// S3API abstracts the S3 operations used by Store.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store fetches raw objects and writes JSON snapshots.
type Store struct {
	client S3API
}

// NewStore creates a new Store.
func NewStore(client S3API) *Store {
	return &Store{client: client}
}

// Fetch returns the full contents of bucket/key.
func (s *Store) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	tracer := tracing.Tracer("lambda-comms-blob")
	ctx, span := tracer.Start(ctx, "blob.Fetch", trace.WithAttributes(
		attribute.String("s3.bucket", bucket),
		attribute.String("s3.key", key),
	))
	defer span.End()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			err = fmt.Errorf("%w: s3://%s/%s", ErrBlobNotFound, bucket, key)
		} else {
			err = fmt.Errorf("get object s3://%s/%s: %w", bucket, key, err)
		}
		tracing.RecordError(span, err)
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		err = fmt.Errorf("read object s3://%s/%s: %w", bucket, key, err)
		tracing.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("s3.size", len(data)))
	return data, nil
}

// PutJSON serializes v and stores it at bucket/key with a JSON content type.
func (s *Store) PutJSON(ctx context.Context, bucket, key string, v any) error {
	if bucket == "" {
		return ErrNoBucket
	}

	tracer := tracing.Tracer("lambda-comms-blob")
	ctx, span := tracer.Start(ctx, "blob.PutJSON", trace.WithAttributes(
		attribute.String("s3.bucket", bucket),
		attribute.String("s3.key", key),
	))
	defer span.End()

	body, err := json.Marshal(v)
	if err != nil {
		err = fmt.Errorf("marshal %s: %w", key, err)
		tracing.RecordError(span, err)
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		err = fmt.Errorf("put object s3://%s/%s: %w", bucket, key, err)
		tracing.RecordError(span, err)
		return err
	}
	return nil
}

// Location renders an s3:// URI for bucket/key.
func Location(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}

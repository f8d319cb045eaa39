package storage

import (
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

// S3API is the subset of the S3 client used by S3Loader.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Loader reads source images from a single S3 bucket.
type S3Loader struct {
	client S3API
	bucket string
}

// NewS3Loader returns a loader for bucket.
func NewS3Loader(client S3API, bucket string) *S3Loader {
	return &S3Loader{client: client, bucket: bucket}
}

// Bucket returns the bucket the loader reads from.
func (l *S3Loader) Bucket() string {
	return l.bucket
}

// Head fetches object metadata with HeadObject. The ETag is returned exactly
// as S3 reports it, quotes included, so it round-trips through If-None-Match.
func (l *S3Loader) Head(ctx context.Context, key string) (Freshness, error) {
	zerolog.Ctx(ctx).Debug().Str("bucket", l.bucket).Str("key", key).Msg("S3 HeadObject")

	out, err := l.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &l.bucket,
		Key:    &key,
	})
	if err != nil {
		return Freshness{}, l.wrapError("HeadObject", key, err)
	}

	f := Freshness{
		ByteLength:   aws.ToInt64(out.ContentLength),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
	}
	if f.ContentType == "" {
		f.ContentType = defaultContentType
	}
	return f, nil
}

// Open streams the object body with GetObject.
func (l *S3Loader) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	zerolog.Ctx(ctx).Debug().Str("bucket", l.bucket).Str("key", key).Msg("S3 GetObject")

	out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &l.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, l.wrapError("GetObject", key, err)
	}
	return out.Body, nil
}

// wrapError classifies S3 errors into the package sentinels.
func (l *S3Loader) wrapError(op, key string, err error) error {
	wrapped := &Error{Op: op, Bucket: l.bucket, Key: key, Cause: err}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) || errors.As(err, &noSuchBucket) {
		wrapped.Kind = ErrNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			wrapped.Kind = ErrNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Kind = ErrAccessDenied
		}
	}
	return wrapped
}

package latentstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/latentgo/codec"
)

// S3Store persists records in an S3 bucket under a key prefix. S3 object
// puts are atomic, so the visibility contract holds without a rename
// step. Intended for runs whose latent dataset outlives the machines
// that computed it.
type S3Store struct {
	client      *s3.Client
	uploader    *manager.Uploader
	bucket      string
	prefix      string
	compression Compression
	codec       codec.Codec
}

// S3Option configures an S3Store.
type S3Option func(*S3Store)

// WithS3Compression sets the payload compression for new records.
func WithS3Compression(c Compression) S3Option {
	return func(s *S3Store) { s.compression = c }
}

// WithS3Codec sets the header codec for new records.
func WithS3Codec(c codec.Codec) S3Option {
	return func(s *S3Store) {
		if c != nil {
			s.codec = c
		}
	}
}

// NewS3Store creates a store writing to bucket with all keys below prefix.
func NewS3Store(client *s3.Client, bucket, prefix string, opts ...S3Option) (*S3Store, error) {
	if client == nil {
		return nil, fmt.Errorf("latentstore: s3 client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("latentstore: s3 bucket is required")
	}

	s := &S3Store{
		client:      client,
		uploader:    manager.NewUploader(client),
		bucket:      bucket,
		prefix:      prefix,
		compression: Zstd,
		codec:       codec.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewS3StoreFromDefaultConfig creates a store using the ambient AWS
// configuration (environment, shared config files, instance metadata).
// Convenience for CLI-style callers that do not build their own client.
func NewS3StoreFromDefaultConfig(ctx context.Context, bucket, prefix string, opts ...S3Option) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("latentstore: load aws config: %w", err)
	}
	return NewS3Store(s3.NewFromConfig(cfg), bucket, prefix, opts...)
}

func (s *S3Store) key(id string) string {
	return path.Join(s.prefix, id) + recordExt
}

// Has reports whether a record exists for id.
func (s *S3Store) Has(ctx context.Context, id string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Write persists rec, skipping existing records unless overwrite is set.
func (s *S3Store) Write(ctx context.Context, rec *Record, overwrite bool) (bool, error) {
	if !overwrite {
		ok, err := s.Has(ctx, rec.ID)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}

	data, err := MarshalRecord(rec, s.compression, s.codec)
	if err != nil {
		return false, err
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(rec.ID)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return false, fmt.Errorf("latentstore: upload %s: %w", rec.ID, err)
	}
	return true, nil
}

// Read loads the record for id.
func (s *S3Store) Read(ctx context.Context, id string) (*Record, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("latentstore: %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	return UnmarshalRecord(data)
}

// Present lists the prefix once and matches ids against the listing,
// avoiding a HeadObject per sample on large resumes.
func (s *S3Store) Present(ctx context.Context, ids []string) (*roaring.Bitmap, error) {
	existing := make(map[string]struct{})

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			existing[aws.ToString(obj.Key)] = struct{}{}
		}
	}

	bm := roaring.New()
	for i, id := range ids {
		if _, ok := existing[s.key(id)]; ok {
			bm.Add(uint32(i))
		}
	}
	return bm, nil
}

// Close implements Store.
func (s *S3Store) Close() error { return nil }

func isS3NotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}

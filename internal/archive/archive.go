// Package archive implements the optional sealed-partition archiver of
// SPEC_FULL.md §12: when a storage partition file rotates from open to
// sealed, its path is handed here for a best-effort asynchronous
// upload to S3-compatible object storage.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/lakowske/ib-stream-sub000/internal/metrics"
	"github.com/rs/zerolog"
)

// S3Archiver uploads sealed partition files to a configured bucket,
// mirroring their on-disk path layout as the object key (§12). Each
// sealed file is uploaded once; a failed upload is logged and counted
// in ArchiveUploadFailuresTotal and is not retried.
type S3Archiver struct {
	client *s3.Client
	bucket string
	root   string // storage root, stripped from the path to form the S3 key
	logger zerolog.Logger
}

// New constructs an S3Archiver using the default AWS credential chain
// (environment, shared config, instance role), matching how the
// corpus's other AWS SDK v2 consumers authenticate.
func New(ctx context.Context, bucket, root string, logger zerolog.Logger) (*S3Archiver, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3Archiver{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		root:   root,
		logger: logger.With().Str("component", "archive").Str("bucket", bucket).Logger(),
	}, nil
}

// Archive uploads path asynchronously; satisfies storage.Archiver.
func (a *S3Archiver) Archive(path string) {
	go a.upload(path)
}

func (a *S3Archiver) upload(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f, err := os.Open(path)
	if err != nil {
		a.logger.Warn().Err(err).Str("path", path).Msg("archive: failed to open sealed partition for upload")
		return
	}
	defer f.Close()

	key := a.objectKey(path)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("path", path).Str("key", key).Msg("archive: upload failed")
		metrics.ArchiveUploadFailuresTotal.Inc()
		return
	}
	a.logger.Debug().Str("path", path).Str("key", key).Msg("archive: uploaded sealed partition")
}

func (a *S3Archiver) objectKey(path string) string {
	rel, err := filepath.Rel(a.root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	return strings.ReplaceAll(rel, string(filepath.Separator), "/")
}

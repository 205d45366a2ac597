// Package s3 mirrors partition files to an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

const contentType = "application/x-ndjson"

type putObjectAPI interface {
	PutObject(ctx context.Context, in *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
}

// PathResolver maps a partition id to its local file.
type PathResolver interface {
	Path(id string) string
}

// Config holds the bucket settings of a Mirror.
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // custom endpoint for MinIO, LocalStack etc.; enables path-style addressing
}

// Mirror uploads whole partition files, replacing the previous object.
// It implements pipeline.PartitionMirror.
type Mirror struct {
	client putObjectAPI
	files  PathResolver
	cfg    Config
	logger *slog.Logger
}

// NewMirror loads AWS credentials from the default chain and creates a Mirror.
func NewMirror(ctx context.Context, cfg Config, files PathResolver, logger *slog.Logger) (*Mirror, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*awss3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return newMirror(awss3.NewFromConfig(awsCfg, s3Opts...), cfg, files, logger), nil
}

func newMirror(client putObjectAPI, cfg Config, files PathResolver, logger *slog.Logger) *Mirror {
	return &Mirror{client: client, files: files, cfg: cfg, logger: logger}
}

// ObjectKey returns the key a partition is stored under.
func (m *Mirror) ObjectKey(partitionID string) string {
	return path.Join(m.cfg.Prefix, partitionID+".jsonl")
}

// Mirror uploads the current content of one partition.
func (m *Mirror) Mirror(ctx context.Context, partitionID string) error {
	data, err := os.ReadFile(m.files.Path(partitionID))
	if err != nil {
		return fmt.Errorf("read partition %s: %w", partitionID, err)
	}

	key := m.ObjectKey(partitionID)
	_, err = m.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(m.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", m.cfg.Bucket, key, err)
	}
	m.logger.Debug("partition mirrored", "partition", partitionID, "bucket", m.cfg.Bucket, "key", key, "bytes", len(data))
	return nil
}

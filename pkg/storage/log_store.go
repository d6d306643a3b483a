package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// LogStore persists the full captured process output per job. The Outcome
// only carries the bounded stderr tail; the complete capture goes here and
// the ledger keeps the reference.
type LogStore interface {
	// Store saves logs and returns a reference path/URL.
	Store(ctx context.Context, jobID string, logs []byte) (string, error)
	// Retrieve fetches logs by reference.
	Retrieve(ctx context.Context, reference string) ([]byte, error)
	// Purge removes stored logs older than the cutoff.
	Purge(ctx context.Context, cutoff time.Time) error
}

// S3LogStore stores logs in S3-compatible storage with a local read cache.
type S3LogStore struct {
	client     *s3.Client
	bucket     string
	prefix     string
	localCache string
}

// S3LogStoreConfig holds S3 configuration.
type S3LogStoreConfig struct {
	Bucket          string
	Prefix          string // e.g. "logs/jobs/"
	Region          string
	Endpoint        string // for MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
	LocalCacheDir   string
}

// NewS3LogStore creates a new S3-backed log store.
func NewS3LogStore(cfg S3LogStoreConfig) (*S3LogStore, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO
		})
	}
	client := s3.NewFromConfig(awsCfg, clientOpts...)

	if cfg.LocalCacheDir != "" {
		if err := os.MkdirAll(cfg.LocalCacheDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	return &S3LogStore{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		localCache: cfg.LocalCacheDir,
	}, nil
}

func (s *S3LogStore) Store(ctx context.Context, jobID string, logs []byte) (string, error) {
	key := s.buildKey(jobID)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(logs),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload logs to S3: %w", err)
	}

	if s.localCache != "" {
		cachePath := filepath.Join(s.localCache, jobID+".log")
		_ = os.WriteFile(cachePath, logs, 0644)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *S3LogStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	key := s.extractKey(reference)

	if s.localCache != "" {
		cachePath := filepath.Join(s.localCache, filepath.Base(key))
		if data, err := os.ReadFile(cachePath); err == nil {
			return data, nil
		}
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get logs from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}

	if s.localCache != "" {
		cachePath := filepath.Join(s.localCache, filepath.Base(key))
		_ = os.WriteFile(cachePath, data, 0644)
	}

	return data, nil
}

// Purge walks date-partitioned prefixes older than the cutoff and deletes
// their objects. Keys are laid out as prefix/YYYY/MM/DD/jobID.log.
func (s *S3LogStore) Purge(ctx context.Context, cutoff time.Time) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list logs: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.LastModified != nil && obj.LastModified.Before(cutoff) {
				_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
					Bucket: aws.String(s.bucket),
					Key:    obj.Key,
				})
				if err != nil {
					return fmt.Errorf("failed to delete log object: %w", err)
				}
			}
		}
	}
	return nil
}

func (s *S3LogStore) buildKey(jobID string) string {
	timestamp := time.Now().Format("2006/01/02")
	return fmt.Sprintf("%s%s/%s.log", s.prefix, timestamp, jobID)
}

func (s *S3LogStore) extractKey(reference string) string {
	if strings.HasPrefix(reference, "s3://") {
		rest := strings.TrimPrefix(reference, "s3://")
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			return rest[idx+1:]
		}
	}
	return reference
}

// LocalLogStore stores logs on the local filesystem, for development and
// single-node deployments.
type LocalLogStore struct {
	basePath string
}

// NewLocalLogStore creates a local filesystem log store.
func NewLocalLogStore(basePath string) (*LocalLogStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &LocalLogStore{basePath: basePath}, nil
}

func (l *LocalLogStore) Store(ctx context.Context, jobID string, logs []byte) (string, error) {
	path := filepath.Join(l.basePath, jobID+".log")
	if err := os.WriteFile(path, logs, 0644); err != nil {
		return "", fmt.Errorf("failed to write logs: %w", err)
	}
	return path, nil
}

func (l *LocalLogStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	return os.ReadFile(reference)
}

func (l *LocalLogStore) Purge(ctx context.Context, cutoff time.Time) error {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(l.basePath, entry.Name()))
		}
	}
	return nil
}

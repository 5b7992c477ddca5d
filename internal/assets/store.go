package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"song-fulfillment/internal/config"
)

// Store persists mirrored song assets and returns their public URL.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// NewStore picks the local or S3 backend from config.
func NewStore(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.AssetDriver {
	case "s3":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Store{client: client, bucket: cfg.AssetBucket, publicURL: cfg.AssetPublicURL}, nil
	case "local", "":
		return &LocalStore{baseDir: cfg.AssetLocalDir, publicURL: cfg.AssetPublicURL}, nil
	default:
		return nil, fmt.Errorf("unknown asset driver %q", cfg.AssetDriver)
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AssetRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.AssetEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AssetEndpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func sanitizeKey(key string) (string, error) {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	key = strings.TrimPrefix(key, "/")
	if key == "" || key == "." {
		return "", errors.New("empty asset key")
	}
	return key, nil
}

func publicURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}

// LocalStore writes assets under a directory served by the API.
type LocalStore struct {
	baseDir   string
	publicURL string
}

func NewLocalStore(baseDir, publicURL string) *LocalStore {
	return &LocalStore{baseDir: baseDir, publicURL: publicURL}
}

func (l *LocalStore) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	key, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return publicURL(l.publicURL, key), nil
}

func (l *LocalStore) Delete(_ context.Context, key string) error {
	key, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(l.baseDir, filepath.FromSlash(key)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// S3Store writes assets to a bucket.
type S3Store struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	if s.publicURL != "" {
		return publicURL(s.publicURL, key), nil
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	key, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

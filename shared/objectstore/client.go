package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds object store connection configuration
type Config struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	Region     string
	UseSSL     bool
	PresignTTL time.Duration
}

// PresignedUpload is a time-limited direct-upload grant
type PresignedUpload struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// Client wraps an S3-compatible object store
type Client struct {
	mc     *minio.Client
	config *Config
	logger *slog.Logger
}

// NewClient creates a new object store client and ensures the bucket exists
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	mc, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	logger.Info("Connecting to object store",
		slog.String("endpoint", config.Endpoint),
		slog.String("bucket", config.Bucket),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := mc.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}

	if !exists {
		if err := mc.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %q: %w", config.Bucket, err)
		}
		logger.Info("Created object store bucket",
			slog.String("bucket", config.Bucket),
		)
	}

	return &Client{
		mc:     mc,
		config: config,
		logger: logger,
	}, nil
}

// Store writes a blob under the given key and returns the key
func (c *Client) Store(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := c.mc.PutObject(ctx, c.config.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		c.logger.Error("Failed to store object",
			slog.String("key", key),
			slog.Any("error", err),
		)
		return "", fmt.Errorf("failed to store object %q: %w", key, err)
	}

	c.logger.Debug("Object stored",
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.String("content_type", contentType),
	)

	return key, nil
}

// Presign issues a time-limited upload URL for a client-side direct upload
func (c *Client) Presign(ctx context.Context, filename, contentType string, ttl time.Duration) (*PresignedUpload, error) {
	if ttl <= 0 {
		ttl = c.config.PresignTTL
	}

	key := path.Join("uploads", time.Now().UTC().Format("2006/01/02"), randomSuffix()+"-"+sanitizeFilename(filename))

	u, err := c.mc.PresignedPutObject(ctx, c.config.Bucket, key, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload for %q: %w", filename, err)
	}

	c.logger.Debug("Presigned upload issued",
		slog.String("key", key),
		slog.Duration("ttl", ttl),
	)

	return &PresignedUpload{
		URL: u.String(),
		Key: key,
	}, nil
}

// Remove deletes a single blob
func (c *Client) Remove(ctx context.Context, key string) error {
	if err := c.mc.RemoveObject(ctx, c.config.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove object %q: %w", key, err)
	}
	return nil
}

// RemovePrefix deletes every blob under a key prefix (twin teardown)
func (c *Client) RemovePrefix(ctx context.Context, prefix string) error {
	objects := c.mc.ListObjects(ctx, c.config.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	for obj := range objects {
		if obj.Err != nil {
			return fmt.Errorf("failed to list objects under %q: %w", prefix, obj.Err)
		}
		if err := c.mc.RemoveObject(ctx, c.config.Bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to remove object %q: %w", obj.Key, err)
		}
	}

	return nil
}

// BuildObjectKey derives the storage key for a twin attachment.
// Keys are namespaced by twin id and role; the sequence plus random suffix
// keeps re-uploads from colliding with earlier blobs.
func BuildObjectKey(twinID, role string, seq int, filename string) string {
	return path.Join("twins", twinID, role, fmt.Sprintf("%02d-%s-%s", seq, randomSuffix(), sanitizeFilename(filename)))
}

// TwinPrefix returns the key prefix holding every blob of a twin
func TwinPrefix(twinID string) string {
	return path.Join("twins", twinID) + "/"
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func sanitizeFilename(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)

	if base == "" || base == "." {
		base = "file"
	}

	return base
}

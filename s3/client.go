// Package s3 mirrors downloaded files to an S3 bucket.
//
// The mirror runs after a file is complete on local disk. It uploads the
// file under an optional key prefix, stores the SHA256 of the content in the
// object metadata and skips the upload when an object of the same size and
// checksum is already present.
//
// # Authentication
//
// The client uses the AWS SDK default credential chain:
//  1. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  2. Shared credentials file (~/.aws/credentials)
//  3. IAM role (if running on EC2)
//
// # Usage Example
//
//	mirror, err := s3.New(ctx, s3.Config{
//		Region: "us-east-1",
//		Bucket: "camera-uploads",
//		Prefix: "d7200/",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	err = mirror.Mirror(ctx, "/photos/DSC_0001.NEF", "DSC_0001.NEF")
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// checksumKey is the object metadata key holding the content SHA256.
const checksumKey = "sha256"

// API is the part of the S3 client the mirror uses.
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client uploads finished files to a bucket.
type Client struct {
	api    API
	cfg    Config
	logger logrus.FieldLogger
}

// Config holds S3 mirror configuration.
type Config struct {
	// Region is the AWS region (optional, defaults to us-east-1)
	Region string

	// Bucket receives the files
	Bucket string

	// Prefix is prepended to every key, e.g. "d7200/"
	Prefix string

	// Endpoint overrides the service endpoint for S3-compatible stores
	Endpoint string

	// Logger for upload logging
	Logger logrus.FieldLogger
}

// DefaultConfig returns a default S3 configuration.
func DefaultConfig() Config {
	return Config{
		Region: "us-east-1",
	}
}

// New creates a mirror client from the default AWS configuration.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = DefaultConfig().Region
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithAPI(api, cfg), nil
}

// NewWithAPI returns a mirror client using api.
func NewWithAPI(api API, cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		api:    api,
		cfg:    cfg,
		logger: logger.WithFields(logrus.Fields{"component": "s3", "bucket": cfg.Bucket}),
	}
}

// Key returns the object key for a local file name.
func (c *Client) Key(name string) string {
	return c.cfg.Prefix + name
}

// Mirror uploads localPath as name under the configured prefix.
func (c *Client) Mirror(ctx context.Context, localPath, name string) error {
	key := c.Key(name)
	if err := validateS3Key(key); err != nil {
		return fmt.Errorf("invalid S3 key: %w", err)
	}
	logger := c.logger.WithFields(logrus.Fields{"key": key, "path": localPath})

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	size, checksum, err := digest(f)
	if err != nil {
		return fmt.Errorf("failed to checksum file: %w", err)
	}

	exists, err := c.exists(ctx, key, size, checksum)
	if err != nil {
		return err
	}
	if exists {
		logger.Debug("object already mirrored, skipping upload")
		return nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind file: %w", err)
	}
	start := time.Now()
	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		Metadata:      map[string]string{checksumKey: checksum},
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"size":        humanize.IBytes(uint64(size)),
		"duration_ms": time.Since(start).Milliseconds(),
		"checksum":    checksum,
	}).Info("mirrored to S3")
	return nil
}

// exists reports whether key already holds content of the given size and
// checksum.
func (c *Client) exists(ctx context.Context, key string, size int64, checksum string) (bool, error) {
	head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	if head.ContentLength == nil || *head.ContentLength != size {
		return false, nil
	}
	return head.Metadata[checksumKey] == checksum, nil
}

func digest(r io.Reader) (int64, string, error) {
	hash := sha256.New()
	n, err := io.Copy(hash, r)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(hash.Sum(nil)), nil
}

// validateS3Key validates an S3 key for security.
func validateS3Key(key string) error {
	if key == "" {
		return fmt.Errorf("S3 key cannot be empty")
	}
	if len(key) > 1024 {
		return fmt.Errorf("S3 key too long: %d characters (max 1024)", len(key))
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("S3 key contains path traversal: %s", key)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("S3 key should not start with /: %s", key)
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("S3 key contains null byte")
	}
	return nil
}

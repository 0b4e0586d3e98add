// Package docstore keeps tender archives in an S3-compatible bucket and
// hands out time-limited links to them.
package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hazyhaar/licita/connectivity"
)

// Config locates the bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	// Region skips the bucket location lookup. Default: us-east-1.
	Region string
	// LinkExpiry bounds presigned links. Default and maximum: 7 days.
	LinkExpiry time.Duration
	Logger     *slog.Logger
}

// Object is an uploaded archive.
type Object struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Store uploads archives to the bucket.
type Store struct {
	client  *minio.Client
	bucket  string
	expiry  time.Duration
	logger  *slog.Logger
	breaker *connectivity.CircuitBreaker
}

// New creates a Store. The client connects lazily.
func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("docstore: endpoint and bucket are required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.LinkExpiry <= 0 || cfg.LinkExpiry > 7*24*time.Hour {
		cfg.LinkExpiry = 7 * 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("docstore: create client: %w", err)
	}
	return &Store{
		client:  client,
		bucket:  cfg.Bucket,
		expiry:  cfg.LinkExpiry,
		logger:  cfg.Logger,
		breaker: connectivity.NewCircuitBreaker("docstore"),
	}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("docstore: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("docstore: create bucket: %w", err)
	}
	s.logger.Info("docstore: bucket created", "bucket", s.bucket)
	return nil
}

// ObjectName derives the object key of a tender archive:
// {prefix}/{COMPANY}_{tender id with "/" replaced by "-"}.zip.
func ObjectName(prefix, companyID, tenderID string) string {
	name := strings.ToUpper(companyID) + "_" + strings.ReplaceAll(tenderID, "/", "-") + ".zip"
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Upload stores the archive at localPath and returns its object name and a
// presigned download link. Uploading the same tender again overwrites it.
func (s *Store) Upload(ctx context.Context, prefix, companyID, tenderID, localPath string) (Object, error) {
	obj := Object{Name: ObjectName(prefix, companyID, tenderID)}
	if _, err := os.Stat(localPath); err != nil {
		return Object{}, fmt.Errorf("docstore: %w", err)
	}
	err := connectivity.Retry(ctx, connectivity.Policy{Attempts: 3, Logger: s.logger}, "docstore.upload", func(ctx context.Context) error {
		return s.breaker.Do(ctx, func(ctx context.Context) error {
			_, err := s.client.FPutObject(ctx, s.bucket, obj.Name, localPath, minio.PutObjectOptions{
				ContentType: "application/zip",
			})
			if err != nil && minio.ToErrorResponse(err).StatusCode/100 == 4 {
				return connectivity.Permanent(err)
			}
			return err
		})
	})
	if err != nil {
		return Object{}, fmt.Errorf("docstore: upload %s: %w", obj.Name, err)
	}

	params := url.Values{}
	params.Set("response-content-disposition", `attachment; filename="`+path.Base(obj.Name)+`"`)
	u, err := s.client.PresignedGetObject(ctx, s.bucket, obj.Name, s.expiry, params)
	if err != nil {
		return obj, fmt.Errorf("docstore: presign %s: %w", obj.Name, err)
	}
	obj.URL = u.String()
	s.logger.Info("docstore: archive uploaded", "object", obj.Name, "company_id", companyID, "tender_id", tenderID)
	return obj, nil
}

package parquetexport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/i474232898/weather-feature-pipeline/internal/weather"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"google.golang.org/api/option"
)

// Uploader stores one object under objectPath.
type Uploader interface {
	Upload(ctx context.Context, objectPath string, data io.Reader, size int64, contentType string) error
	Close() error
}

// LocalConfig writes objects under Dir on the local filesystem.
type LocalConfig struct {
	Dir string `mapstructure:"dir"`
}

// S3Config targets any S3-compatible store through the MinIO client.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// GCSConfig targets a Google Cloud Storage bucket.
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Endpoint        string `mapstructure:"endpoint"`
}

// NewUploader builds the uploader for target ("local", "s3" or "gcs").
func NewUploader(ctx context.Context, target string, local LocalConfig, s3 S3Config, gcs GCSConfig) (Uploader, error) {
	switch target {
	case "", "local":
		return &LocalUploader{Dir: local.Dir}, nil
	case "s3":
		return NewS3Uploader(s3)
	case "gcs":
		return NewGCSUploader(ctx, gcs)
	default:
		return nil, fmt.Errorf("%w: unknown export target %q", weather.ErrInvalidInput, target)
	}
}

// LocalUploader writes objects as files below Dir.
type LocalUploader struct {
	Dir string
}

func (u *LocalUploader) Upload(_ context.Context, objectPath string, data io.Reader, _ int64, _ string) error {
	dest := filepath.Join(u.Dir, filepath.FromSlash(objectPath))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return f.Close()
}

func (u *LocalUploader) Close() error { return nil }

// S3Uploader puts objects into a single bucket.
type S3Uploader struct {
	client *minio.Client
	bucket string
}

// NewS3Uploader connects to an S3-compatible endpoint with static credentials.
func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 export needs endpoint and bucket", weather.ErrInvalidInput)
	}
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &S3Uploader{client: cli, bucket: cfg.Bucket}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, objectPath string, data io.Reader, size int64, contentType string) error {
	_, err := u.client.PutObject(ctx, u.bucket, objectPath, data, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", u.bucket, objectPath, err)
	}
	return nil
}

func (u *S3Uploader) Close() error { return nil }

// GCSUploader writes objects into a Cloud Storage bucket.
type GCSUploader struct {
	client *storage.Client
	bucket string
}

// NewGCSUploader creates a storage client from a credentials file, or an
// unauthenticated client when Endpoint points at an emulator.
func NewGCSUploader(ctx context.Context, cfg GCSConfig) (*GCSUploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: gcs export needs a bucket", weather.ErrInvalidInput)
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	cli, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSUploader{client: cli, bucket: cfg.Bucket}, nil
}

func (u *GCSUploader) Upload(ctx context.Context, objectPath string, data io.Reader, _ int64, contentType string) error {
	w := u.client.Bucket(u.bucket).Object(objectPath).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", u.bucket, objectPath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize gs://%s/%s: %w", u.bucket, objectPath, err)
	}
	return nil
}

func (u *GCSUploader) Close() error { return u.client.Close() }

// Package objstore uploads raster audit artifacts to an S3-compatible
// bucket (AWS S3 or MinIO).
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/aeris-io/aeris/internal/gas"
	"github.com/aeris-io/aeris/internal/metrics"
)

type Config struct {
	Provider        string // "s3" or "minio"
	EndpointURL     string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Compress        bool
}

type Store struct {
	cfg    Config
	client *s3.Client
	logger *zap.Logger
}

// New builds the S3 client. MinIO deployments point EndpointURL at the
// local gateway and use path-style addressing.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("loading object storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if strings.EqualFold(cfg.Provider, "minio") && cfg.EndpointURL != "" {
			o.BaseEndpoint = &cfg.EndpointURL
			o.UsePathStyle = true
		}
	})
	return &Store{cfg: cfg, client: client, logger: logger}, nil
}

// AuditKey is the bucket key for one hour's raw raster of one gas.
func AuditKey(g gas.Gas, ts time.Time) string {
	ts = ts.UTC()
	return fmt.Sprintf("audit/geotiff/%s/%s_%s.tif", ts.Format("2006-01-02"), g, ts.Format("15"))
}

// UploadFile puts a local file under key, optionally zstd-compressed
// (the key gains a .zst suffix). Returns the final key.
func (s *Store) UploadFile(ctx context.Context, path, key string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	contentType := "application/octet-stream"
	if s.cfg.Compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return "", fmt.Errorf("creating zstd writer: %w", err)
		}
		data = enc.EncodeAll(data, nil)
		enc.Close()
		key += ".zst"
		contentType = "application/zstd"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.cfg.Bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		metrics.AuditUploadsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("putting %s: %w", key, err)
	}
	metrics.AuditUploadsTotal.WithLabelValues("ok").Inc()
	s.logger.Info("uploaded audit object",
		zap.String("key", key),
		zap.Int("bytes", len(data)),
	)
	return key, nil
}

// Download fetches an object, transparently decompressing .zst keys.
func (s *Store) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.cfg.Bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	if strings.HasSuffix(key, ".zst") {
		dec, err := zstd.NewReader(bytes.NewReader(buf.Bytes()))
		if err != nil {
			return nil, fmt.Errorf("opening zstd reader for %s: %w", key, err)
		}
		defer dec.Close()
		var plain bytes.Buffer
		if _, err := plain.ReadFrom(dec); err != nil {
			return nil, fmt.Errorf("decompressing %s: %w", key, err)
		}
		return plain.Bytes(), nil
	}
	return buf.Bytes(), nil
}

package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ILLUVRSE/commission-ledger/internal/models"
)

// Archiver stores sealed envelopes and returns the object key.
type Archiver interface {
	Archive(ctx context.Context, ev models.LedgerEvent, envelope []byte) (string, error)
}

type S3Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint points the client at an S3-compatible store such as MinIO; path-style
	// addressing is enabled when set.
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3Archiver writes envelopes to s3://<bucket>/<prefix>/YYYY/MM/DD/<eventID>.json.
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 archiver: bucket not configured")
	}
	var opts []func(*awsConfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsConfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 archiver: aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archiver{
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

// ObjectKey is derived from the event timestamp so reruns overwrite the same object.
func ObjectKey(prefix string, ev models.LedgerEvent) string {
	ts := ev.CreatedAt.UTC()
	if ev.CreatedAt.IsZero() {
		ts = time.Now().UTC()
	}
	return path.Join(prefix, ts.Format("2006/01/02"), ev.ID.String()+".json")
}

func (s *S3Archiver) Archive(ctx context.Context, ev models.LedgerEvent, envelope []byte) (string, error) {
	key := ObjectKey(s.prefix, ev)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(envelope),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"event-type":   ev.EventType,
			"aggregate-id": ev.AggregateID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}

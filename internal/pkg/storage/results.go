// Package storage persists generated images. Production uses any
// S3-compatible bucket; development and tests keep results in memory.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/ManuelReschke/PetFox/internal/pkg/logging"
)

// ResultStore saves an object and returns the reference clients fetch it by.
type ResultStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // S3-compatible services, e.g. Backblaze B2 or MinIO
	PublicBaseURL   string
	CreateBucket    bool
}

// ObjectKey builds generations/YYYY/MM/<ticket>-<unit><ext>.
func ObjectKey(ticketID string, unit int, ext string, at time.Time) string {
	return fmt.Sprintf("generations/%04d/%02d/%s-%d%s", at.Year(), int(at.Month()), ticketID, unit, ext)
}

// ExtensionFor maps the content types generators return.
func ExtensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

type S3Store struct {
	client *s3.Client
	cfg    S3Config
	log    *zap.Logger
}

func NewS3Store(ctx context.Context, cfg S3Config, log *zap.Logger) (*S3Store, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("S3_BUCKET_NAME is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	store := &S3Store{client: client, cfg: cfg, log: logging.OrNop(log).Named("storage")}
	if err := store.ensureBucket(ctx); err != nil {
		return nil, err
	}
	store.log.Info("result storage ready", zap.String("bucket", cfg.BucketName))
	return store, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.BucketName)})
	if err == nil {
		return nil
	}
	if !s.cfg.CreateBucket {
		return fmt.Errorf("bucket %s not accessible: %w", s.cfg.BucketName, err)
	}

	s.log.Warn("bucket not found, creating it", zap.String("bucket", s.cfg.BucketName))
	input := &s3.CreateBucketInput{Bucket: aws.String(s.cfg.BucketName)}
	// us-east-1 and S3-compatible endpoints reject an explicit location.
	if s.cfg.EndpointURL == "" && s.cfg.Region != "" && s.cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.cfg.Region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.cfg.BucketName, err)
	}
	return nil
}

func (s *S3Store) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata: map[string]string{
			"upload-source": "petfox-generation",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	s.log.Debug("result uploaded", zap.String("key", key), zap.Int("size", len(data)))
	return PublicRef(s.cfg, key), nil
}

// PublicRef is the URL under PublicBaseURL, or an s3:// URI when none is set.
func PublicRef(cfg S3Config, key string) string {
	if base := strings.TrimRight(cfg.PublicBaseURL, "/"); base != "" {
		return base + "/" + key
	}
	return fmt.Sprintf("s3://%s/%s", cfg.BucketName, key)
}

type memoryObject struct {
	contentType string
	data        []byte
}

// MemoryStore keeps results in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string]memoryObject{}}
}

func (m *MemoryStore) Put(_ context.Context, key, contentType string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{contentType: contentType, data: append([]byte(nil), data...)}
	return "memory://" + key, nil
}

func (m *MemoryStore) Get(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj.data, obj.contentType, ok
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

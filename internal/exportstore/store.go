// Package exportstore keeps DSAR export bundles and hands out time-limited
// download links for them.
package exportstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ContentTypeJSON is the media type of export bundles.
const ContentTypeJSON = "application/json"

// DefaultLinkTTL is how long a download link stays valid.
const DefaultLinkTTL = 7 * 24 * time.Hour

// ErrObjectNotFound is returned when a stored bundle does not exist.
var ErrObjectNotFound = errors.New("export object not found")

// Link is a download link for a stored bundle.
type Link struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists export bundles.
type Store interface {
	// Put stores body under key and returns a download link valid for the
	// store's TTL.
	Put(ctx context.Context, key string, body []byte) (*Link, error)
}

// ObjectKey builds the key for a user's bundle: exports/{user hash prefix}/{uuid}.json.
// Only the first 16 characters of the hash are used so keys do not expose a
// full identifier.
func ObjectKey(userHash string) string {
	prefix := sanitizePathComponent(userHash)
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	if prefix == "" {
		prefix = "anonymous"
	}
	return fmt.Sprintf("exports/%s/%s.json", prefix, uuid.New().String())
}

func sanitizePathComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// S3Config holds configuration for an S3-compatible bucket (R2 included).
type S3Config struct {
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Region          string        // default "auto"
	LinkTTL         time.Duration // default DefaultLinkTTL
}

// S3Store uploads bundles to a bucket and returns presigned GET links.
type S3Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucketName    string
	linkTTL       time.Duration
	timeNow       func() time.Time
}

// NewS3Store creates an S3-backed export store.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = DefaultLinkTTL
	}

	client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	})

	return &S3Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucketName:    cfg.BucketName,
		linkTTL:       cfg.LinkTTL,
		timeNow:       time.Now,
	}, nil
}

// Client returns the underlying S3 client.
func (s *S3Store) Client() *s3.Client {
	return s.client
}

// BucketName returns the configured bucket.
func (s *S3Store) BucketName() string {
	return s.bucketName
}

// Put uploads body and presigns a GET for it.
func (s *S3Store) Put(ctx context.Context, key string, body []byte) (*Link, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(ContentTypeJSON),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload export %s: %w", key, err)
	}

	req, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.linkTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to presign export %s: %w", key, err)
	}

	return &Link{Key: key, URL: req.URL, ExpiresAt: s.timeNow().Add(s.linkTTL)}, nil
}

// MemoryStore keeps bundles in process memory. Links use the memory:// scheme
// and are only meaningful to Get.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	linkTTL time.Duration
	timeNow func() time.Time
}

// NewMemoryStore creates an in-memory export store.
func NewMemoryStore(linkTTL time.Duration) *MemoryStore {
	if linkTTL <= 0 {
		linkTTL = DefaultLinkTTL
	}
	return &MemoryStore{objects: make(map[string][]byte), linkTTL: linkTTL, timeNow: time.Now}
}

// Put stores a copy of body.
func (m *MemoryStore) Put(ctx context.Context, key string, body []byte) (*Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	return &Link{Key: key, URL: "memory://" + key, ExpiresAt: m.timeNow().Add(m.linkTTL)}, nil
}

// Get returns a stored bundle.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), b...), nil
}

// Len returns the number of stored bundles.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

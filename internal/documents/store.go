// Package documents is the document-storage collaborator. Documents are
// addressed by the CID of their bytes; callers treat the address as opaque.
package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"carbon-scribe/credit-lifecycle/pkg/storage"
)

// ErrNotFound is returned when no document exists at an address
var ErrNotFound = errors.New("document not found")

// Store persists documents by content address
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, address string) ([]byte, error)
}

// ContentStore keeps documents in an object bucket under documents/<cid>.
// Writing the same bytes twice yields the same address.
type ContentStore struct {
	client  storage.S3Client
	bucket  string
	maxSize int64
	logger  *zap.Logger
}

// NewContentStore creates a document store over the given object client
func NewContentStore(client storage.S3Client, bucket string, maxSize int64, logger *zap.Logger) *ContentStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxSize <= 0 {
		maxSize = 10 << 20
	}
	return &ContentStore{client: client, bucket: bucket, maxSize: maxSize, logger: logger}
}

func (s *ContentStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("document is empty")
	}
	if int64(len(data)) > s.maxSize {
		return "", fmt.Errorf("document exceeds %d bytes", s.maxSize)
	}

	address, err := storage.ContentAddress(data)
	if err != nil {
		return "", err
	}
	if err := s.client.Upload(ctx, s.bucket, objectKey(address), bytes.NewReader(data), contentType); err != nil {
		return "", err
	}

	s.logger.Debug("Stored document",
		zap.String("address", address),
		zap.Int("size", len(data)),
		zap.String("content_type", contentType))
	return address, nil
}

func (s *ContentStore) Get(ctx context.Context, address string) ([]byte, error) {
	if _, err := storage.ParseContentAddress(address); err != nil {
		return nil, ErrNotFound
	}

	rc, err := s.client.Download(ctx, s.bucket, objectKey(address))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", address, err)
	}
	return data, nil
}

// URL returns a time-limited download link for a document
func (s *ContentStore) URL(ctx context.Context, address string, ttl time.Duration) (string, error) {
	if _, err := storage.ParseContentAddress(address); err != nil {
		return "", ErrNotFound
	}
	return s.client.GetPresignedURL(ctx, s.bucket, objectKey(address), ttl)
}

func objectKey(address string) string {
	return "documents/" + address
}

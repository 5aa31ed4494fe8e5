package storage

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/erp/reconciliation/internal/domain/shared"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryObjectStorage keeps objects in process memory. It backs workpaper
// archiving when S3 is not configured; links point at BaseURL and are not
// signed.
type MemoryObjectStorage struct {
	BaseURL string

	mu      sync.RWMutex
	objects map[string]memoryObject
	clock   shared.Clock
}

// NewMemoryObjectStorage creates an empty store
func NewMemoryObjectStorage(baseURL string, clock shared.Clock) *MemoryObjectStorage {
	if baseURL == "" {
		baseURL = "http://localhost:8080/workpapers"
	}
	if clock == nil {
		clock = shared.RealClock{}
	}
	return &MemoryObjectStorage{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		objects: make(map[string]memoryObject),
		clock:   clock,
	}
}

// Upload stores a copy of data
func (s *MemoryObjectStorage) Upload(ctx context.Context, storageKey string, data []byte, contentType string) error {
	if storageKey == "" {
		return ErrKeyRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[storageKey] = memoryObject{
		data:        append([]byte(nil), data...),
		contentType: contentType,
	}
	return nil
}

// Download returns a copy of the stored object
func (s *MemoryObjectStorage) Download(ctx context.Context, storageKey string) ([]byte, error) {
	if storageKey == "" {
		return nil, ErrKeyRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[storageKey]
	if !ok {
		return nil, shared.NewNotFoundError("object " + storageKey + " not found")
	}
	return append([]byte(nil), obj.data...), nil
}

// ObjectExists reports whether storageKey was uploaded
func (s *MemoryObjectStorage) ObjectExists(ctx context.Context, storageKey string) (bool, error) {
	if storageKey == "" {
		return false, ErrKeyRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[storageKey]
	return ok, nil
}

// GenerateDownloadURL returns BaseURL/<key>?expires=<RFC3339>
func (s *MemoryObjectStorage) GenerateDownloadURL(ctx context.Context, storageKey string, expiresIn time.Duration) (string, time.Time, error) {
	if storageKey == "" {
		return "", time.Time{}, ErrKeyRequired
	}
	if expiresIn <= 0 {
		expiresIn = DefaultPresignExpiration
	}
	expiresAt := s.clock.Now().Add(expiresIn)
	link := s.BaseURL + "/" + storageKey + "?expires=" + url.QueryEscape(expiresAt.UTC().Format(time.RFC3339))
	return link, expiresAt, nil
}

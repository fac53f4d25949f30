package preview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/mri-check/internal/inference"
	"github.com/example/mri-check/internal/logging"
)

// ErrNotFound is returned for handles that were released, expired or never issued.
var ErrNotFound = errors.New("preview not found")

const keyPrefix = "preview:"

// Handle identifies one stored preview. The zero value means no preview.
type Handle string

// URL is the path the handle resolves at.
func (h Handle) URL() string {
	if h == "" {
		return ""
	}
	return "/preview/" + string(h)
}

// Store keeps preview bytes addressable by Handle until they are released or expire.
type Store struct {
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
	newID  func() string
}

func NewStore(cache Cache, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		cache:  cache,
		ttl:    ttl,
		logger: logger.Named("preview_store"),
		newID:  uuid.NewString,
	}
}

// Put stores img and returns a fresh handle for it.
func (s *Store) Put(ctx context.Context, img inference.Image) (Handle, error) {
	if strings.ContainsAny(img.ContentType, "\r\n") {
		return "", fmt.Errorf("invalid content type %q", img.ContentType)
	}
	handle := Handle(s.newID())
	value := img.ContentType + "\n" + string(img.Data)
	if err := s.cache.Set(ctx, keyPrefix+string(handle), value, s.ttl); err != nil {
		return "", logging.NewOperationError("preview.put", "", err)
	}
	s.logger.Debug("preview stored", zap.String("handle", string(handle)), zap.Int("bytes", len(img.Data)))
	return handle, nil
}

// Open returns the content type and bytes behind handle.
func (s *Store) Open(ctx context.Context, handle Handle) (string, []byte, error) {
	if handle == "" {
		return "", nil, ErrNotFound
	}
	value, err := s.cache.Get(ctx, keyPrefix+string(handle))
	if errors.Is(err, ErrCacheMiss) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, logging.NewOperationError("preview.open", "", err)
	}
	contentType, data, ok := strings.Cut(value, "\n")
	if !ok {
		return "", nil, logging.NewOperationError("preview.open", "", fmt.Errorf("corrupt preview entry %s", handle))
	}
	if err := s.Touch(ctx, handle); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("failed to refresh preview ttl", zap.Error(err), zap.String("handle", string(handle)))
	}
	return contentType, []byte(data), nil
}

// Touch restarts the time to live of a preview that is still on screen.
func (s *Store) Touch(ctx context.Context, handle Handle) error {
	if handle == "" {
		return ErrNotFound
	}
	err := s.cache.Expire(ctx, keyPrefix+string(handle), s.ttl)
	if errors.Is(err, ErrCacheMiss) {
		return ErrNotFound
	}
	if err != nil {
		return logging.NewOperationError("preview.touch", "", err)
	}
	return nil
}

// Release drops the preview behind handle. Releasing an empty or unknown handle is a no-op.
func (s *Store) Release(ctx context.Context, handle Handle) error {
	if handle == "" {
		return nil
	}
	if err := s.cache.Del(ctx, keyPrefix+string(handle)); err != nil {
		return logging.NewOperationError("preview.release", "", err)
	}
	s.logger.Debug("preview released", zap.String("handle", string(handle)))
	return nil
}

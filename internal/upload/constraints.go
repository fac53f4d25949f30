package upload

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// DefaultMaxBytes is the largest accepted upload, inclusive.
const DefaultMaxBytes int64 = 10 * 1024 * 1024

var (
	ErrUnsupportedType = errors.New("only JPEG and PNG images are supported")
	ErrTooLarge        = errors.New("image exceeds the maximum upload size")
	ErrEmptyFile       = errors.New("image file is empty")
)

// Constraints are applied to a file before it is handed to Accept.
type Constraints struct {
	MaxBytes   int64
	Extensions []string
}

func DefaultConstraints() Constraints {
	return Constraints{
		MaxBytes:   DefaultMaxBytes,
		Extensions: []string{".jpeg", ".jpg", ".png"},
	}
}

// Check validates metadata only; the bytes are never inspected.
func (c Constraints) Check(filename, contentType string, size int64) error {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return fmt.Errorf("%w: content type %q", ErrUnsupportedType, contentType)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !c.allowsExtension(ext) {
		return fmt.Errorf("%w: extension %q", ErrUnsupportedType, ext)
	}
	if size <= 0 {
		return ErrEmptyFile
	}
	if c.MaxBytes > 0 && size > c.MaxBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, size, c.MaxBytes)
	}
	return nil
}

func (c Constraints) allowsExtension(ext string) bool {
	for _, allowed := range c.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// Package artifact stores customer uploads (meter photos, payment proofs)
// and returns opaque references to them.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
)

var (
	ErrEmpty           = errors.New("empty artifact")
	ErrTooLarge        = errors.New("artifact too large")
	ErrUnsupportedType = errors.New("unsupported content type")
)

// Store persists artifacts. Upload returns a reference usable for later retrieval.
type Store interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// File is an artifact as received from a client.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Policy restricts what may be uploaded.
type Policy struct {
	MaxBytes     int64
	AllowedTypes []string // prefixes, e.g. "image/"
}

// ImagePolicy accepts images up to maxBytes.
func ImagePolicy(maxBytes int64) Policy {
	return Policy{MaxBytes: maxBytes, AllowedTypes: []string{"image/"}}
}

// Check validates f against the policy and returns the content type sniffed from its data.
func (p Policy) Check(f File) (string, error) {
	if len(f.Data) == 0 {
		return "", ErrEmpty
	}
	if p.MaxBytes > 0 && int64(len(f.Data)) > p.MaxBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(f.Data), p.MaxBytes)
	}

	// The declared type is never trusted.
	contentType := http.DetectContentType(f.Data)
	for _, allowed := range p.AllowedTypes {
		if strings.HasPrefix(contentType, allowed) {
			return contentType, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
}

// Key joins a directory and a client file name, dropping any path the client sent.
func Key(dir, prefix, fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if base == "." || base == "/" {
		base = "upload"
	}
	return path.Join(dir, prefix+"-"+base)
}

package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var _ Store = (*Disk)(nil)

// Disk stores artifacts below a base directory.
type Disk struct {
	baseDir string
}

func NewDisk(baseDir string) *Disk {
	return &Disk{baseDir: baseDir}
}

// Upload writes data to baseDir/key and returns key as the reference.
func (d *Disk) Upload(ctx context.Context, key string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	full := filepath.Join(d.baseDir, filepath.FromSlash(key))
	if rel, err := filepath.Rel(d.baseDir, full); err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("artifact key %q escapes base dir", key)
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}
	// O_EXCL keeps an earlier upload from being overwritten.
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return key, nil
}

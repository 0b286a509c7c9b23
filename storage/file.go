package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/secure-values/interfaces"
)

// FileBackend keeps content as files below a base directory, laid out by
// objectKey. Writes go through a temporary file and a rename so a crash never
// leaves a truncated part under its final name.
type FileBackend struct {
	baseDir string
	log     *slog.Logger
}

// NewFileBackend creates a backend rooted at baseDir, creating the directory
// if needed.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	baseDir = filepath.Clean(baseDir)
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileBackend{baseDir: baseDir, log: log}, nil
}

func (b *FileBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	data, err := os.ReadFile(b.path(id, contentType))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	return verify(b.Name(), id, data)
}

func (b *FileBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	target := b.path(id, contentType)

	if _, err := os.Stat(target); err == nil {
		return id, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return id, fmt.Errorf("failed to create content directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".incoming-*")
	if err != nil {
		return id, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return id, fmt.Errorf("failed to write content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return id, fmt.Errorf("failed to write content: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return id, fmt.Errorf("failed to move content into place: %w", err)
	}

	b.log.Debug("Stored content in file", contentAttrs(id, contentType), slog.Int("size", len(data)))
	return id, nil
}

// Available reports whether the base directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	info, err := os.Stat(b.baseDir)
	if err != nil || !info.IsDir() {
		b.log.Debug("File backend unavailable", slog.String("dir", b.baseDir), "err", err)
		return false
	}
	return true
}

func (b *FileBackend) Name() string {
	return "file-" + filepath.Base(b.baseDir)
}

func (b *FileBackend) LocationURI() string {
	return "file://" + b.baseDir
}

func (b *FileBackend) path(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return filepath.Join(b.baseDir, filepath.FromSlash(objectKey("", id, contentType)))
}

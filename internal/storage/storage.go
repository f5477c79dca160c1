package storage

import (
	"context"
	"io"
	"mime"
	"path"
	"strings"
	"time"
)

// ObjectInfo describes a stored upload.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified *time.Time
}

// Service stores uploads in a flat namespace of file names. Missing objects
// are reported with domain.ErrNotFound.
type Service interface {
	Put(ctx context.Context, name string, r io.Reader, contentType string) error
	Open(ctx context.Context, name string) (io.ReadCloser, ObjectInfo, error)
	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, name string) error
}

// ValidName reports whether name is a plain file name without any path component.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return strings.IndexByte(name, 0) < 0
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"crater-portal/internal/domain"
)

// DiskService keeps uploads as files in a single directory.
type DiskService struct {
	root string
}

func NewDiskService(root string) (*DiskService, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &DiskService{root: root}, nil
}

func (s *DiskService) Root() string {
	return s.root
}

func (s *DiskService) path(name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("invalid file name %q: %w", name, domain.ErrNotFound)
	}
	return filepath.Join(s.root, name), nil
}

// Put writes through a temp file and renames it into place so readers never
// observe a partial file.
func (s *DiskService) Put(ctx context.Context, name string, r io.Reader, contentType string) error {
	dst, err := s.path(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpName)
		if copyErr != nil {
			return fmt.Errorf("write %s: %w", name, copyErr)
		}
		return fmt.Errorf("close %s: %w", name, closeErr)
	}

	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

func (s *DiskService) Open(ctx context.Context, name string) (io.ReadCloser, ObjectInfo, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ObjectInfo{}, fmt.Errorf("open %s: %w", name, domain.ErrNotFound)
		}
		return nil, ObjectInfo{}, fmt.Errorf("open %s: %w", name, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ObjectInfo{}, fmt.Errorf("stat %s: %w", name, err)
	}
	if fi.IsDir() {
		f.Close()
		return nil, ObjectInfo{}, fmt.Errorf("open %s: %w", name, domain.ErrNotFound)
	}

	modified := fi.ModTime()
	return f, ObjectInfo{
		Key:          name,
		Size:         fi.Size(),
		ContentType:  contentTypeFor(name),
		LastModified: &modified,
	}, nil
}

func (s *DiskService) Copy(ctx context.Context, src, dst string) error {
	rc, info, err := s.Open(ctx, src)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := s.Put(ctx, dst, rc, info.ContentType); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return nil
}

func (s *DiskService) Delete(ctx context.Context, name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", name, domain.ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

var _ Service = (*DiskService)(nil)

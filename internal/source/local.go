package source

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cloud-importer/internal/models"
)

// LocalSource serves folders below a base directory. Source ids are paths
// relative to the base.
type LocalSource struct {
	base string
}

// NewLocalSource creates a source rooted at base
func NewLocalSource(base string) (*LocalSource, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", base, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("local source dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local source %s is not a directory", abs)
	}
	return &LocalSource{base: abs}, nil
}

func (s *LocalSource) resolve(rel string) (string, error) {
	p := filepath.Join(s.base, filepath.FromSlash(rel))
	r, err := filepath.Rel(s.base, p)
	if err != nil || strings.HasPrefix(r, "..") {
		return "", ErrInvalidFolderRef
	}
	return p, nil
}

// ListFiles returns regular files in the folder sorted by name
func (s *LocalSource) ListFiles(ctx context.Context, folderRef string, limit int) ([]models.FileDescriptor, error) {
	dir, err := s.resolve(folderRef)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidFolderRef, folderRef)
		}
		return nil, fmt.Errorf("failed to read %s: %w", folderRef, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	files := make([]models.FileDescriptor, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, models.FileDescriptor{
			SourceID:    filepath.ToSlash(filepath.Join(folderRef, e.Name())),
			DisplayName: e.Name(),
			MimeHint:    mime.TypeByExtension(strings.ToLower(filepath.Ext(e.Name()))),
			Size:        info.Size(),
		})
		if limit > 0 && len(files) == limit {
			break
		}
	}
	return files, nil
}

// Fetch copies the file into w
func (s *LocalSource) Fetch(ctx context.Context, sourceID string, w io.Writer) (int64, error) {
	p, err := s.resolve(sourceID)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrFileNotFound
		}
		return 0, err
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, ErrEmptyFile
	}
	return n, nil
}

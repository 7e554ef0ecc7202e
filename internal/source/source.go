// Package source lists and downloads files from remote folders.
package source

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"

	"github.com/cloud-importer/internal/models"
)

var (
	// ErrInvalidFolderRef is returned when a folder reference cannot be parsed
	ErrInvalidFolderRef = errors.New("invalid folder reference")
	// ErrFileNotFound is returned when the source no longer has a file
	ErrFileNotFound = errors.New("file not found")
	// ErrEmptyFile is returned when a download produced no bytes
	ErrEmptyFile = errors.New("downloaded file is empty")
)

// Source is a remote file provider
type Source interface {
	// ListFiles returns up to limit files in folderRef, in listing order
	ListFiles(ctx context.Context, folderRef string, limit int) ([]models.FileDescriptor, error)
	// Fetch streams a file's bytes into w and returns the byte count
	Fetch(ctx context.Context, sourceID string, w io.Writer) (int64, error)
}

var folderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/folders/([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`id=([a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)`),
}

var bareID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ParseFolderRef extracts a Drive folder id from a share URL or a bare id
func ParseFolderRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	for _, p := range folderPatterns {
		if m := p.FindStringSubmatch(ref); m != nil {
			return m[1], nil
		}
	}
	if bareID.MatchString(ref) {
		return ref, nil
	}
	return "", ErrInvalidFolderRef
}

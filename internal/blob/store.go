// Package blob writes File and Image payloads into content directories
// under generated names. Client-supplied names are never used on disk.
package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrWrite wraps any failure to persist a payload (disk full, permissions).
var ErrWrite = errors.New("blob: write failed")

type Kind int

const (
	KindFile Kind = iota + 1
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindImage:
		return "image"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) extension() string {
	if k == KindImage {
		return ".png"
	}
	return ".txt"
}

type Store struct {
	filesDir  string
	imagesDir string
	now       func() time.Time
}

func NewStore(filesDir, imagesDir string) *Store {
	return &Store{filesDir: filesDir, imagesDir: imagesDir, now: time.Now}
}

// EnsureDirs creates both content directories if they are missing.
func (s *Store) EnsureDirs() error {
	for _, dir := range []string{s.filesDir, s.imagesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create %s: %w", ErrWrite, dir, err)
		}
	}
	return nil
}

func (s *Store) dir(kind Kind) (string, error) {
	switch kind {
	case KindFile:
		return s.filesDir, nil
	case KindImage:
		return s.imagesDir, nil
	}
	return "", fmt.Errorf("%w: unknown kind %v", ErrWrite, kind)
}

// Write stores content as <dir>/<timestamp>-<suffix><ext> and returns the
// path. The file is created exclusively, so an existing blob is never
// overwritten, and a partial file is removed on failure.
func (s *Store) Write(kind Kind, content []byte) (string, error) {
	dir, err := s.dir(kind)
	if err != nil {
		return "", err
	}
	name := s.now().UTC().Format("20060102150405") + "-" + uuid.NewString()[:8] + kind.extension()
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("%w: %s: %w", ErrWrite, path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("%w: %s: %w", ErrWrite, path, err)
	}
	return path, nil
}

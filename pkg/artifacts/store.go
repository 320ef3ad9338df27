// Package artifacts stores payloads too large to travel inside a ledger
// transaction. Objects are content addressed by the digest the package
// builder records under content_hash, and each backend has its own locator
// scheme (file://, s3://, gs://).
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
)

var (
	// ErrNotFound means no object is stored under the hash.
	ErrNotFound = errors.New("artifacts: object not found")
	// ErrCorrupt means a stored object does not hash to its key.
	ErrCorrupt = errors.New("artifacts: object content does not match its hash")
)

const objectSuffix = ".json"

// Store is a content-addressed object store.
type Store interface {
	// Put persists data under h. Writing an existing object is a no-op.
	Put(ctx context.Context, h digest.Hash, data []byte) error
	// Get returns the object stored under h, or ErrNotFound.
	Get(ctx context.Context, h digest.Hash) ([]byte, error)
	// Exists reports whether h is stored.
	Exists(ctx context.Context, h digest.Hash) (bool, error)
	// Locator is the URI recorded on chain for h.
	Locator(h digest.Hash) string
}

// GetVerified reads h from s and checks the content against h with engine.
func GetVerified(ctx context.Context, s Store, engine *digest.Engine, h digest.Hash) ([]byte, error) {
	data, err := s.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	if got := engine.Digest(data); got != h {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrCorrupt, h.Hex(), got.Hex())
	}
	return data, nil
}

// FileStore keeps objects as files in one directory.
type FileStore struct {
	baseDir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("artifacts: %w", err)
	}
	//nolint:gosec // G301: shared artifact directory
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure dir: %w", err)
	}
	return &FileStore{baseDir: abs}, nil
}

func (s *FileStore) path(h digest.Hash) string {
	return filepath.Join(s.baseDir, h.Hex()+objectSuffix)
}

// Put writes to a temp file and renames it into place.
func (s *FileStore) Put(_ context.Context, h digest.Hash, data []byte) error {
	path := s.path(h)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	tmp, err := os.CreateTemp(s.baseDir, h.Hex()+".*.tmp")
	if err != nil {
		return fmt.Errorf("artifacts: write %s: %w", h.Hex(), err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("artifacts: write %s: %w", h.Hex(), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("artifacts: write %s: %w", h.Hex(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("artifacts: commit %s: %w", h.Hex(), err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, h digest.Hash) ([]byte, error) {
	data, err := os.ReadFile(s.path(h))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: read %s: %w", h.Hex(), err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, h digest.Hash) (bool, error) {
	_, err := os.Stat(s.path(h))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("artifacts: stat %s: %w", h.Hex(), err)
}

// Locator returns a file:// URI.
func (s *FileStore) Locator(h digest.Hash) string {
	return "file://" + filepath.ToSlash(s.path(h))
}

// HashFromLocator extracts the content hash from any locator produced by
// this package.
func HashFromLocator(locator string) (digest.Hash, error) {
	name := locator[strings.LastIndexByte(locator, '/')+1:]
	if !strings.HasSuffix(name, objectSuffix) {
		return digest.Hash{}, fmt.Errorf("artifacts: locator %q has no object name", locator)
	}
	return digest.FromHex(strings.TrimSuffix(name, objectSuffix))
}

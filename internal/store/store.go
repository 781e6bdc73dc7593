// Package store implements the content-addressed module store.
//
// The store is a flat directory of immutable files named by their lowercase
// BLAKE3 hex digest. Publication is temp-file + fsync + atomic rename, so
// concurrent driver processes can share one store without locking: readers
// only ever see complete entries, and the rename loser simply discards its
// copy because the existing entry is canonical.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/standardbeagle/nit/internal/digest"
	nerrors "github.com/standardbeagle/nit/internal/errors"
)

// EnvCacheDir overrides the default cache root when set.
const EnvCacheDir = "NIT_CACHE_DIR"

// Store is a digest-keyed directory of module blobs.
type Store struct {
	root string
}

// DefaultRoot returns the platform cache location for modules, honoring
// NIT_CACHE_DIR.
func DefaultRoot() (string, error) {
	if dir := os.Getenv(EnvCacheDir); dir != "" {
		return dir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("no user cache directory: %w", err)
	}
	return filepath.Join(base, "nit", "modules"), nil
}

// Open creates the store directory if needed and returns a handle to it.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the location an entry would occupy. It does not check existence.
func (s *Store) Path(d digest.Digest) string {
	return filepath.Join(s.root, d.String())
}

// Has reports whether an entry exists, without verifying it.
func (s *Store) Has(d digest.Digest) bool {
	info, err := os.Stat(s.Path(d))
	return err == nil && info.Mode().IsRegular()
}

// Get returns the path of a verified entry. The entry is re-hashed on every
// read; an entry that no longer hashes to its name is deleted and an
// IntegrityError returned.
func (s *Store) Get(d digest.Digest) (string, error) {
	path := s.Path(d)
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	actual, err := digest.SumReader(f)
	if err != nil {
		return "", fmt.Errorf("read store entry %s: %w", d, err)
	}
	if actual != d {
		// Corrupt entry: remove it so a fresh download can replace it
		os.Remove(path)
		return "", nerrors.NewIntegrityError(d.String(), actual.String(), path)
	}
	return path, nil
}

// ReadBytes returns the verified content of an entry.
func (s *Store) ReadBytes(d digest.Digest) ([]byte, error) {
	path, err := s.Get(d)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Put streams content into the store, returning its digest. The content is
// hashed while written; the entry is published only when fully on disk.
func (s *Store) Put(r io.Reader) (digest.Digest, error) {
	tmp, err := s.TempFile()
	if err != nil {
		return digest.Digest{}, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	h := digest.NewHasher()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		return digest.Digest{}, fmt.Errorf("write store temp: %w", err)
	}
	d := digest.FromHasher(h)

	if err := s.install(tmp, d); err != nil {
		return digest.Digest{}, err
	}
	return d, nil
}

// PutBytes stores a byte slice and returns its digest.
func (s *Store) PutBytes(data []byte) (digest.Digest, error) {
	d := digest.Sum(data)
	if s.Has(d) {
		return d, nil
	}
	tmp, err := s.TempFile()
	if err != nil {
		return digest.Digest{}, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		return digest.Digest{}, fmt.Errorf("write store temp: %w", err)
	}
	if err := s.install(tmp, d); err != nil {
		return digest.Digest{}, err
	}
	return d, nil
}

// TempFile creates a sibling temp file inside the store root so the final
// rename never crosses a filesystem boundary.
func (s *Store) TempFile() (*os.File, error) {
	return os.CreateTemp(s.root, ".tmp-*")
}

// Install publishes an already-written temp file as the entry for d. The
// caller must have verified that the file's content hashes to d. The temp
// file is consumed on success and removed on failure.
func (s *Store) Install(tmpPath string, d digest.Digest) error {
	f, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	err = s.install(f, d)
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
	}
	return err
}

func (s *Store) install(tmp *os.File, d digest.Digest) error {
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync store temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close store temp: %w", err)
	}

	final := s.Path(d)
	if s.Has(d) {
		// Name collision: the existing entry is canonical, discard ours
		os.Remove(tmp.Name())
		return nil
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("publish store entry %s: %w", d, err)
	}
	return nil
}

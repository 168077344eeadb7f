package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/MITHaystack/scikit-dataaccess/internal/codec"
)

const entrySuffix = ".entry"

// envelope is the on-disk form of one entry. Field keys are integers so
// the layout stays stable when fields are renamed.
type envelope struct {
	ID          string         `cbor:"1,keyasint"`
	FetchedAt   time.Time      `cbor:"2,keyasint"`
	Compression CompressionTag `cbor:"3,keyasint"`
	Size        int            `cbor:"4,keyasint"`
	Digest      []byte         `cbor:"5,keyasint"`
	Payload     []byte         `cbor:"6,keyasint"`
}

// FileStore keeps one file per entry under a root directory:
//
//	<root>/<namespace>/<h[0:2]>/<h>.entry
//
// where h is the hex BLAKE3 hash of the identifier. Writes go to a temporary
// file in the target directory and are renamed into place, so readers in
// this or any other process sharing the directory never observe a partial
// entry.
type FileStore struct {
	fs     afero.Fs
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// NewFileStore creates a store rooted at root, creating the directory if
// needed.
func NewFileStore(fsys afero.Fs, root string, opts ...Option) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("cache: file store root is required")
	}
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating %s: %w", root, err)
	}

	o := buildOptions(opts)
	return &FileStore{
		fs:     fsys,
		root:   root,
		logger: o.logger.With("cache", "file"),
		now:    o.now,
	}, nil
}

func (s *FileStore) path(id string) string {
	h := keyedSum(idDomainKey, []byte(id)).String()
	return filepath.Join(s.root, NamespaceOf(id), h[:2], h+entrySuffix)
}

// Has implements Store.
func (s *FileStore) Has(_ context.Context, id string) (bool, error) {
	info, err := s.fs.Stat(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("cache: stat %s: %w", id, err)
	}
	return info.Mode().IsRegular() && info.Size() > 0, nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, id string) (*Entry, error) {
	data, err := afero.ReadFile(s.fs, s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("cache: reading %s: %w", id, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: decoding envelope: %v", ErrCorrupt, id, err)
	}
	return env.open(id)
}

// open verifies the envelope and returns its entry.
func (env *envelope) open(id string) (*Entry, error) {
	if env.ID != id {
		return nil, fmt.Errorf("%w: %s: envelope holds %q", ErrCorrupt, id, env.ID)
	}

	var digest Digest
	if len(env.Digest) != len(digest) {
		return nil, fmt.Errorf("%w: %s: digest length %d", ErrCorrupt, id, len(env.Digest))
	}
	copy(digest[:], env.Digest)

	payload, err := decompress(env.Payload, env.Compression, env.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	if Sum(payload) != digest {
		return nil, fmt.Errorf("%w: %s: digest mismatch", ErrCorrupt, id)
	}

	return &Entry{
		ID:        id,
		Payload:   payload,
		FetchedAt: env.FetchedAt,
		Digest:    digest,
	}, nil
}

// Put implements Store.
func (s *FileStore) Put(_ context.Context, id string, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("cache: %s: %w", id, ErrEmptyPayload)
	}

	digest := Sum(payload)
	compressed, tag, err := compressAuto(payload)
	if err != nil {
		return fmt.Errorf("cache: compressing %s: %w", id, err)
	}

	data, err := codec.Marshal(envelope{
		ID:          id,
		FetchedAt:   s.now().UTC(),
		Compression: tag,
		Size:        len(payload),
		Digest:      digest[:],
		Payload:     compressed,
	})
	if err != nil {
		return fmt.Errorf("cache: encoding %s: %w", id, err)
	}

	target := s.path(id)
	previous, hadPrevious := s.previousDigest(target)

	if err := s.writeAtomic(target, data); err != nil {
		return fmt.Errorf("cache: writing %s: %w", id, err)
	}

	if hadPrevious {
		logReplacement(s.logger, id, previous, digest)
	}
	return nil
}

// previousDigest returns the digest of the entry currently at path, if any.
// Unreadable entries count as absent: they are about to be replaced.
func (s *FileStore) previousDigest(path string) (Digest, bool) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil || len(data) == 0 {
		return Digest{}, false
	}
	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil || len(env.Digest) != len(Digest{}) {
		return Digest{}, false
	}
	var d Digest
	copy(d[:], env.Digest)
	return d, true
}

func (s *FileStore) writeAtomic(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := afero.TempFile(s.fs, dir, ".put-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return err
	}

	if err := s.fs.Rename(tmpName, target); err != nil {
		s.fs.Remove(tmpName)
		return err
	}
	return nil
}

// Delete implements Store.
func (s *FileStore) Delete(_ context.Context, id string) error {
	err := s.fs.Remove(s.path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cache: deleting %s: %w", id, err)
	}
	return nil
}

// Clear implements Store.
func (s *FileStore) Clear(_ context.Context, namespace string) error {
	if namespace != "" {
		if !validNamespace(namespace) {
			return fmt.Errorf("cache: invalid namespace %q", namespace)
		}
		if err := s.fs.RemoveAll(filepath.Join(s.root, namespace)); err != nil {
			return fmt.Errorf("cache: clearing %s: %w", namespace, err)
		}
		s.logger.Info("cache namespace cleared", "namespace", namespace)
		return nil
	}

	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("cache: listing %s: %w", s.root, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := s.fs.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
			return fmt.Errorf("cache: clearing %s: %w", entry.Name(), err)
		}
	}
	s.logger.Info("cache cleared", "root", s.root)
	return nil
}

// Location implements Store.
func (s *FileStore) Location(namespace string) string {
	if namespace == "" {
		return s.root
	}
	return filepath.Join(s.root, namespace)
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

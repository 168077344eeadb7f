// Package cache persists raw payloads fetched from data sources, keyed by
// item identifier.
//
// Sources are archival, so entries never expire: an entry lives until the
// caller explicitly deletes it or clears its namespace. Writing an
// identifier that already exists replaces the entry (last write wins); a
// replacement with different content is logged as a provenance event.
//
// Identifiers have the form {namespace}:{name}. The namespace part groups
// entries for Clear and for the on-disk layout.
package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
)

var (
	// ErrNotFound is returned by Get when no entry exists for an identifier.
	ErrNotFound = errors.New("cache entry not found")

	// ErrCorrupt is returned by Get when a stored entry fails verification.
	ErrCorrupt = errors.New("cache entry is corrupt")

	// ErrEmptyPayload is returned by Put for zero-length payloads, which
	// would be indistinguishable from an interrupted write.
	ErrEmptyPayload = errors.New("cache payload is empty")
)

// Store is the contract the fetch engine depends on. Implementations must be
// safe for concurrent use.
type Store interface {
	// Has reports whether a non-empty entry exists for id.
	Has(ctx context.Context, id string) (bool, error)

	// Get returns the entry for id, or an error wrapping ErrNotFound.
	Get(ctx context.Context, id string) (*Entry, error)

	// Put stores payload under id, replacing any previous entry.
	Put(ctx context.Context, id string, payload []byte) error

	// Delete removes the entry for id. Deleting a missing entry is not an error.
	Delete(ctx context.Context, id string) error

	// Clear removes every entry in namespace, or every entry at all when
	// namespace is empty.
	Clear(ctx context.Context, namespace string) error

	// Location describes where entries of namespace are kept.
	Location(namespace string) string

	// Close releases resources held by the store.
	Close() error
}

// Entry is one cached payload.
type Entry struct {
	ID        string
	Payload   []byte
	FetchedAt time.Time
	Digest    Digest
}

// Digest is the BLAKE3 digest of an uncompressed payload.
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Short returns the first 12 hex characters, for log lines.
func (d Digest) Short() string { return d.String()[:12] }

type domainKey [32]byte

func newDomainKey(name string) domainKey {
	var k domainKey
	copy(k[:], name)
	return k
}

// Keys separate identifier hashing from payload hashing so the same bytes
// never produce the same digest in both roles.
var (
	idDomainKey      = newDomainKey("skdaccess.cache.id")
	payloadDomainKey = newDomainKey("skdaccess.cache.payload")
)

func keyedSum(key domainKey, data []byte) Digest {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("cache: blake3 keyed hasher: " + err.Error())
	}
	h.Write(data)

	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Sum returns the payload digest stored with every entry.
func Sum(payload []byte) Digest {
	return keyedSum(payloadDomainKey, payload)
}

// fallbackNamespace groups identifiers that carry no usable namespace.
const fallbackNamespace = "_"

// NamespaceOf returns the namespace part of an identifier.
func NamespaceOf(id string) string {
	ns, _, ok := strings.Cut(id, ":")
	if !ok || !validNamespace(ns) {
		return fallbackNamespace
	}
	return ns
}

func validNamespace(ns string) bool {
	if ns == "" || ns == "." || ns == ".." {
		return false
	}
	return !strings.ContainsAny(ns, `/\:`)
}

// Backend names a Store implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
	BackendMemory Backend = "memory"
)

// Config selects and locates the store of a process. It is built once from
// configuration and handed to Open; nothing in this package keeps a
// process-wide default.
type Config struct {
	Backend Backend
	// Dir is the root directory for file and sqlite backends.
	Dir    string
	Logger *slog.Logger
	// Fs overrides the filesystem of the file backend. Defaults to the OS.
	Fs afero.Fs
}

// Open creates the store described by cfg.
func Open(cfg Config) (Store, error) {
	opts := []Option{WithLogger(cfg.Logger)}

	switch cfg.Backend {
	case BackendFile, "":
		fs := cfg.Fs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		return NewFileStore(fs, cfg.Dir, opts...)
	case BackendSQLite:
		if cfg.Dir == "" {
			return nil, errors.New("cache: directory is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("cache: creating %s: %w", cfg.Dir, err)
		}
		return NewSQLiteStore(filepath.Join(cfg.Dir, sqliteFileName), opts...)
	case BackendMemory:
		return NewMemoryStore(opts...), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Option configures a store.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger receiving provenance events. A nil logger
// selects slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the clock used for fetch timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// logReplacement records that an identifier was rewritten. Identical content
// is routine (two processes racing on the same archive file); different
// content means the upstream archive revised data we already held.
func logReplacement(logger *slog.Logger, id string, previous, current Digest) {
	if previous == current {
		logger.Debug("cache entry rewritten with identical content", "id", id)
		return
	}
	logger.Warn("cache entry replaced with different content",
		"id", id,
		"previous_digest", previous.Short(),
		"digest", current.Short(),
	)
}

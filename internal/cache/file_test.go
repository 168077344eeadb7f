package cache

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MITHaystack/scikit-dataaccess/internal/codec"
)

func newTestFileStore(t *testing.T) (*FileStore, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	s, err := NewFileStore(fsys, "/cache", WithClock(fixedClock))
	require.NoError(t, err)
	return s, fsys
}

func TestFileStore_Layout(t *testing.T) {
	s, fsys := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "geo.groundwater:2020-01-01", []byte("payload")))

	path := s.path("geo.groundwater:2020-01-01")
	rel, err := filepath.Rel("/cache", path)
	require.NoError(t, err)

	parts := strings.Split(rel, string(filepath.Separator))
	require.Len(t, parts, 3)
	assert.Equal(t, "geo.groundwater", parts[0])
	assert.Len(t, parts[1], 2)
	assert.True(t, strings.HasPrefix(parts[2], parts[1]))
	assert.True(t, strings.HasSuffix(parts[2], entrySuffix))

	exists, err := afero.Exists(fsys, path)
	require.NoError(t, err)
	assert.True(t, exists)

	// No temporary files left behind.
	infos, err := afero.ReadDir(fsys, filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestFileStore_EmptyFileIsAbsent(t *testing.T) {
	s, fsys := newTestFileStore(t)
	ctx := context.Background()

	path := s.path("ns:truncated")
	require.NoError(t, fsys.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fsys, path, nil, 0o644))

	has, err := s.Has(ctx, "ns:truncated")
	require.NoError(t, err)
	assert.False(t, has)

	_, err = s.Get(ctx, "ns:truncated")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_DetectsCorruption(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(env *envelope)
	}{
		{"payload altered", func(env *envelope) { env.Payload[0] ^= 0xff }},
		{"wrong id", func(env *envelope) { env.ID = "ns:other" }},
		{"short digest", func(env *envelope) { env.Digest = env.Digest[:4] }},
		{"bad size", func(env *envelope) { env.Size++ }},
		{"negative lz4 size", func(env *envelope) { env.Compression, env.Size = CompressionLZ4, -1 }},
		{"negative zstd size", func(env *envelope) { env.Compression, env.Size = CompressionZstd, -5 }},
		{"oversized lz4", func(env *envelope) { env.Compression, env.Size = CompressionLZ4, 1 << 40 }},
		{"oversized zstd", func(env *envelope) { env.Compression, env.Size = CompressionZstd, 1 << 40 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, fsys := newTestFileStore(t)
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, "ns:item", []byte("short payload")))

			path := s.path("ns:item")
			data, err := afero.ReadFile(fsys, path)
			require.NoError(t, err)

			var env envelope
			require.NoError(t, codec.Unmarshal(data, &env))
			tt.mutate(&env)
			data, err = codec.Marshal(env)
			require.NoError(t, err)
			require.NoError(t, afero.WriteFile(fsys, path, data, 0o644))

			_, err = s.Get(ctx, "ns:item")
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestFileStore_GarbageIsCorrupt(t *testing.T) {
	s, fsys := newTestFileStore(t)
	ctx := context.Background()

	path := s.path("ns:item")
	require.NoError(t, fsys.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fsys, path, []byte{0xff, 0x00, 0x13}, 0o644))

	_, err := s.Get(ctx, "ns:item")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFileStore_ClearRejectsTraversal(t *testing.T) {
	s, _ := newTestFileStore(t)
	assert.Error(t, s.Clear(context.Background(), ".."))
	assert.Error(t, s.Clear(context.Background(), "a/b"))
}

func TestNewFileStore_RequiresRoot(t *testing.T) {
	_, err := NewFileStore(afero.NewMemMapFs(), "")
	assert.Error(t, err)
}

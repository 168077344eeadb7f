package cache

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectCompression(t *testing.T) {
	text := bytes.Repeat([]byte("2020-01-01 P123 0.0012 0.0034 0.0056\n"), 100)
	random := make([]byte, 4096)
	_, err := rand.Read(random)
	require.NoError(t, err)

	assert.Equal(t, CompressionZstd, selectCompression(text))
	assert.Equal(t, CompressionNone, selectCompression(random))
	assert.Equal(t, CompressionNone, selectCompression([]byte("tiny")))
}

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("dN dE dU sN sE sU\n"), 64)

	for _, tag := range []CompressionTag{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(tag.String(), func(t *testing.T) {
			compressed, err := compress(data, tag)
			require.NoError(t, err)

			out, err := decompress(compressed, tag, len(data))
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}
}

func TestCompressAuto_FallsBackForIncompressible(t *testing.T) {
	random := make([]byte, 1024)
	_, err := rand.Read(random)
	require.NoError(t, err)

	out, tag, err := compressAuto(random)
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, tag)
	assert.Equal(t, random, out)
}

func TestCompressRoundTrip_ShortZstd(t *testing.T) {
	data := bytes.Repeat([]byte("0.0012 "), 20)

	compressed, err := compress(data, CompressionZstd)
	require.NoError(t, err)
	out, err := decompress(compressed, CompressionZstd, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestDecompress_RejectsImpossibleSizes(t *testing.T) {
	data := bytes.Repeat([]byte("dN dE dU sN sE sU\n"), 64)

	tests := []struct {
		tag  CompressionTag
		size int
	}{
		{CompressionNone, -1},
		{CompressionLZ4, -1},
		{CompressionLZ4, 1 << 40},
		{CompressionZstd, -5},
		{CompressionZstd, 1 << 40},
		{CompressionZstd, len(data) + 1},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.tag, tt.size), func(t *testing.T) {
			compressed, err := compress(data, tt.tag)
			require.NoError(t, err)

			assert.NotPanics(t, func() {
				_, err = decompress(compressed, tt.tag, tt.size)
			})
			assert.Error(t, err)
		})
	}
}

func TestDecompress_UnknownTag(t *testing.T) {
	_, err := decompress([]byte("x"), CompressionTag(9), 1)
	assert.Error(t, err)
	assert.Equal(t, "unknown(9)", CompressionTag(9).String())
}

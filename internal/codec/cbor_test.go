package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	ID        string            `cbor:"1,keyasint"`
	FetchedAt time.Time         `cbor:"2,keyasint"`
	Tags      map[string]string `cbor:"3,keyasint,omitempty"`
	Payload   []byte            `cbor:"4,keyasint"`
}

func TestMarshal_Deterministic(t *testing.T) {
	v := sample{
		ID:        "geo.groundwater:2020-01-01",
		FetchedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Tags:      map[string]string{"z": "1", "a": "2", "m": "3"},
		Payload:   []byte("payload"),
	}

	first, err := Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(v)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(first, again), "encoding must not depend on map iteration order")
	}
}

func TestRoundTrip(t *testing.T) {
	in := sample{
		ID:        "geo.ngl_gps:P123",
		FetchedAt: time.Date(2024, 3, 1, 12, 0, 0, 123, time.UTC),
		Payload:   []byte{0, 1, 2, 3},
	}

	data, err := Marshal(in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in.ID, out.ID)
	assert.True(t, in.FetchedAt.Equal(out.FetchedAt))
	assert.Equal(t, in.Payload, out.Payload)
}

func TestUnmarshal_IgnoresUnknownFields(t *testing.T) {
	type newer struct {
		ID    string `cbor:"1,keyasint"`
		Extra string `cbor:"9,keyasint"`
	}
	data, err := Marshal(newer{ID: "ns:x", Extra: "future"})
	require.NoError(t, err)

	var out sample
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, "ns:x", out.ID)
}

func TestStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(sample{ID: "a"}))
	require.NoError(t, enc.Encode(sample{ID: "b"}))

	dec := NewDecoder(&buf)
	var first, second sample
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "b", second.ID)
}

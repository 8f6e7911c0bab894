package recycle

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDataIsExactLength(t *testing.T) {
	p := NewPool(64)
	d := p.NewData(10)
	require.Len(t, d.Bytes(), 10)
	require.Equal(t, 10, d.Len())
}

func TestDataRoundTripsThroughPool(t *testing.T) {
	p := NewPool(64)
	d := p.NewData(10)
	copy(d.Bytes(), []byte("0123456789"))

	var buf bytes.Buffer
	n, err := d.WriteTo(&buf)
	require.NoError(t, err)
	require.EqualValues(t, 10, n)
	require.Equal(t, "0123456789", buf.String())
	require.NoError(t, d.Close())
}

func TestCloseIsIdempotent(t *testing.T) {
	p := NewPool(64)
	d := p.NewData(10)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}

func TestOversizeRequestFallsBackToPlainAllocation(t *testing.T) {
	p := NewPool(16)
	d := p.NewData(100)
	require.Len(t, d.Bytes(), 100)
	require.NoError(t, d.Close())
}

func TestDefaultPoolUsesDefaultChunkSize(t *testing.T) {
	p := NewPool()
	require.Equal(t, DefaultChunkSize, p.MaxChunkSize())
}

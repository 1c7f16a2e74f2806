package blockdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argentum/internal/kerr"
)

func TestMemDevice_GeometryReflectsConstructorArgs(t *testing.T) {
	d := NewMemDevice(512, 16)
	assert.Equal(t, 512, d.BlockSize())
	assert.Equal(t, uint64(16), d.NumBlocks())
}

func TestMemDevice_WriteThenReadRoundTrips(t *testing.T) {
	d := NewMemDevice(512, 4)
	payload := make([]byte, 512)
	copy(payload, "block three")

	require.Equal(t, kerr.None, d.WriteBlock(3, payload))

	out := make([]byte, 512)
	require.Equal(t, kerr.None, d.ReadBlock(3, out))
	assert.Equal(t, payload, out)
}

func TestMemDevice_DistinctBlocksDoNotAlias(t *testing.T) {
	d := NewMemDevice(16, 2)
	a := make([]byte, 16)
	copy(a, "AAAAAAAAAAAAAAAA")
	b := make([]byte, 16)
	copy(b, "BBBBBBBBBBBBBBBB")

	require.Equal(t, kerr.None, d.WriteBlock(0, a))
	require.Equal(t, kerr.None, d.WriteBlock(1, b))

	out := make([]byte, 16)
	require.Equal(t, kerr.None, d.ReadBlock(0, out))
	assert.Equal(t, a, out)
}

func TestMemDevice_OutOfRangeBlockReturnsEINVAL(t *testing.T) {
	d := NewMemDevice(512, 2)
	buf := make([]byte, 512)
	assert.Equal(t, kerr.EINVAL, d.ReadBlock(2, buf))
	assert.Equal(t, kerr.EINVAL, d.WriteBlock(2, buf))
}

func TestMemDevice_WrongSizedBufferReturnsEINVAL(t *testing.T) {
	d := NewMemDevice(512, 2)
	assert.Equal(t, kerr.EINVAL, d.ReadBlock(0, make([]byte, 256)))
	assert.Equal(t, kerr.EINVAL, d.WriteBlock(0, make([]byte, 1024)))
}

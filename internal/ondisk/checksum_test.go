package ondisk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksumRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	buf[0], buf[1], buf[2], buf[3] = 0, 0, 0, 0
	c := Checksum(buf)
	buf[0] = byte(c)
	buf[1] = byte(c >> 8)
	buf[2] = byte(c >> 16)
	buf[3] = byte(c >> 24)
	assert.True(t, VerifyChecksum(buf))
}

func TestChecksumDetectsCorruption(t *testing.T) {
	buf := make([]byte, 32)
	for i := 4; i < len(buf); i++ {
		buf[i] = byte(i)
	}
	c := Checksum(buf)
	buf[0] = byte(c)
	buf[1] = byte(c >> 8)
	buf[2] = byte(c >> 16)
	buf[3] = byte(c >> 24)
	require := assert.New(t)
	require.True(VerifyChecksum(buf))

	buf[16] ^= 0xff
	require.False(VerifyChecksum(buf))
}

func TestChecksumAllZero(t *testing.T) {
	buf := make([]byte, 16)
	assert.True(t, VerifyChecksum(buf), "an all-zero buffer already sums to zero")
}

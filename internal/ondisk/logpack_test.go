package ondisk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxRecords(t *testing.T) {
	assert.Equal(t, (4096-headerFixedSize)/recordSize, MaxRecords(4096))
	assert.Equal(t, 0, MaxRecords(8))
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := &Header{
		LogpackLSID: 1000,
		TotalIOSize: 10,
		Records: []Record{
			{IsExist: true, Offset: 0, IOSize: 8, IOSectors: 64, LSIDLocal: 1, Checksum: 0x1234},
			{IsExist: true, IsDiscard: true, Offset: 64, IOSectors: 8, LSIDLocal: 9},
		},
	}

	buf := h.EncodeSalted(4096, 0xcafef00d)
	require.True(t, ValidateHeaderSalted(buf, 0xcafef00d))

	got := DecodeHeader(buf)
	require.Len(t, got.Records, 2)
	assert.Equal(t, h.LogpackLSID, got.LogpackLSID)
	assert.Equal(t, h.TotalIOSize, got.TotalIOSize)
	assert.True(t, got.Records[0].IsExist)
	assert.False(t, got.Records[0].IsDiscard)
	assert.True(t, got.Records[1].IsDiscard)
	assert.Equal(t, uint32(64), got.Records[0].IOSectors)
	assert.Equal(t, uint32(0x1234), got.Records[0].Checksum)
}

func TestValidateHeaderSaltedRejectsWrongSalt(t *testing.T) {
	h := &Header{LogpackLSID: 1, Records: []Record{{IsExist: true, LSIDLocal: 1}}}
	buf := h.EncodeSalted(512, 1)
	assert.False(t, ValidateHeaderSalted(buf, 2))
}

func TestValidateHeaderSaltedRejectsNonIncreasingLSIDLocal(t *testing.T) {
	h := &Header{
		LogpackLSID: 1,
		TotalIOSize: 3,
		Records: []Record{
			{IsExist: true, LSIDLocal: 2},
			{IsExist: true, LSIDLocal: 2},
		},
	}
	buf := h.EncodeSalted(512, 7)
	assert.False(t, ValidateHeaderSalted(buf, 7))
}

func TestValidateHeaderSaltedRejectsZeroLSIDLocal(t *testing.T) {
	h := &Header{LogpackLSID: 1, TotalIOSize: 2, Records: []Record{{IsExist: true, LSIDLocal: 0}}}
	buf := h.EncodeSalted(512, 7)
	assert.False(t, ValidateHeaderSalted(buf, 7))
}

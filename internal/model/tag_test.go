package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTag(t *testing.T) {
	tag, err := ParseTag("0x0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.True(t, tag.Bit(TeeBit))
	assert.False(t, tag.Bit(GpuBit))

	short, err := ParseTag("0x0101")
	require.NoError(t, err)
	assert.True(t, short.Bit(TeeBit), "short tags are right-aligned")
	assert.True(t, short.Bit(GpuBit))

	_, err = ParseTag("0x")
	assert.Error(t, err)
	_, err = ParseTag("0xzz")
	assert.Error(t, err)
	_, err = ParseTag("0x" + strings.Repeat("0", 66))
	assert.Error(t, err)
}

func TestTagBits(t *testing.T) {
	var tag Tag
	tag = tag.SetBit(TeeBit).SetBit(GpuBit)
	assert.True(t, tag.Bit(TeeBit))
	assert.True(t, tag.Bit(GpuBit))
	assert.False(t, tag.Bit(1))
	assert.False(t, NoTag.Bit(TeeBit))
	assert.True(t, MaxTag.Bit(255))
}

func TestTagCoversWithin(t *testing.T) {
	tee := NoTag.SetBit(TeeBit)
	teeGpu := tee.SetBit(GpuBit)

	assert.True(t, teeGpu.Covers(tee))
	assert.False(t, tee.Covers(teeGpu))
	assert.True(t, tee.Covers(NoTag), "every tag covers the empty requirement")

	assert.True(t, tee.Within(teeGpu))
	assert.False(t, teeGpu.Within(tee))
	assert.True(t, NoTag.Within(NoTag))
	assert.True(t, teeGpu.Within(MaxTag))
}

func TestTagStringRoundTrip(t *testing.T) {
	tag := NoTag.SetBit(GpuBit)
	parsed, err := ParseTag(tag.String())
	require.NoError(t, err)
	assert.Equal(t, tag, parsed)
}

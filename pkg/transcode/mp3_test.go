package transcode

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindMP3FrameSync(t *testing.T) {
	assert.Equal(t, -1, findMP3FrameSync(nil))
	assert.Equal(t, -1, findMP3FrameSync([]byte{0xFF}))
	assert.Equal(t, -1, findMP3FrameSync([]byte{0xFF, 0x10, 0x00}))
	assert.Equal(t, 2, findMP3FrameSync([]byte{0x49, 0x44, 0xFF, 0xFB, 0x90}))
}

func TestFrameAligner(t *testing.T) {
	var a frameAligner

	assert.Empty(t, a.push([]byte{0x00, 0x01, 0xFF}))
	assert.Equal(t, []byte{0xFF, 0xFB, 0x90}, a.push([]byte{0xFB, 0x90}), "sync split across chunks")
	assert.Equal(t, []byte{0x00, 0x01}, a.push([]byte{0x00, 0x01}), "passes through once aligned")
}

func TestFrameAlignerGivesUp(t *testing.T) {
	var a frameAligner

	junk := bytes.Repeat([]byte{0x01}, maxAlignBuffer)
	assert.Empty(t, a.push(junk))

	out := a.push([]byte{0x02})
	assert.Len(t, out, maxAlignBuffer+1)
	assert.True(t, a.aligned)
}

func TestFrameAlignerFlush(t *testing.T) {
	var a frameAligner

	assert.Empty(t, a.push([]byte{0x01, 0x02}))
	assert.Equal(t, []byte{0x01, 0x02}, a.flush())
	assert.Empty(t, a.flush())
	assert.Equal(t, []byte{0x03}, a.push([]byte{0x03}))
}

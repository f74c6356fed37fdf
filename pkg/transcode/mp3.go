package transcode

// findMP3FrameSync returns the offset of the first MPEG audio frame sync
// (0xFF followed by a byte with the top three bits set), or -1.
func findMP3FrameSync(data []byte) int {
	for i := 0; i < len(data)-1; i++ {
		if data[i] == 0xFF && data[i+1]&0xE0 == 0xE0 {
			return i
		}
	}
	return -1
}

// maxAlignBuffer is how much output is held back looking for a frame sync
// before it is passed on unchanged.
const maxAlignBuffer = 8192

// frameAligner drops leading bytes before the first frame sync.
type frameAligner struct {
	aligned bool
	buf     []byte
}

// push returns the bytes that may be emitted for p.
func (a *frameAligner) push(p []byte) []byte {
	if a.aligned {
		return p
	}

	a.buf = append(a.buf, p...)
	if pos := findMP3FrameSync(a.buf); pos >= 0 {
		a.aligned = true
		out := a.buf[pos:]
		a.buf = nil
		return out
	}
	if len(a.buf) > maxAlignBuffer {
		a.aligned = true
		out := a.buf
		a.buf = nil
		return out
	}

	return nil
}

// flush returns output still held back without a frame sync.
func (a *frameAligner) flush() []byte {
	out := a.buf
	a.buf = nil
	a.aligned = true
	return out
}

package codec

import (
	"io"

	"github.com/cockroachdb/errors"
)

// seekBuffer is an in-memory io.WriteSeeker. The Arrow file writer needs to
// seek to record block offsets for the footer.
type seekBuffer struct {
	buf []byte
	pos int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.buf) {
		if end > cap(b.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, b.buf)
			b.buf = grown
		} else {
			b.buf = b.buf[:end]
		}
	}
	copy(b.buf[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(b.pos)
	case io.SeekEnd:
		base = int64(len(b.buf))
	default:
		return 0, errors.Newf("invalid whence %d", whence)
	}
	next := base + offset
	if next < 0 {
		return 0, errors.Newf("negative position %d", next)
	}
	if next > int64(len(b.buf)) {
		b.buf = append(b.buf, make([]byte, int(next)-len(b.buf))...)
	}
	b.pos = int(next)
	return next, nil
}

// Bytes returns everything written so far.
func (b *seekBuffer) Bytes() []byte { return b.buf }

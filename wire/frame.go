package wire

import (
	"fmt"
	"io"

	"github.com/lithdew/bytesutil"
	"github.com/valyala/bytebufferpool"
)

// HeaderLen is the size of the header that precedes every frame's payload.
const HeaderLen = 8

const DefaultMaxFrameSize = 16 << 20

// FrameHeader is [4 byte big-endian payload length][4 byte big-endian xid].
type FrameHeader struct {
	PayloadLen uint32
	XID        uint32
}

func (f *FrameHeader) Unmarshal(buf []byte) {
	if len(buf) != HeaderLen {
		panic("frame header is 8 bytes long")
	}
	f.PayloadLen = bytesutil.Uint32BE(buf[0:4])
	f.XID = bytesutil.Uint32BE(buf[4:8])
}

func (f FrameHeader) AppendTo(dst []byte) []byte {
	dst = bytesutil.AppendUint32BE(dst, f.PayloadLen)
	dst = bytesutil.AppendUint32BE(dst, f.XID)
	return dst
}

// AppendFrame appends header and payload of a frame to dst.
func AppendFrame(dst []byte, xid uint32, payload []byte) []byte {
	dst = FrameHeader{PayloadLen: uint32(len(payload)), XID: xid}.AppendTo(dst)
	return append(dst, payload...)
}

type FrameTooLargeError struct {
	PayloadLen, Max uint32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame payload of %d bytes exceeds limit of %d bytes", e.PayloadLen, e.Max)
}

// frameReader decodes frames from a stream into a reused buffer.
// The payload returned by readFrame is only valid until the next call.
type frameReader struct {
	r   io.Reader
	max uint32
	hdr [HeaderLen]byte
	buf *bytebufferpool.ByteBuffer
}

func newFrameReader(r io.Reader, max uint32) *frameReader {
	if max == 0 {
		max = DefaultMaxFrameSize
	}
	return &frameReader{r: r, max: max, buf: bytebufferpool.Get()}
}

func (fr *frameReader) readFrame() (h FrameHeader, payload []byte, err error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		return h, nil, err
	}
	h.Unmarshal(fr.hdr[:])
	if h.PayloadLen > fr.max {
		return h, nil, &FrameTooLargeError{h.PayloadLen, fr.max}
	}
	n := int(h.PayloadLen)
	if cap(fr.buf.B) < n {
		fr.buf.B = make([]byte, n)
	}
	fr.buf.B = fr.buf.B[:n]
	if _, err := io.ReadFull(fr.r, fr.buf.B); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return h, nil, err
	}
	return h, fr.buf.B, nil
}

func (fr *frameReader) free() {
	bytebufferpool.Put(fr.buf)
	fr.buf = nil
}

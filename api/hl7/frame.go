package hl7

import (
	"bufio"
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// MLLP block markers.
const (
	StartBlock     byte = 0x0b
	EndBlock       byte = 0x1c
	CarriageReturn byte = 0x0d
)

// ErrFraming reports a stream that does not follow MLLP block framing. The
// stream cannot be resynchronized and the connection should be dropped.
var ErrFraming = errors.New("malformed MLLP frame")

// ReadFrame reads the next MLLP framed payload from r. Line breaks between
// frames are ignored, any other byte outside a frame is a framing error. io.EOF
// is returned only when the stream ends cleanly between frames.
func ReadFrame(r *bufio.Reader, maxBytes int) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == StartBlock {
			break
		}
		if b == '\r' || b == '\n' {
			continue
		}
		return nil, errors.Wrapf(ErrFraming, "unexpected byte %#x before start block", b)
	}

	var payload bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, err
		}
		switch b {
		case StartBlock:
			return nil, errors.Wrap(ErrFraming, "start block inside frame")
		case EndBlock:
			next, err := r.ReadByte()
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			if err != nil {
				return nil, err
			}
			if next != CarriageReturn {
				return nil, errors.Wrapf(ErrFraming, "end block followed by %#x", next)
			}
			return payload.Bytes(), nil
		}
		if maxBytes > 0 && payload.Len() >= maxBytes {
			return nil, errors.Wrapf(ErrFraming, "frame exceeds %d bytes", maxBytes)
		}
		payload.WriteByte(b)
	}
}

// Frame wraps a payload in MLLP block markers.
func Frame(payload []byte) []byte {
	framed := make([]byte, 0, len(payload)+3)
	framed = append(framed, StartBlock)
	framed = append(framed, payload...)
	return append(framed, EndBlock, CarriageReturn)
}

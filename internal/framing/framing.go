// Package framing implements the wire format shared by the client and the
// server agent on the VPN data-plane channel: a 4-byte big-endian length
// prefix followed by exactly that many raw bytes.
package framing

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// MaxLength is the largest frame this codec will accept. 65536 covers the
// largest IPv4 packet a 65535-MTU TUN device could ever emit, plus room to
// spare; anything beyond it means the stream is desynchronized.
const MaxLength = 65536

// ErrFrameTooLarge is returned by ReadFrame when the declared length exceeds
// MaxLength. The stream is considered desynchronized at that point: no
// further bytes are consumed, and the caller must close the connection
// rather than attempt to resync.
var ErrFrameTooLarge = errors.New("framing: frame too large")

// ReadFrame reads one length-prefixed frame from r. A stream that ends
// before any byte of the length prefix returns io.EOF; a stream that ends
// partway through the prefix or anywhere in the payload returns
// io.ErrUnexpectedEOF. A zero-length frame is legal and returns a non-nil,
// zero-length slice.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxLength {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return payload, nil
}

// flusher is implemented by writers (like bufio.Writer) that buffer and need
// an explicit flush so the frame reaches the wire before WriteFrame returns.
type flusher interface {
	Flush() error
}

// WriteFrame writes the length prefix and payload as one logical operation
// and flushes before returning, so the counterpart's ReadFrame can never
// observe a half-written frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxLength {
		return ErrFrameTooLarge
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// NewBufferedWriter wraps w so that the two Write calls WriteFrame makes for
// the length prefix and the payload reach the wire as a single packet where
// the underlying transport buffers at a syscall boundary (e.g. SSH channel
// writes), rather than risking them being split into two SSH messages.
func NewBufferedWriter(w io.Writer) *bufio.Writer {
	return bufio.NewWriter(w)
}

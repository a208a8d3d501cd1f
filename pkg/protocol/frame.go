package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// HeaderSize is the size of the big-endian length prefix in bytes
const HeaderSize = 4

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrOversize      = errors.New("payload length does not fit in a 4-byte prefix")
)

// Encode prepends the 4-byte big-endian length of payload.
// Format: [Length (4 bytes)][Payload (Length bytes)]
func Encode(payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, ErrOversize
	}

	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// Decode extracts one frame from the front of buf.
//
// When buf does not yet hold the prefix plus the full body, ok is false and
// rest is buf unchanged. The returned payload aliases buf. A zero-length frame
// yields an empty, non-nil payload.
func Decode(buf []byte) (payload, rest []byte, ok bool) {
	if len(buf) < HeaderSize {
		return nil, buf, false
	}

	length := binary.BigEndian.Uint32(buf)
	end := uint64(HeaderSize) + uint64(length)
	if uint64(len(buf)) < end {
		return nil, buf, false
	}

	return buf[HeaderSize:end:end], buf[end:], true
}

// Decoder accumulates bytes from a connection and hands out complete frames.
// It is not safe for concurrent use; each connection owns one.
type Decoder struct {
	buf          []byte
	maxFrameSize uint32 // 0 = unlimited
}

// NewDecoder creates a decoder. maxFrameSize of 0 disables the size check.
func NewDecoder(maxFrameSize uint32) *Decoder {
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Feed appends raw bytes read from the wire
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame payload, if one is buffered.
// The returned slice is owned by the caller.
func (d *Decoder) Next() ([]byte, bool, error) {
	if d.maxFrameSize > 0 && len(d.buf) >= HeaderSize {
		if length := binary.BigEndian.Uint32(d.buf); length > d.maxFrameSize {
			return nil, false, ErrFrameTooLarge
		}
	}

	payload, rest, ok := Decode(d.buf)
	if !ok {
		return nil, false, nil
	}

	out := make([]byte, len(payload))
	copy(out, payload)

	// Compact so the backing array does not grow without bound
	n := copy(d.buf, rest)
	d.buf = d.buf[:n]

	return out, true, nil
}

// Buffered returns the number of bytes held for a frame that is not complete yet
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// WriteFrame writes one frame to the writer
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads exactly one frame from the reader.
// maxFrameSize of 0 disables the size check.
func ReadFrame(r io.Reader, maxFrameSize uint32) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if maxFrameSize > 0 && length > maxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return payload, nil
}

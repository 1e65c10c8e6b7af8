// Package protocol implements the length-prefixed binary wire format
// described in spec §6: RequestWrapper/ResponseWrapper frames carrying a
// client-assigned refId and one of a fixed set of typed bodies.
//
// Framing is a 4-byte little-endian length prefix followed by exactly
// that many body bytes, the same shape as the teacher's wal.go
// header-then-body records and the original broker's binary.rs
// get_size/get_size_array helpers.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame body so a corrupt or hostile length
// prefix can't make the session allocate unbounded memory.
const MaxFrameSize = 64 << 20 // 64MiB

var ErrFrameTooLarge = fmt.Errorf("protocol: frame exceeds %d bytes", MaxFrameSize)

// ReadFrame reads one length-prefixed frame body from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(lenBuf[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame writes body to w prefixed with its little-endian uint32 length.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

var errShortBuffer = errors.New("protocol: buffer too short")

// Package rpc implements the torrentfsd wire protocol: 4-byte big-endian
// length-prefixed JSON frames over a local stream socket, with raw binary
// payload tails after responses that declare a data_len.
package rpc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single JSON frame. Frames beyond this are a
// protocol violation and close the connection.
const MaxFrameBytes = 16 << 20

var ErrFrameTooLarge = errors.New("rpc: frame exceeds 16 MiB")

// WriteFrame writes one length-prefixed payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteJSON marshals v into a single frame.
func WriteJSON(w io.Writer, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("rpc: encode: %w", err)
	}
	return WriteFrame(w, b)
}

// ReadJSON reads one frame and unmarshals it into v.
func ReadJSON(r io.Reader, v interface{}) error {
	b, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("rpc: decode: %w", err)
	}
	return nil
}

// WriteRaw sends a binary payload tail. The tail is not length-prefixed;
// the preceding JSON header carries data_len.
func WriteRaw(w io.Writer, data []byte) error {
	_, err := w.Write(data)
	return err
}

// ReadRaw reads exactly n tail bytes, retrying partial reads.
func ReadRaw(r io.Reader, n int64) ([]byte, error) {
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Package nativehost implements the native messaging host that lets the
// browser side start and stop the local bridge, and the client the
// singleton uses to reach it.
//
// Messages are framed as a 4-byte little-endian length followed by that
// many bytes of UTF-8 JSON.
package nativehost

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize is the largest frame accepted in either direction.
const MaxMessageSize = 1 << 20

// ErrFrameTooLarge is returned for frames over MaxMessageSize.
var ErrFrameTooLarge = errors.New("nativehost: frame too large")

// ReadMessage reads one frame. It returns io.EOF when the stream ends
// cleanly before a new frame, and io.ErrUnexpectedEOF on a truncated one.
func ReadMessage(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// WriteMessage encodes v as JSON and writes it as one frame.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	frame := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	_, err = w.Write(frame)
	return err
}

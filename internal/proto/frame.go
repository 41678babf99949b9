package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Frame kinds. Every frame is a 4-byte big-endian length L (covering the
// kind byte and the payload), one kind byte, then L-1 payload bytes.
const (
	KindControl byte = 0x01 // UTF-8 JSON object
	KindBinary  byte = 0x02 // raw session bytes, announced by the preceding control frame
)

// DefaultMaxFrame bounds the length prefix of a single frame.
const DefaultMaxFrame = 16 << 20

// ErrFrameTooLarge is returned when a frame's length prefix exceeds the
// configured cap. It is fatal to the connection that produced it.
var ErrFrameTooLarge = errors.New("frame too large")

// WriteFrame writes one frame of the given kind to w.
func WriteFrame(w io.Writer, kind byte, payload []byte) error {
	hdr := make([]byte, 5)
	binary.BigEndian.PutUint32(hdr[:4], uint32(1+len(payload)))
	hdr[4] = kind
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// WriteControl marshals v as JSON and writes it as a control frame.
func WriteControl(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, KindControl, data)
}

// ReadFrame reads one frame from r. max bounds the length prefix; zero
// means DefaultMaxFrame.
func ReadFrame(r io.Reader, max uint32) (byte, []byte, error) {
	if max == 0 {
		max = DefaultMaxFrame
	}
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	l := binary.BigEndian.Uint32(hdr[:4])
	if l == 0 {
		return 0, nil, fmt.Errorf("zero-length frame")
	}
	if l > max {
		return 0, nil, ErrFrameTooLarge
	}
	kind := hdr[4]
	payload := make([]byte, l-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return kind, payload, nil
}

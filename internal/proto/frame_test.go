package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlFrameRoundTrip(t *testing.T) {
	req := Request{
		Op:        OpCreate,
		RequestID: 42,
		Name:      "build",
		Cols:      120,
		Rows:      40,
		Cwd:       "/tmp",
		Argv:      []string{"/bin/sh", "-c", "true"},
		Env:       map[string]string{"FOO": "bar"},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteControl(&buf, req))

	kind, payload, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, KindControl, kind)

	var got Request
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, req, got)
}

func TestBinaryFrameRoundTrip(t *testing.T) {
	body := []byte("raw \x00 bytes \x07 with bells")

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindBinary, body))

	kind, payload, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, KindBinary, kind)
	assert.Equal(t, body, payload)
}

func TestEmptyBinaryFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindBinary, nil))

	kind, payload, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, KindBinary, kind)
	assert.Len(t, payload, 0)
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindBinary, make([]byte, 512)))

	_, _, err := ReadFrame(&buf, 64)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestZeroLengthFrameRejected(t *testing.T) {
	hdr := make([]byte, 5)
	binary.BigEndian.PutUint32(hdr[:4], 0)
	_, _, err := ReadFrame(bytes.NewReader(hdr), 0)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindBinary, []byte("abcdef")))
	trunc := buf.Bytes()[:buf.Len()-3]

	_, _, err := ReadFrame(bytes.NewReader(trunc), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestEventsCarryNoRequestID(t *testing.T) {
	code := 0
	data, err := json.Marshal(Event{Event: EventExit, SessionID: "s1", ExitCode: &code})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "request_id")
	assert.Contains(t, string(data), `"exit_code":0`)
}

func TestResponseErrorShape(t *testing.T) {
	data, err := json.Marshal(Response{RequestID: 7, OK: false, Error: ErrNotFound, Message: "no such session"})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, float64(7), m["request_id"])
	assert.Equal(t, false, m["ok"])
	assert.Equal(t, "not_found", m["error"])
}

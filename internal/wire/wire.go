// Package wire frames and parses messages exchanged with the worker process.
// Frames are length-prefixed: [4 bytes big-endian payload length][JSON payload].
// The decoder is incremental, tolerating payloads split across reads as well
// as several frames arriving in a single read.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const (
	// headerSize is the size of the length prefix (uint32 big-endian).
	headerSize = 4
	// MaxPayload is the maximum frame payload size (16 MB).
	MaxPayload = 16 << 20
)

// Message is a single frame payload in either direction. A request carries
// ID+Method(+Params); a response carries ID and exactly one of Result or Error.
type Message struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// IsResponse reports whether the message correlates to an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == ""
}

// RemoteError is an error reported by the worker inside a response frame.
type RemoteError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// ProtocolError describes a malformed frame. Offset is the position of the
// offending bytes counted from the start of the stream.
type ProtocolError struct {
	Offset int64
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wire: malformed frame at offset %d: %s", e.Offset, e.Reason)
}

// Encode serializes a message into a single self-delimiting frame.
func Encode(msg *Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal message: %w", err)
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("wire: frame payload too large (%d > %d)", len(payload), MaxPayload)
	}
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame[:headerSize], uint32(len(payload)))
	copy(frame[headerSize:], payload)
	return frame, nil
}

// WriteMessage encodes msg and writes the frame to w in one call.
// Callers are responsible for serializing writes to a shared stream.
func WriteMessage(w io.Writer, msg *Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// Decoder incrementally parses length-prefixed frames from a byte stream.
// The zero value is not usable; call NewDecoder.
type Decoder struct {
	buf      []byte
	consumed int64
	broken   bool
}

// NewDecoder returns a decoder at stream position zero.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Unrecoverable reports whether the decoder hit a framing error it cannot
// resynchronize from. A corrupt length header poisons everything after it,
// so the stream must be torn down and the worker restarted.
func (d *Decoder) Unrecoverable() bool {
	return d.broken
}

// Feed appends bytes from the stream and returns all complete messages in
// arrival order. A bad payload inside an intact frame boundary is skipped
// and decoding continues, so frames already buffered behind it are still
// returned alongside the *ProtocolError. A corrupt length header latches
// the decoder unrecoverable and it refuses further input.
func (d *Decoder) Feed(data []byte) ([]*Message, error) {
	if d.broken {
		return nil, &ProtocolError{Offset: d.consumed, Reason: "decoder is unrecoverable"}
	}
	d.buf = append(d.buf, data...)

	var msgs []*Message
	var perr *ProtocolError
	for {
		if len(d.buf) < headerSize {
			break
		}
		length := binary.BigEndian.Uint32(d.buf[:headerSize])
		if length > MaxPayload {
			d.broken = true
			return msgs, &ProtocolError{
				Offset: d.consumed,
				Reason: fmt.Sprintf("frame length %d exceeds limit %d", length, MaxPayload),
			}
		}
		total := headerSize + int(length)
		if len(d.buf) < total {
			break
		}

		payload := d.buf[headerSize:total]
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			// The frame boundary itself is intact, so skip the bad payload
			// and keep decoding from the next frame. First error wins.
			if perr == nil {
				perr = &ProtocolError{
					Offset: d.consumed + headerSize,
					Reason: fmt.Sprintf("invalid JSON payload: %v", err),
				}
			}
			d.advance(total)
			continue
		}
		d.advance(total)
		msgs = append(msgs, &msg)
	}
	if perr != nil {
		return msgs, perr
	}
	return msgs, nil
}

func (d *Decoder) advance(n int) {
	d.consumed += int64(n)
	remaining := len(d.buf) - n
	if remaining == 0 {
		d.buf = nil
		return
	}
	next := make([]byte, remaining)
	copy(next, d.buf[n:])
	d.buf = next
}

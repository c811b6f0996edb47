package wire_test

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"

	"github.com/loomstudio/loom/internal/wire"
)

func encodeOrFail(t *testing.T, msg *wire.Message) []byte {
	t.Helper()
	frame, err := wire.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return frame
}

func TestDecoderRoundTrip(t *testing.T) {
	frame := encodeOrFail(t, &wire.Message{ID: 7, Method: "plugin/load", Params: json.RawMessage(`{"plugin":"llm-echo"}`)})

	dec := wire.NewDecoder()
	msgs, err := dec.Feed(frame)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ID != 7 || msgs[0].Method != "plugin/load" {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}
	if msgs[0].IsResponse() {
		t.Fatal("request decoded as response")
	}
}

func TestDecoderPartialReads(t *testing.T) {
	frame := encodeOrFail(t, &wire.Message{ID: 1, Result: json.RawMessage(`"ok"`)})

	dec := wire.NewDecoder()
	for i := 0; i < len(frame)-1; i++ {
		msgs, err := dec.Feed(frame[i : i+1])
		if err != nil {
			t.Fatalf("feed byte %d: %v", i, err)
		}
		if len(msgs) != 0 {
			t.Fatalf("message surfaced before frame complete (byte %d)", i)
		}
	}
	msgs, err := dec.Feed(frame[len(frame)-1:])
	if err != nil {
		t.Fatalf("feed final byte: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != 1 {
		t.Fatalf("expected message 1, got %+v", msgs)
	}
	if !msgs[0].IsResponse() {
		t.Fatal("response decoded as request")
	}
}

func TestDecoderConcatenatedFrames(t *testing.T) {
	var stream []byte
	for id := uint64(1); id <= 3; id++ {
		stream = append(stream, encodeOrFail(t, &wire.Message{ID: id, Method: "worker/ping"})...)
	}

	dec := wire.NewDecoder()
	msgs, err := dec.Feed(stream)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.ID != uint64(i+1) {
			t.Fatalf("arrival order broken: index %d has id %d", i, msg.ID)
		}
	}
}

func TestDecoderBadPayloadResynchronizes(t *testing.T) {
	bad := []byte("{not json")
	frame := make([]byte, 4+len(bad))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(bad)))
	copy(frame[4:], bad)

	good := encodeOrFail(t, &wire.Message{ID: 9, Method: "worker/ping"})

	dec := wire.NewDecoder()
	_, err := dec.Feed(frame)
	var perr *wire.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if perr.Offset != 4 {
		t.Fatalf("expected offset 4, got %d", perr.Offset)
	}
	if dec.Unrecoverable() {
		t.Fatal("bad payload within an intact frame should not poison the stream")
	}

	msgs, err := dec.Feed(good)
	if err != nil {
		t.Fatalf("feed after resync: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != 9 {
		t.Fatalf("expected message 9 after resync, got %+v", msgs)
	}
}

func TestDecoderBadPayloadDoesNotWithholdBufferedFrames(t *testing.T) {
	bad := []byte("{not json")
	frame := make([]byte, 4+len(bad))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(bad)))
	copy(frame[4:], bad)

	stream := append(frame, encodeOrFail(t, &wire.Message{ID: 2, Result: json.RawMessage(`"ok"`)})...)
	stream = append(stream, encodeOrFail(t, &wire.Message{ID: 3, Method: "worker/ping"})...)

	dec := wire.NewDecoder()
	msgs, err := dec.Feed(stream)
	var perr *wire.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != 2 || msgs[1].ID != 3 {
		t.Fatalf("frames behind the bad payload must decode in the same feed, got %+v", msgs)
	}
	if dec.Unrecoverable() {
		t.Fatal("bad payload within an intact frame should not poison the stream")
	}
}

func TestDecoderOversizedHeaderIsUnrecoverable(t *testing.T) {
	var frame [8]byte
	binary.BigEndian.PutUint32(frame[:4], uint32(wire.MaxPayload)+1)

	dec := wire.NewDecoder()
	_, err := dec.Feed(frame[:])
	var perr *wire.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if !dec.Unrecoverable() {
		t.Fatal("oversized header must mark the decoder unrecoverable")
	}
	if _, err := dec.Feed([]byte{0}); err == nil {
		t.Fatal("expected error feeding an unrecoverable decoder")
	}
}

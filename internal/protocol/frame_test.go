package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	raw, err := Encode(EventSDPProcess, SDPDelivery{Message: "{}", SenderID: "c1"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Event != EventSDPProcess {
		t.Fatalf("event=%q, want %q", f.Event, EventSDPProcess)
	}
	var d SDPDelivery
	if err := f.Bind(&d); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if d.SenderID != "c1" {
		t.Fatalf("senderId=%q, want c1", d.SenderID)
	}
}

func TestDecodeRejectsMissingEvent(t *testing.T) {
	if _, err := Decode([]byte(`{"data":{}}`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err=%v, want ErrMalformedFrame", err)
	}
	if _, err := Decode([]byte(`not json`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err=%v, want ErrMalformedFrame", err)
	}
}

func TestBindWithoutData(t *testing.T) {
	f, err := Decode([]byte(`{"event":"joinRoom"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	req := JoinRoom{RoomID: "keep"}
	if err := f.Bind(&req); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if req.RoomID != "keep" {
		t.Fatalf("roomId=%q, want keep", req.RoomID)
	}
}

func TestBindInvalidPayload(t *testing.T) {
	f := Frame{Event: EventChatMessage, Data: json.RawMessage(`{"text":5}`)}
	var req ChatRequest
	if err := f.Bind(&req); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("err=%v, want ErrInvalidPayload", err)
	}
}

func TestMediaKindValid(t *testing.T) {
	if !MediaAudio.Valid() || !MediaVideo.Valid() {
		t.Fatal("audio and video must be valid")
	}
	if MediaKind("screen").Valid() {
		t.Fatal("screen must be invalid")
	}
}

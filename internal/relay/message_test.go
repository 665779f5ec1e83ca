package relay

import (
	"errors"
	"testing"
)

func TestDecodeInboundAcceptsValidFrames(t *testing.T) {
	frames := []string{
		`{"event":"join-canvas","roomId":"r1"}`,
		`{"event":"leave-canvas","roomId":"r1"}`,
		`{"event":"canvas-update","roomId":"r1","senderId":"p","elements":[{"id":"a"}]}`,
		`{"event":"canvas-update","roomId":"r1","elements":[]}`,
	}
	for _, frame := range frames {
		if _, err := DecodeInbound([]byte(frame)); err != nil {
			t.Fatalf("expected %s to be valid, got %v", frame, err)
		}
	}
}

func TestDecodeInboundRejectsInvalidFrames(t *testing.T) {
	frames := []string{
		`not json`,
		`[]`,
		`{"roomId":"r1"}`,
		`{"event":"shout","roomId":"r1"}`,
		`{"event":"join-canvas"}`,
		`{"event":"join-canvas","roomId":""}`,
		`{"event":"canvas-update","roomId":"r1"}`,
		`{"event":"canvas-update","roomId":"r1","elements":{"id":"a"}}`,
		`{"event":"canvas-update","elements":[]}`,
	}
	for _, frame := range frames {
		if _, err := DecodeInbound([]byte(frame)); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("expected %s to be rejected, got %v", frame, err)
		}
	}
}

func TestDecodeInboundKeepsElementsOpaque(t *testing.T) {
	msg, err := DecodeInbound([]byte(`{"event":"canvas-update","roomId":"r","elements":[{"id":"a","points":null}]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(msg.Elements) != `[{"id":"a","points":null}]` {
		t.Fatalf("expected raw elements, got %s", msg.Elements)
	}
}

package relay

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/calliope-chat/calliope/internal/provider"
)

func TestParseEventRejectsUnknownType(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type":"telemetry","payload":"x"}`))
	if !errors.Is(err, ErrUnsupportedEvent) {
		t.Fatalf("ParseEvent() error = %v, want ErrUnsupportedEvent", err)
	}
	if _, err := ParseEvent([]byte(`not json`)); err == nil {
		t.Fatal("ParseEvent() accepted malformed input")
	}
}

func TestParseEventReturnsTypedVariants(t *testing.T) {
	raw, _ := json.Marshal(NewChunkEvent("m-1", "frag"))
	ev, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	c, ok := ev.(ChunkEvent)
	if !ok || c.MessageID != "m-1" || c.Content != "frag" {
		t.Fatalf("ParseEvent() = %#v, want the chunk back", ev)
	}

	raw, _ = json.Marshal(NewErrorEvent(provider.KindNetwork, "m-2"))
	ev, err = ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	ee, ok := ev.(ErrorEvent)
	if !ok || ee.Type != TypeNetworkError || ee.MessageID != "m-2" {
		t.Fatalf("ParseEvent() = %#v, want a network error event", ev)
	}
}

func TestNewErrorEventKindMapping(t *testing.T) {
	cases := []struct {
		kind provider.Kind
		want EventType
	}{
		{provider.KindQuotaExceeded, TypeQuotaExceeded},
		{provider.KindKeyInvalid, TypeAPIKeyError},
		{provider.KindServiceUnavailable, TypeServiceUnavailable},
		{provider.KindNetwork, TypeNetworkError},
		{provider.KindAPI, TypeAPIError},
		{provider.KindUnknown, TypeUnknownError},
	}
	for _, tc := range cases {
		ev := NewErrorEvent(tc.kind, "m-1")
		if ev.Type != tc.want {
			t.Errorf("NewErrorEvent(%q).Type = %q, want %q", tc.kind, ev.Type, tc.want)
		}
		if !IsErrorType(ev.Type) {
			t.Errorf("IsErrorType(%q) = false, want true", ev.Type)
		}
	}
	if IsErrorType(TypeChunk) {
		t.Error("IsErrorType(chunk) = true, want false")
	}
}

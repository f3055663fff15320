package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/calliope-chat/calliope/internal/chat"
	"github.com/calliope-chat/calliope/internal/provider"
)

// EventType identifies wire event variants.
type EventType string

const (
	TypeUserMessage EventType = "user_message"
	TypeStart       EventType = "start"
	TypeChunk       EventType = "chunk"
	TypeDone        EventType = "done"
	TypeInterrupted EventType = "interrupted"

	// Error variants. Each is its own wire type so clients can branch on the
	// discriminator alone.
	TypeError              EventType = "error"
	TypeQuotaExceeded      EventType = "quota_exceeded"
	TypeAPIKeyError        EventType = "api_key_error"
	TypeServiceUnavailable EventType = "service_unavailable"
	TypeNetworkError       EventType = "network_error"
	TypeAPIError           EventType = "api_error"
	TypeUnknownError       EventType = "unknown_error"
)

var ErrUnsupportedEvent = errors.New("unsupported event type")

// Event is one frame of the conversation stream. Done, Interrupted and the
// error variants are terminal: no further events follow for that message.
type Event interface {
	EventType() EventType
}

type envelope struct {
	Type EventType `json:"type"`
}

type UserMessageEvent struct {
	Type    EventType    `json:"type"`
	Message chat.Message `json:"message"`
}

type StartEvent struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"messageId"`
}

type ChunkEvent struct {
	Type      EventType `json:"type"`
	Content   string    `json:"content"`
	MessageID string    `json:"messageId"`
}

type DoneEvent struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"messageId"`
}

type InterruptedEvent struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"messageId"`
}

// ErrorEvent carries one of the error type variants. MessageID is empty when
// the failure happened before a reply turn existed.
type ErrorEvent struct {
	Type      EventType `json:"type"`
	Error     string    `json:"error"`
	MessageID string    `json:"messageId,omitempty"`
}

func (e UserMessageEvent) EventType() EventType { return TypeUserMessage }
func (e StartEvent) EventType() EventType       { return TypeStart }
func (e ChunkEvent) EventType() EventType       { return TypeChunk }
func (e DoneEvent) EventType() EventType        { return TypeDone }
func (e InterruptedEvent) EventType() EventType { return TypeInterrupted }
func (e ErrorEvent) EventType() EventType       { return e.Type }

func NewUserMessageEvent(msg chat.Message) UserMessageEvent {
	return UserMessageEvent{Type: TypeUserMessage, Message: msg}
}

func NewStartEvent(messageID string) StartEvent {
	return StartEvent{Type: TypeStart, MessageID: messageID}
}

func NewChunkEvent(messageID, content string) ChunkEvent {
	return ChunkEvent{Type: TypeChunk, Content: content, MessageID: messageID}
}

func NewDoneEvent(messageID string) DoneEvent {
	return DoneEvent{Type: TypeDone, MessageID: messageID}
}

func NewInterruptedEvent(messageID string) InterruptedEvent {
	return InterruptedEvent{Type: TypeInterrupted, MessageID: messageID}
}

// NewErrorEvent maps a classified provider failure to its wire variant and a
// human-readable message. Failures are always surfaced, never silent.
func NewErrorEvent(kind provider.Kind, messageID string) ErrorEvent {
	var t EventType
	var msg string
	switch kind {
	case provider.KindQuotaExceeded:
		t = TypeQuotaExceeded
		msg = "The AI service quota is exhausted. Please retry later or contact the administrator."
	case provider.KindKeyInvalid:
		t = TypeAPIKeyError
		msg = "The AI service rejected our credentials. Please contact the administrator."
	case provider.KindServiceUnavailable:
		t = TypeServiceUnavailable
		msg = "The AI service is temporarily unavailable. Please retry later."
	case provider.KindNetwork:
		t = TypeNetworkError
		msg = "Could not reach the AI service. Please check your network connection."
	case provider.KindAPI:
		t = TypeAPIError
		msg = "The AI service returned an error. Please retry later."
	default:
		t = TypeUnknownError
		msg = "Something went wrong while generating a reply. Please retry."
	}
	return ErrorEvent{Type: t, Error: msg, MessageID: messageID}
}

// IsErrorType reports whether t is one of the error event variants.
func IsErrorType(t EventType) bool {
	switch t {
	case TypeError, TypeQuotaExceeded, TypeAPIKeyError, TypeServiceUnavailable,
		TypeNetworkError, TypeAPIError, TypeUnknownError:
		return true
	default:
		return false
	}
}

// ParseEvent decodes one wire frame into its typed variant.
func ParseEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid event envelope: %w", err)
	}

	switch env.Type {
	case TypeUserMessage:
		var e UserMessageEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		return e, nil
	case TypeStart:
		var e StartEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		return e, nil
	case TypeChunk:
		var e ChunkEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		return e, nil
	case TypeDone:
		var e DoneEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		return e, nil
	case TypeInterrupted:
		var e InterruptedEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		if IsErrorType(env.Type) {
			var e ErrorEvent
			if err := json.Unmarshal(raw, &e); err != nil {
				return nil, err
			}
			return e, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, env.Type)
	}
}

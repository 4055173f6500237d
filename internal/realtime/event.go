// Package realtime models the remote speech model's JSON event protocol and the
// REST calls used to open a session with it.
package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Server event types.
const (
	EventTypeError                   = "error"
	EventTypeSessionCreated          = "session.created"
	EventTypeSessionUpdated          = "session.updated"
	EventTypeInputAudioCommitted     = "input_audio_buffer.committed"
	EventTypeInputAudioCleared       = "input_audio_buffer.cleared"
	EventTypeSpeechStarted           = "input_audio_buffer.speech_started"
	EventTypeSpeechStopped           = "input_audio_buffer.speech_stopped"
	EventTypeItemCreated             = "conversation.item.created"
	EventTypeTranscriptionDelta      = "conversation.item.input_audio_transcription.delta"
	EventTypeTranscriptionCompleted  = "conversation.item.input_audio_transcription.completed"
	EventTypeTranscriptionFailed     = "conversation.item.input_audio_transcription.failed"
	EventTypeResponseCreated         = "response.created"
	EventTypeResponseDone            = "response.done"
	EventTypeResponseAudioDelta      = "response.audio.delta"
	EventTypeResponseAudioDone       = "response.audio.done"
	EventTypeResponseTranscriptDelta = "response.audio_transcript.delta"
	EventTypeResponseTranscriptDone  = "response.audio_transcript.done"
	EventTypeRateLimitsUpdated       = "rate_limits.updated"
)

// Event is one inbound server event. The set of implementations is closed;
// types this package does not model decode as *Unknown.
type Event interface {
	Header() Base
	base() *Base
}

// Base carries the fields every event has.
type Base struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	ReceivedAt time.Time       `json:"-"`
	Raw        json.RawMessage `json:"-"`
}

func (b *Base) Header() Base { return *b }
func (b *Base) base() *Base  { return b }

type SessionCreated struct {
	Base
	Session SessionResource `json:"session"`
}

type SessionUpdated struct {
	Base
	Session SessionResource `json:"session"`
}

type InputAudioCommitted struct {
	Base
	ItemID         string `json:"item_id"`
	PreviousItemID string `json:"previous_item_id,omitempty"`
}

type InputAudioCleared struct {
	Base
}

type SpeechStarted struct {
	Base
	ItemID       string `json:"item_id"`
	AudioStartMs int    `json:"audio_start_ms"`
}

type SpeechStopped struct {
	Base
	ItemID     string `json:"item_id"`
	AudioEndMs int    `json:"audio_end_ms"`
}

type ItemCreated struct {
	Base
	Item ConversationItem `json:"item"`
}

type TranscriptionDelta struct {
	Base
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
}

type TranscriptionCompleted struct {
	Base
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

type TranscriptionFailed struct {
	Base
	ItemID       string      `json:"item_id"`
	ContentIndex int         `json:"content_index"`
	Error        ErrorDetail `json:"error"`
}

type ResponseCreated struct {
	Base
	Response ResponseResource `json:"response"`
}

type ResponseDone struct {
	Base
	Response ResponseResource `json:"response"`
}

type ResponseAudioDelta struct {
	Base
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	// Delta is base64 PCM16.
	Delta string `json:"delta"`
}

// PCM decodes the audio chunk.
func (e *ResponseAudioDelta) PCM() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.Delta)
}

type ResponseAudioDone struct {
	Base
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
}

type ResponseTranscriptDelta struct {
	Base
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

type ResponseTranscriptDone struct {
	Base
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

type RateLimitsUpdated struct {
	Base
	RateLimits []RateLimit `json:"rate_limits"`
}

// ErrorEvent is a generic server error.
type ErrorEvent struct {
	Base
	Error ErrorDetail `json:"error"`
}

// Unknown is any event whose type is not modelled. Raw holds the payload.
type Unknown struct {
	Base
}

// DecodeError reports an event that could not be decoded at all.
type DecodeError struct {
	Message string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("realtime: %s: %v", e.Message, e.Err)
	}
	return "realtime: " + e.Message
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Parse decodes one server event. Unrecognized types return *Unknown and no
// error; only malformed frames fail.
func Parse(data []byte, receivedAt time.Time) (Event, error) {
	var envelope struct {
		Type    string `json:"type"`
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &DecodeError{Message: "invalid json frame", Err: err}
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, &DecodeError{Message: "missing type"}
	}

	var ev Event
	switch typ {
	case EventTypeError:
		ev = &ErrorEvent{}
	case EventTypeSessionCreated:
		ev = &SessionCreated{}
	case EventTypeSessionUpdated:
		ev = &SessionUpdated{}
	case EventTypeInputAudioCommitted:
		ev = &InputAudioCommitted{}
	case EventTypeInputAudioCleared:
		ev = &InputAudioCleared{}
	case EventTypeSpeechStarted:
		ev = &SpeechStarted{}
	case EventTypeSpeechStopped:
		ev = &SpeechStopped{}
	case EventTypeItemCreated:
		ev = &ItemCreated{}
	case EventTypeTranscriptionDelta:
		ev = &TranscriptionDelta{}
	case EventTypeTranscriptionCompleted:
		ev = &TranscriptionCompleted{}
	case EventTypeTranscriptionFailed:
		ev = &TranscriptionFailed{}
	case EventTypeResponseCreated:
		ev = &ResponseCreated{}
	case EventTypeResponseDone:
		ev = &ResponseDone{}
	case EventTypeResponseAudioDelta:
		ev = &ResponseAudioDelta{}
	case EventTypeResponseAudioDone:
		ev = &ResponseAudioDone{}
	case EventTypeResponseTranscriptDelta:
		ev = &ResponseTranscriptDelta{}
	case EventTypeResponseTranscriptDone:
		ev = &ResponseTranscriptDone{}
	case EventTypeRateLimitsUpdated:
		ev = &RateLimitsUpdated{}
	default:
		if strings.HasPrefix(typ, EventTypeError+".") {
			ev = &ErrorEvent{}
		} else {
			ev = &Unknown{}
		}
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, &DecodeError{Message: "invalid " + typ + " payload", Err: err}
	}
	*ev.base() = Base{Type: typ, EventID: envelope.EventID, ReceivedAt: receivedAt, Raw: append(json.RawMessage(nil), data...)}
	return ev, nil
}

// Family is the handler group an event type is routed to.
type Family int

const (
	FamilyControl Family = iota
	FamilyTranscription
	FamilyAudio
	FamilyError
)

func (f Family) String() string {
	switch f {
	case FamilyControl:
		return "control"
	case FamilyTranscription:
		return "transcription"
	case FamilyAudio:
		return "audio"
	case FamilyError:
		return "error"
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// FamilyOf routes an event type by prefix. Types outside the known prefixes
// belong to the control family.
func FamilyOf(typ string) Family {
	switch {
	case strings.HasPrefix(typ, "session."):
		return FamilyControl
	case strings.HasPrefix(typ, "conversation.item."),
		strings.HasPrefix(typ, "response.audio_transcript."),
		strings.HasPrefix(typ, "input_audio_buffer."):
		return FamilyTranscription
	case strings.HasPrefix(typ, "response.audio."):
		return FamilyAudio
	case typ == "error" || strings.HasPrefix(typ, "error."):
		return FamilyError
	}
	return FamilyControl
}

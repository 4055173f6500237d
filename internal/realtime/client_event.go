package realtime

import (
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"
)

// Client event types.
const (
	EventTypeSessionUpdate          = "session.update"
	EventTypeInputAudioAppend       = "input_audio_buffer.append"
	EventTypeInputAudioCommit       = "input_audio_buffer.commit"
	EventTypeInputAudioClear        = "input_audio_buffer.clear"
	EventTypeConversationItemCreate = "conversation.item.create"
	EventTypeResponseCreate         = "response.create"
	EventTypeResponseCancel         = "response.cancel"
)

// ClientEvent is one outbound event. Fields are merged into the top-level
// object next to type and event_id.
type ClientEvent struct {
	Type    string
	EventID string
	Fields  map[string]any
}

func (e ClientEvent) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["type"] = e.Type
	if e.EventID != "" {
		m["event_id"] = e.EventID
	}
	return json.Marshal(m)
}

// NewEventID returns a client event id.
func NewEventID() string {
	return "evt_" + uuid.NewString()[:12]
}

func newEvent(typ string, fields map[string]any) ClientEvent {
	return ClientEvent{Type: typ, EventID: NewEventID(), Fields: fields}
}

// SessionUpdate replaces the session configuration.
func SessionUpdate(cfg SessionConfig) ClientEvent {
	return newEvent(EventTypeSessionUpdate, map[string]any{"session": cfg})
}

// AppendAudio appends PCM16 audio to the input buffer.
func AppendAudio(pcm []byte) ClientEvent {
	return newEvent(EventTypeInputAudioAppend, map[string]any{"audio": base64.StdEncoding.EncodeToString(pcm)})
}

// CommitAudio closes the current input buffer as one user turn.
func CommitAudio() ClientEvent { return newEvent(EventTypeInputAudioCommit, nil) }

// ClearAudio drops uncommitted input audio.
func ClearAudio() ClientEvent { return newEvent(EventTypeInputAudioClear, nil) }

// UserText injects a typed user message.
func UserText(text string) ClientEvent {
	return newEvent(EventTypeConversationItemCreate, map[string]any{
		"item": ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	})
}

// CreateResponse asks the model to respond.
func CreateResponse() ClientEvent { return newEvent(EventTypeResponseCreate, nil) }

// CancelResponse stops the in-flight response.
func CancelResponse() ClientEvent { return newEvent(EventTypeResponseCancel, nil) }

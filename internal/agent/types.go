package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/catalog"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/gate"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/realtime"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/transcript"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/transport"
)

// State is the controller lifecycle state.
type State int

const (
	Idle State = iota
	Starting
	Active
	Reconfiguring
	Reconnecting
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Reconfiguring:
		return "reconfiguring"
	case Reconnecting:
		return "reconnecting"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Transport is the connection a session drives. *transport.Session implements it.
type Transport interface {
	Connect(ctx context.Context) error
	SendControl(ev any) error
	SendLocalAudio(pcm []byte) error
	OnStateChange(fn func(transport.StateChange)) (remove func())
	OnControlEvent(fn func([]byte)) (remove func())
	OnRemoteAudio(fn func([]byte)) (remove func())
	State() transport.State
	Close() error
}

var _ Transport = (*transport.Session)(nil)

// TransportFactory builds a transport for a session speaking with voice.
type TransportFactory func(voice string) Transport

// OutputDevice plays remote audio, PCM16 mono at realtime.SampleRate.
// Implementations buffer internally and pace delivery.
type OutputDevice interface {
	WritePCM(pcm []byte)
	FlushTail()
	// Reset drops queued audio immediately.
	Reset()
}

// NotificationKind selects a notification stream.
type NotificationKind string

const (
	NotifyState      NotificationKind = "state"
	NotifyTranscript NotificationKind = "transcript"
	NotifyAudio      NotificationKind = "audio"
	NotifyError      NotificationKind = "error"
	NotifyBargeIn    NotificationKind = "barge_in"
)

// StateChange is a controller transition.
type StateChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// Notification is one observable side effect. Exactly one payload field is
// set, matching Kind.
type Notification struct {
	Kind      NotificationKind      `json:"kind"`
	SessionID string                `json:"session_id,omitempty"`
	At        time.Time             `json:"at"`
	State     *StateChange          `json:"state,omitempty"`
	Utterance *transcript.Utterance `json:"utterance,omitempty"`
	Audio     []byte                `json:"-"`
	Error     *ErrorInfo            `json:"error,omitempty"`
}

// ErrorInfo is the serializable form of an Error.
type ErrorInfo struct {
	Kind    Kind   `json:"kind"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// Info is a read-only view of the controller.
type Info struct {
	SessionID  string                `json:"session_id,omitempty"`
	State      State                 `json:"state"`
	PersonaID  string                `json:"persona_id,omitempty"`
	ScenarioID string                `json:"scenario_id,omitempty"`
	RoleID     string                `json:"role_id,omitempty"`
	Phase      catalog.Phase         `json:"phase,omitempty"`
	Gates      map[string]gate.State `json:"gates,omitempty"`
	Transport  string                `json:"transport,omitempty"`
	Pending    int                   `json:"pending_utterances"`
	StartedAt  time.Time             `json:"started_at,omitempty"`
	RateLimits []realtime.RateLimit  `json:"rate_limits,omitempty"`
}

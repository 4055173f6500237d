package agent

import (
	"errors"
	"fmt"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/gate"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/transcript"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/transport"
)

var (
	// ErrAlreadyActive is returned by Start when a session is already running.
	ErrAlreadyActive = errors.New("agent: session already active")
	// ErrNotActive is returned by operations that need an active session.
	ErrNotActive = errors.New("agent: session not active")
	// ErrConfigurationRejected is returned when the remote model refuses a
	// session configuration.
	ErrConfigurationRejected = errors.New("agent: configuration rejected")
	// ErrConfigurationTimeout is returned when a configuration is never acknowledged.
	ErrConfigurationTimeout = errors.New("agent: configuration not acknowledged")
	// ErrStopped is returned by Start when Stop interrupted it.
	ErrStopped = errors.New("agent: session stopped")
)

// Kind classifies errors surfaced to subscribers.
type Kind string

const (
	KindNegotiation           Kind = "negotiation_failure"
	KindProtocolViolation     Kind = "protocol_violation"
	KindTranscription         Kind = "transcription_failure"
	KindRateLimited           Kind = "rate_limited"
	KindInvalidPhase          Kind = "invalid_phase_transition"
	KindConfigurationRejected Kind = "configuration_rejected"
	KindTransport             Kind = "transport_failure"
	KindRemote                Kind = "remote_error"
)

// Error is an operation failure with its classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify picks the Kind for err from the sentinels it wraps.
func classify(err error) Kind {
	var f *transcript.Failure
	switch {
	case errors.As(err, &f) && f.Reason == transcript.ReasonRateLimited:
		return KindRateLimited
	case errors.As(err, &f):
		return KindTranscription
	case errors.Is(err, transcript.ErrProtocolViolation):
		return KindProtocolViolation
	case errors.Is(err, gate.ErrInvalidPhaseTransition):
		return KindInvalidPhase
	case errors.Is(err, ErrConfigurationRejected):
		return KindConfigurationRejected
	case errors.Is(err, transport.ErrNegotiation):
		return KindNegotiation
	case errors.Is(err, transport.ErrRetryBudgetExhausted), errors.Is(err, transport.ErrClosed):
		return KindTransport
	}
	return KindRemote
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

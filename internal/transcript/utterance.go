// Package transcript correlates committed user audio with the remote model's
// transcription results, and assembles the model's own spoken transcript.
package transcript

import (
	"errors"
	"fmt"
	"time"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/realtime"
)

// ErrProtocolViolation is returned for a commit while another utterance is
// still waiting for its transcription.
var ErrProtocolViolation = errors.New("transcript: protocol violation")

// Reason classifies a failed utterance.
type Reason string

const (
	ReasonRateLimited         Reason = "rate_limited"
	ReasonNoResponse          Reason = "no_response"
	ReasonTranscriptionFailed Reason = "transcription_failed"
	ReasonConnectionLost      Reason = "connection_lost"
)

// Failure is attached to an utterance that resolved without text.
type Failure struct {
	Reason  Reason `json:"reason"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Status  int    `json:"status,omitempty"`
}

func (f *Failure) Error() string {
	if f.Message != "" {
		return fmt.Sprintf("transcription %s: %s", f.Reason, f.Message)
	}
	return "transcription " + string(f.Reason)
}

// Marker is the text shown in place of a transcript. It is never empty, so a
// failed turn cannot be confused with silence.
func (f *Failure) Marker() string {
	switch f.Reason {
	case ReasonRateLimited:
		return "[transcription unavailable: rate limited, wait a moment and try again]"
	case ReasonNoResponse:
		return "[transcription unavailable: no response]"
	case ReasonConnectionLost:
		return "[transcription unavailable: connection lost]"
	}
	return "[transcription failed]"
}

// FailureFrom classifies a remote error detail.
func FailureFrom(d realtime.ErrorDetail) *Failure {
	f := &Failure{Reason: ReasonTranscriptionFailed, Code: d.Code, Message: d.Message, Status: d.Status}
	if d.RateLimited() {
		f.Reason = ReasonRateLimited
	}
	return f
}

// Speaker is who produced an utterance.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Utterance is one finalized turn. Exactly one of Text or Failure is
// meaningful: Failure non-nil means the text is unknown.
type Utterance struct {
	ID          string    `json:"id"`
	ItemID      string    `json:"item_id,omitempty"`
	Speaker     Speaker   `json:"speaker"`
	Text        string    `json:"text"`
	Failure     *Failure  `json:"failure,omitempty"`
	CommittedAt time.Time `json:"committed_at,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// Failed reports whether the utterance resolved without a transcript.
func (u Utterance) Failed() bool { return u.Failure != nil }

// Display returns the transcript, or the failure marker.
func (u Utterance) Display() string {
	if u.Failure != nil {
		return u.Failure.Marker()
	}
	return u.Text
}

package agent

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/barge"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/catalog"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/dispatch"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/gate"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/realtime"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/transcript"
)

// session is one conversation lifetime: the catalog snapshots it started
// with and every resource it owns. Its resources are released exactly once.
type session struct {
	id        string
	log       *slog.Logger
	startedAt time.Time
	done      chan struct{}
	// stopped is closed once Stopped has been emitted for this session.
	stopped   chan struct{}

	persona  catalog.Persona
	scenario catalog.Scenario

	gates    *gate.Evaluator
	dispatch *dispatch.Dispatcher
	corr     *transcript.Correlator
	barge    *barge.Engine

	mu        sync.Mutex
	torn      bool
	binding   catalog.Binding
	transport Transport
	remove    []func()
	ack       chan error
	updateID  string
	commitID  string
	partial   strings.Builder
	// responding is true while the remote voice is producing audio; muted
	// drops audio of a response the user interrupted.
	responding bool
	muted      bool
	limits     []realtime.RateLimit
}

func (s *session) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.torn
}

func (s *session) currentBinding() catalog.Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding
}

func (s *session) setBinding(b catalog.Binding) {
	s.mu.Lock()
	s.binding = b
	s.mu.Unlock()
}

func (s *session) conn() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// attach records t and its listener removals. It reports false, and closes
// t, when the session was torn down first.
func (s *session) attach(t Transport, remove ...func()) bool {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		for _, r := range remove {
			r()
		}
		_ = t.Close()
		return false
	}
	s.transport = t
	s.remove = append(s.remove, remove...)
	s.mu.Unlock()
	return true
}

func (s *session) expectAck() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ack = make(chan error, 1)
	return s.ack
}

func (s *session) awaitingAck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ack != nil
}

func (s *session) resolveAck(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ack == nil {
		return false
	}
	s.ack <- err
	s.ack = nil
	return true
}

func (s *session) setUpdateID(id string) {
	s.mu.Lock()
	s.updateID = id
	s.mu.Unlock()
}

func (s *session) setCommitID(id string) {
	s.mu.Lock()
	s.commitID = id
	s.mu.Unlock()
}

// causedBy reports which outbound event an error refers to.
func (s *session) causedBy(d realtime.ErrorDetail) (update, commit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.EventID == "" {
		return false, false
	}
	return d.EventID == s.updateID, d.EventID == s.commitID
}

func (s *session) appendPartial(delta string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial.WriteString(delta)
	return s.partial.String()
}

func (s *session) clearPartial() {
	s.mu.Lock()
	s.partial.Reset()
	s.mu.Unlock()
}

// beginAudio marks the remote voice as playing. It reports false when the
// audio belongs to an interrupted response.
func (s *session) beginAudio() (ok, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.muted || s.torn {
		return false, false
	}
	first = !s.responding
	s.responding = true
	return true, first
}

func (s *session) newResponse() {
	s.mu.Lock()
	s.muted = false
	s.mu.Unlock()
}

// endResponse reports whether the remote voice was playing.
func (s *session) endResponse(mute bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.responding
	s.responding = false
	if mute {
		s.muted = true
	}
	return was
}

func (s *session) setLimits(l []realtime.RateLimit) {
	s.mu.Lock()
	s.limits = append(s.limits[:0], l...)
	s.mu.Unlock()
}

// teardown releases everything the session owns: listener registrations,
// the transport, dispatch, the pending utterance and the barge-in engine.
func (s *session) teardown() {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return
	}
	s.torn = true
	close(s.done)
	remove := s.remove
	s.remove = nil
	t := s.transport
	s.ack = nil
	s.mu.Unlock()

	for _, r := range remove {
		r()
	}
	if t != nil {
		if err := t.Close(); err != nil {
			s.log.Debug("transport close", "err", err)
		}
	}
	if s.dispatch != nil {
		s.dispatch.Close()
	}
	if s.corr != nil {
		s.corr.Cancel()
	}
	if s.barge != nil {
		s.barge.Close()
	}
}

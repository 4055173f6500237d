// Package transport owns the single media and control connection between a
// session and the remote model: negotiation, ordered control delivery, local
// and remote audio, and bounded renegotiation after transient loss.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/listeners"
)

var (
	// ErrNegotiation is returned when a channel could not be established.
	ErrNegotiation = errors.New("transport: negotiation failed")
	// ErrRetryBudgetExhausted is reported when renegotiation gives up.
	ErrRetryBudgetExhausted = errors.New("transport: retry budget exhausted")
	// ErrClosed is returned for operations on a closing or closed session.
	ErrClosed = errors.New("transport: closed")
	// ErrNotConnected is returned for audio sent while no channel is open.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrBufferFull is returned when too many control events wait for a channel.
	ErrBufferFull = errors.New("transport: control buffer full")
)

// State is the transport lifecycle state.
type State int

const (
	Idle State = iota
	Negotiating
	Connected
	Active
	Degraded
	Closing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case Active:
		return "active"
	case Degraded:
		return "degraded"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StateChange is delivered to OnStateChange listeners.
type StateChange struct {
	From, To State
	Err      error
}

// Channel is one negotiated media and control connection.
type Channel interface {
	// SendControl writes one JSON event on the reliable ordered channel.
	SendControl(data []byte) error
	// SendAudio writes PCM16 mono at realtime.SampleRate.
	SendAudio(pcm []byte) error
	Close() error
}

// Handlers are the callbacks a Dialer wires to the channel it creates.
// OnOpen may be called before or after Dial returns.
type Handlers struct {
	OnOpen    func()
	OnControl func(data []byte)
	OnAudio   func(pcm []byte)
	OnLost    func(err error)
}

// Dialer creates channels.
type Dialer interface {
	Dial(ctx context.Context, h Handlers) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, h Handlers) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context, h Handlers) (Channel, error) { return f(ctx, h) }

// Options configures a Session.
type Options struct {
	Dialer Dialer
	// Attempts bounds renegotiation after loss. Zero means 5.
	Attempts uint64
	// BaseDelay is the first backoff delay. Zero means 500ms.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff delay. Zero means 8s.
	MaxDelay time.Duration
	// OpenTimeout bounds the wait for the control channel to open after a
	// successful dial. Zero means 15s.
	OpenTimeout time.Duration
	// MaxPending bounds buffered control events. Zero means 256.
	MaxPending int
	Log        *slog.Logger
}

// Session is the transport for one conversation session.
type Session struct {
	dialer      Dialer
	attempts    uint64
	baseDelay   time.Duration
	maxDelay    time.Duration
	openTimeout time.Duration
	maxPending  int
	log         *slog.Logger

	mu      sync.Mutex
	state   State
	ch      Channel
	epoch   uint64
	opened  bool
	pending [][]byte
	cancel  context.CancelFunc

	stateL   listeners.Registry[StateChange]
	controlL listeners.Registry[[]byte]
	audioL   listeners.Registry[[]byte]
}

// New returns an idle session.
func New(opts Options) *Session {
	s := &Session{
		dialer:      opts.Dialer,
		attempts:    opts.Attempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		openTimeout: opts.OpenTimeout,
		maxPending:  opts.MaxPending,
		log:         opts.Log,
	}
	if s.attempts == 0 {
		s.attempts = 5
	}
	if s.baseDelay <= 0 {
		s.baseDelay = 500 * time.Millisecond
	}
	if s.maxDelay <= 0 {
		s.maxDelay = 8 * time.Second
	}
	if s.openTimeout <= 0 {
		s.openTimeout = 15 * time.Second
	}
	if s.maxPending <= 0 {
		s.maxPending = 256
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers fn for state transitions.
func (s *Session) OnStateChange(fn func(StateChange)) (remove func()) { return s.stateL.Add(fn) }

// OnControlEvent registers fn for inbound control messages, in arrival order.
func (s *Session) OnControlEvent(fn func([]byte)) (remove func()) { return s.controlL.Add(fn) }

// OnRemoteAudio registers fn for remote PCM16 audio.
func (s *Session) OnRemoteAudio(fn func([]byte)) (remove func()) { return s.audioL.Add(fn) }

// Connect negotiates the channel and waits until it is Connected.
// On failure the session is Failed and the error wraps ErrNegotiation.
func (s *Session) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.state != Idle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("transport: connect from %s", st)
	}
	s.cancel = cancel
	ch := s.setLocked(Negotiating, nil)
	s.mu.Unlock()
	s.emit(ch)

	if err := s.establish(ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		err = fmt.Errorf("%w: %v", ErrNegotiation, err)
		s.fail(err)
		return err
	}
	return nil
}

func (s *Session) establish(ctx context.Context) error {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return ErrClosed
	}
	s.epoch++
	epoch := s.epoch
	s.opened = false
	s.mu.Unlock()

	open := make(chan struct{})
	lost := make(chan error, 1)
	var openOnce sync.Once
	h := Handlers{
		OnOpen: func() {
			openOnce.Do(func() { close(open) })
			s.handleOpen(epoch)
		},
		OnControl: func(data []byte) { s.handleControl(epoch, data) },
		OnAudio:   func(pcm []byte) { s.handleAudio(epoch, pcm) },
		OnLost: func(err error) {
			select {
			case lost <- err:
			default:
			}
			s.handleLost(epoch, err)
		},
	}

	ch, err := s.dialer.Dial(ctx, h)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.epoch != epoch || s.terminalLocked() {
		s.mu.Unlock()
		_ = ch.Close()
		return ErrClosed
	}
	s.ch = ch
	change, changed := s.openLocked()
	s.mu.Unlock()
	if changed {
		s.emit(change)
	}

	timer := time.NewTimer(s.openTimeout)
	defer timer.Stop()
	var waitErr error
	select {
	case <-open:
		return nil
	case waitErr = <-lost:
	case <-ctx.Done():
		waitErr = ctx.Err()
	case <-timer.C:
		waitErr = errors.New("control channel did not open")
	}

	s.mu.Lock()
	if s.epoch == epoch && s.ch == ch {
		s.ch = nil
	}
	s.mu.Unlock()
	_ = ch.Close()
	return waitErr
}

// openLocked moves to Connected once the channel is both dialed and open,
// then flushes buffered control events in submission order.
func (s *Session) openLocked() (StateChange, bool) {
	if s.ch == nil || !s.opened {
		return StateChange{}, false
	}
	if s.state != Negotiating && s.state != Degraded {
		return StateChange{}, false
	}
	change := s.setLocked(Connected, nil)
	if err := s.flushLocked(); err != nil {
		s.log.Warn("flush of buffered control event failed", "err", err, "remaining", len(s.pending))
	}
	return change, true
}

// flushLocked writes buffered events in submission order. A failed write
// keeps that event at the head of the buffer for the next flush.
func (s *Session) flushLocked() error {
	for len(s.pending) > 0 {
		if err := s.ch.SendControl(s.pending[0]); err != nil {
			return err
		}
		s.pending = s.pending[1:]
	}
	return nil
}

func (s *Session) handleOpen(epoch uint64) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	s.opened = true
	change, changed := s.openLocked()
	s.mu.Unlock()
	if changed {
		s.emit(change)
	}
}

func (s *Session) handleControl(epoch uint64, data []byte) {
	s.mu.Lock()
	if epoch != s.epoch || s.terminalLocked() {
		s.mu.Unlock()
		return
	}
	var change StateChange
	changed := false
	if s.state == Connected {
		change, changed = s.setLocked(Active, nil), true
	}
	s.mu.Unlock()
	if changed {
		s.emit(change)
	}
	s.controlL.Emit(data)
}

func (s *Session) handleAudio(epoch uint64, pcm []byte) {
	s.mu.Lock()
	stale := epoch != s.epoch || s.terminalLocked()
	s.mu.Unlock()
	if !stale {
		s.audioL.Emit(pcm)
	}
}

func (s *Session) handleLost(epoch uint64, err error) {
	s.mu.Lock()
	if epoch != s.epoch || (s.state != Connected && s.state != Active) {
		s.mu.Unlock()
		return
	}
	old := s.ch
	s.ch = nil
	change := s.setLocked(Degraded, err)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Warn("transport degraded", "err", err)
	if old != nil {
		_ = old.Close()
	}
	s.emit(change)
	go s.reconnect(ctx)
}

func (s *Session) reconnect(ctx context.Context) {
	b := retry.NewExponential(s.baseDelay)
	b = retry.WithCappedDuration(s.maxDelay, b)
	b = retry.WithMaxRetries(s.attempts-1, b)

	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if err := s.establish(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			s.log.Warn("renegotiation failed", "attempt", attempt, "err", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	switch {
	case err == nil:
		s.log.Info("transport renegotiated", "attempts", attempt)
	case errors.Is(err, ErrClosed), ctx.Err() != nil:
	default:
		s.fail(fmt.Errorf("%w after %d attempts: %v", ErrRetryBudgetExhausted, attempt, err))
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return
	}
	ch := s.ch
	s.ch = nil
	s.epoch++
	s.pending = nil
	change := s.setLocked(Failed, err)
	s.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	s.log.Error("transport failed", "err", err)
	s.emit(change)
}

// SendControl delivers one event. Before the channel is Connected, and while
// Degraded, events are buffered and flushed in submission order once it opens.
// On an open channel every send first drains the buffer; an event whose write
// fails stays buffered and is retried by the next send or after renegotiation.
func (s *Session) SendControl(ev any) error {
	data, err := marshal(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Connected, Active, Idle, Negotiating, Degraded:
	default:
		return ErrClosed
	}
	if len(s.pending) >= s.maxPending {
		return ErrBufferFull
	}
	s.pending = append(s.pending, data)
	if s.state != Connected && s.state != Active {
		return nil
	}
	if err := s.flushLocked(); err != nil {
		s.log.Warn("control write failed, event kept for retry", "err", err, "pending", len(s.pending))
	}
	return nil
}

// SendLocalAudio writes PCM16 audio. Audio is not buffered across outages.
func (s *Session) SendLocalAudio(pcm []byte) error {
	s.mu.Lock()
	ch := s.ch
	st := s.state
	s.mu.Unlock()
	if ch == nil || (st != Connected && st != Active) {
		return ErrNotConnected
	}
	return ch.SendAudio(pcm)
}

// Close tears the session down. It is safe from any state and idempotent;
// every listener is released once Closed has been delivered.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state {
	case Closing, Closed:
		s.mu.Unlock()
		return nil
	case Failed:
		s.mu.Unlock()
		s.release()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	ch := s.ch
	s.ch = nil
	s.epoch++
	s.pending = nil
	closing := s.setLocked(Closing, nil)
	s.mu.Unlock()
	s.emit(closing)

	var err error
	if ch != nil {
		err = ch.Close()
	}

	s.mu.Lock()
	closed := s.setLocked(Closed, nil)
	s.mu.Unlock()
	s.emit(closed)
	s.release()
	return err
}

func (s *Session) release() {
	s.stateL.Clear()
	s.controlL.Clear()
	s.audioL.Clear()
}

func (s *Session) terminalLocked() bool {
	return s.state == Closing || s.state == Closed || s.state == Failed
}

func (s *Session) setLocked(to State, err error) StateChange {
	c := StateChange{From: s.state, To: to, Err: err}
	s.state = to
	return c
}

func (s *Session) emit(c StateChange) {
	s.log.Debug("transport state", "from", c.From, "to", c.To)
	s.stateL.Emit(c)
}

func marshal(ev any) ([]byte, error) {
	switch v := ev.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("transport: encode control event: %w", err)
	}
	return data, nil
}

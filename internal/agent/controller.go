// Package agent is the session controller: it owns the lifecycle of one live
// conversation with the remote model and exposes its control and
// subscription surface.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/barge"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/catalog"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/dispatch"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/gate"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/instructions"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/listeners"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/realtime"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/transcript"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/transport"
)

// DefaultConfigAckTimeout bounds the wait for session.updated during Start.
const DefaultConfigAckTimeout = 10 * time.Second

// DefaultTranscriptionModel transcribes user audio when Options leaves it empty.
const DefaultTranscriptionModel = "whisper-1"

// Options configures a Controller.
type Options struct {
	Catalog      catalog.Source
	NewTransport TransportFactory
	// Composer may be shared between controllers. Nil creates a private one.
	Composer *instructions.Composer
	// Gates defaults to gate.Defaults.
	Gates              []gate.Definition
	TranscriptionModel string
	// TurnDetection nil selects manual turns: audio is committed by CommitAudio.
	TurnDetection        *realtime.TurnDetection
	ConfigAckTimeout     time.Duration
	TranscriptionTimeout time.Duration
	// Barge enables local barge-in detection on mic audio.
	Barge *barge.Config
	// TransportName is reported by Info.
	TransportName string
	// AfterFunc schedules correlator timeouts. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, fn func()) (stop func() bool)
	Log       *slog.Logger
}

// Controller runs at most one session at a time. Notifications are delivered
// synchronously from the goroutine that produced them; subscribers must not
// call back into the controller from a notification.
type Controller struct {
	catalog       catalog.Source
	newTransport  TransportFactory
	composer      *instructions.Composer
	gateDefs      []gate.Definition
	sttModel      string
	turnDetection *realtime.TurnDetection
	ackTimeout    time.Duration
	sttTimeout    time.Duration
	bargeCfg      *barge.Config
	transportName string
	afterFunc     func(time.Duration, func()) func() bool
	log           *slog.Logger

	// opMu serializes reconfiguration so two role or phase changes never
	// interleave their session.update pushes.
	opMu sync.Mutex

	mu     sync.Mutex
	state  State
	sess   *session
	output OutputDevice

	subs listeners.Registry[Notification]
}

// New returns an idle controller.
func New(opts Options) *Controller {
	c := &Controller{
		catalog:       opts.Catalog,
		newTransport:  opts.NewTransport,
		composer:      opts.Composer,
		gateDefs:      opts.Gates,
		sttModel:      opts.TranscriptionModel,
		turnDetection: opts.TurnDetection,
		ackTimeout:    opts.ConfigAckTimeout,
		sttTimeout:    opts.TranscriptionTimeout,
		bargeCfg:      opts.Barge,
		transportName: opts.TransportName,
		afterFunc:     opts.AfterFunc,
		log:           opts.Log,
	}
	if c.composer == nil {
		c.composer = instructions.NewComposer(0)
	}
	if c.sttModel == "" {
		c.sttModel = DefaultTranscriptionModel
	}
	if c.ackTimeout <= 0 {
		c.ackTimeout = DefaultConfigAckTimeout
	}
	if c.afterFunc == nil {
		c.afterFunc = func(d time.Duration, fn func()) func() bool { return time.AfterFunc(d, fn).Stop }
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn for notifications of the given kinds, or of every
// kind when none are given. Stop releases every subscription.
func (c *Controller) Subscribe(fn func(Notification), kinds ...NotificationKind) (remove func()) {
	kinds = slices.Clone(kinds)
	return c.subs.Add(func(n Notification) {
		if len(kinds) == 0 || slices.Contains(kinds, n.Kind) {
			fn(n)
		}
	})
}

// Start loads the persona and scenario, opens the transport, pushes the
// initial configuration and waits for the remote model to acknowledge it.
// It is permitted from Idle and Stopped. An empty roleID selects the patient.
func (c *Controller) Start(ctx context.Context, personaID, scenarioID, roleID string) error {
	c.mu.Lock()
	if c.state != Idle && c.state != Stopped {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	s := &session{id: uuid.NewString(), startedAt: time.Now(), done: make(chan struct{}), stopped: make(chan struct{})}
	s.log = c.log.With("session", s.id)
	c.sess = s
	ch := c.setLocked(Starting)
	c.mu.Unlock()
	c.emitState(s, ch)

	s.log.Info("starting session", "persona", personaID, "scenario", scenarioID, "role", roleID)
	if err := c.open(ctx, s, personaID, scenarioID, roleID); err != nil {
		if s.closed() {
			return ErrStopped
		}
		err = wrap("start", err)
		c.notifyError(s, err)
		s.log.Error("session start failed", "err", err)
		c.stopSession(s)
		return err
	}

	c.mu.Lock()
	if c.sess != s || c.state != Starting {
		c.mu.Unlock()
		return ErrStopped
	}
	ch = c.setLocked(Active)
	c.mu.Unlock()
	c.emitState(s, ch)
	s.log.Info("session active", "role", s.currentBinding().RoleID, "phase", s.gates.Phase())
	return nil
}

func (c *Controller) open(ctx context.Context, s *session, personaID, scenarioID, roleID string) error {
	persona, err := c.catalog.Persona(ctx, personaID)
	if err != nil {
		return fmt.Errorf("load persona %q: %w", personaID, err)
	}
	scenario, err := c.catalog.Scenario(ctx, scenarioID)
	if err != nil {
		return fmt.Errorf("load scenario %q: %w", scenarioID, err)
	}
	scenario.Normalize()
	binding, err := catalog.Bind(persona, scenario, roleID)
	if err != nil {
		return fmt.Errorf("bind role %q: %w", roleID, err)
	}
	s.persona, s.scenario = persona, scenario
	s.setBinding(binding)

	s.gates = gate.New(c.gateDefs...)
	s.gates.Reset(scenario.StartPhase)
	s.dispatch = dispatch.New(s.log)
	s.corr = transcript.NewCorrelator(transcript.Options{
		Timeout: c.sttTimeout,
		AfterFunc: func(d time.Duration, fn func()) func() bool {
			return c.afterFunc(d, func() { s.dispatch.Do(fn) })
		},
		OnResolve: func(u transcript.Utterance) { c.onUtterance(s, u) },
		Log:       s.log,
	})
	if c.bargeCfg != nil {
		s.barge = barge.NewEngine(*c.bargeCfg, barge.Events{
			OnTrigger: func(_ time.Time, cues barge.Cues, _ []byte) {
				s.dispatch.Do(func() {
					s.log.Info("barge-in", "vad", cues.VAD, "overlap", cues.Overlap, "asr", cues.ASR)
					c.interrupt(s)
				})
			},
		})
	}
	s.dispatch.Route(realtime.FamilyControl, func(ev realtime.Event) { c.onControl(s, ev) })
	s.dispatch.Route(realtime.FamilyTranscription, func(ev realtime.Event) { c.onTranscription(s, ev) })
	s.dispatch.Route(realtime.FamilyAudio, func(ev realtime.Event) { c.onAudio(s, ev) })
	s.dispatch.Route(realtime.FamilyError, func(ev realtime.Event) { c.onError(s, ev) })

	t := c.newTransport(binding.Voice)
	ok := s.attach(t,
		t.OnControlEvent(s.dispatch.Dispatch),
		t.OnRemoteAudio(func(pcm []byte) { c.deliverAudio(s, pcm) }),
		t.OnStateChange(func(ch transport.StateChange) { c.onTransportState(s, ch) }),
	)
	if !ok {
		return ErrStopped
	}

	ack := s.expectAck()
	if err := c.pushConfig(s, true); err != nil {
		return err
	}
	if err := t.Connect(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		return err
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w within %s", ErrConfigurationTimeout, c.ackTimeout)
	}
}

// pushConfig recomposes the instruction for the current binding, phase and
// gates, and sends it as a session.update. The voice is only sent when the
// remote session is new, since it cannot change once audio has been produced.
func (c *Controller) pushConfig(s *session, withVoice bool) error {
	b := s.currentBinding()
	snap := s.gates.Evaluate(s.scenario, b)
	text, hit := c.composer.Compose(instructions.Input{
		Persona:  s.persona,
		Scenario: s.scenario,
		Binding:  b,
		Gates:    snap,
	})
	cfg := realtime.SessionConfig{
		Modalities:              []string{realtime.ModalityText, realtime.ModalityAudio},
		Instructions:            text,
		InputAudioFormat:        realtime.AudioFormatPCM16,
		OutputAudioFormat:       realtime.AudioFormatPCM16,
		InputAudioTranscription: &realtime.TranscriptionConfig{Model: c.sttModel},
		TurnDetection:           c.turnDetection,
	}
	if withVoice {
		cfg.Voice = b.Voice
	}
	ev := realtime.SessionUpdate(cfg)
	s.setUpdateID(ev.EventID)
	s.log.Debug("pushing session config", "role", b.RoleID, "phase", snap.Phase, "cached", hit, "bytes", len(text))
	t := s.conn()
	if t == nil {
		return transport.ErrNotConnected
	}
	return t.SendControl(ev)
}

// active returns the running session when the controller accepts user input.
func (c *Controller) active() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Active && c.state != Reconfiguring {
		return nil, ErrNotActive
	}
	return c.sess, nil
}

// SendText injects a typed user turn and asks for a response.
func (c *Controller) SendText(text string) error {
	s, err := c.active()
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("agent: empty text")
	}
	t := s.conn()
	if err := t.SendControl(realtime.UserText(text)); err != nil {
		return wrap("send_text", err)
	}
	if err := t.SendControl(realtime.CreateResponse()); err != nil {
		return wrap("send_text", err)
	}
	c.onUtterance(s, transcript.Utterance{
		ID:         uuid.NewString(),
		Speaker:    transcript.SpeakerUser,
		Text:       text,
		ResolvedAt: time.Now(),
	})
	return nil
}

// SendAudio forwards mic audio, PCM16 mono at realtime.SampleRate.
func (c *Controller) SendAudio(pcm []byte) error {
	s, err := c.active()
	if err != nil {
		return err
	}
	if s.barge != nil {
		s.barge.FeedMic(pcm)
	}
	return s.conn().SendLocalAudio(pcm)
}

// CommitAudio ends the current user turn in manual turn mode. A second commit
// before the first resolves fails with transcript.ErrProtocolViolation and
// leaves the first untouched.
func (c *Controller) CommitAudio() error {
	s, err := c.active()
	if err != nil {
		return err
	}
	id, err := s.corr.Commit()
	if err != nil {
		err = wrap("commit_audio", err)
		c.notifyError(s, err)
		return err
	}
	ev := realtime.CommitAudio()
	s.setCommitID(ev.EventID)
	t := s.conn()
	if err := t.SendControl(ev); err != nil {
		s.corr.FailPending(&transcript.Failure{Reason: transcript.ReasonConnectionLost, Message: err.Error()})
		return wrap("commit_audio", err)
	}
	if c.turnDetection == nil {
		if err := t.SendControl(realtime.CreateResponse()); err != nil {
			return wrap("commit_audio", err)
		}
	}
	s.log.Debug("audio committed", "utterance", id)
	return nil
}

// SwitchRole rebinds the session to roleID and pushes the recomposed
// instruction. The new role must allow the current phase.
func (c *Controller) SwitchRole(roleID string) error {
	return c.reconfigure("switch_role", func(s *session) (bool, error) {
		b, err := catalog.Bind(s.persona, s.scenario, roleID)
		if err != nil {
			return false, err
		}
		if b.RoleID == s.currentBinding().RoleID {
			return false, nil
		}
		if phase := s.gates.Phase(); !b.PhaseAllowed(phase) {
			return false, fmt.Errorf("%w: role %s does not allow phase %s", gate.ErrInvalidPhaseTransition, b.RoleID, phase)
		}
		s.setBinding(b)
		return true, nil
	})
}

// SetPhase requests a phase change. A refused transition changes nothing and
// does not recompose the instruction.
func (c *Controller) SetPhase(phase catalog.Phase) error {
	return c.reconfigure("set_phase", func(s *session) (bool, error) {
		return s.gates.RequestPhase(phase, s.currentBinding())
	})
}

// AdvanceGate moves a gate forward and pushes the recomposed instruction.
func (c *Controller) AdvanceGate(name string, to gate.State) error {
	return c.reconfigure("advance_gate", func(s *session) (bool, error) {
		return s.gates.Advance(name, to)
	})
}

// reconfigure applies change while Active. When change reports a difference
// the session passes through Reconfiguring while the update is pushed; the
// transport is kept.
func (c *Controller) reconfigure(op string, change func(*session) (bool, error)) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != Active {
		c.mu.Unlock()
		return ErrNotActive
	}
	s := c.sess
	c.mu.Unlock()

	changed, err := change(s)
	if err != nil {
		err = wrap(op, err)
		c.notifyError(s, err)
		return err
	}
	if !changed {
		return nil
	}

	c.mu.Lock()
	if c.sess != s || c.state != Active {
		c.mu.Unlock()
		return ErrNotActive
	}
	ch := c.setLocked(Reconfiguring)
	c.mu.Unlock()
	c.emitState(s, ch)

	pushErr := c.pushConfig(s, false)

	c.mu.Lock()
	var back StateChange
	restored := false
	if c.sess == s && c.state == Reconfiguring {
		back, restored = c.setLocked(Active), true
	}
	c.mu.Unlock()
	if restored {
		c.emitState(s, back)
	}
	if pushErr != nil {
		return wrap(op, pushErr)
	}
	return nil
}

// Interrupt stops the remote voice: the response is cancelled and queued
// output is dropped.
func (c *Controller) Interrupt() error {
	s, err := c.active()
	if err != nil {
		return err
	}
	if !s.dispatch.Do(func() { err = c.interrupt(s) }) {
		return ErrNotActive
	}
	return err
}

// interrupt runs inside dispatch.
func (c *Controller) interrupt(s *session) error {
	wasPlaying := s.endResponse(true)
	c.resetOutput()
	if s.barge != nil {
		s.barge.SetSpeaking(false)
	}
	if !wasPlaying {
		return nil
	}
	c.notify(s, Notification{Kind: NotifyBargeIn})
	if err := s.conn().SendControl(realtime.CancelResponse()); err != nil {
		return wrap("interrupt", err)
	}
	return nil
}

// AttachOutput binds dev as the remote audio output and returns the device
// it replaced. Session state is not affected.
func (c *Controller) AttachOutput(dev OutputDevice) OutputDevice {
	c.mu.Lock()
	prev := c.output
	c.output = dev
	c.mu.Unlock()
	if prev != nil && prev != dev {
		prev.Reset()
	}
	return prev
}

func (c *Controller) resetOutput() {
	c.mu.Lock()
	out := c.output
	c.mu.Unlock()
	if out != nil {
		out.Reset()
	}
}

// Stop tears the session down. It is idempotent and safe from any state,
// including while Start is negotiating. When a teardown is already running
// on another goroutine, Stop waits for it so subscribers still observe
// Stopped before they are removed. It must not be called from a subscriber.
func (c *Controller) Stop() error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		c.stopSession(s)
		<-s.stopped
	}
	c.subs.Clear()
	return nil
}

func (c *Controller) stopSession(s *session) {
	c.mu.Lock()
	if c.sess != s || c.state == Idle || c.state == Stopping || c.state == Stopped {
		c.mu.Unlock()
		return
	}
	ch := c.setLocked(Stopping)
	out := c.output
	c.output = nil
	c.mu.Unlock()
	c.emitState(s, ch)

	s.teardown()
	if out != nil {
		out.Reset()
	}

	c.mu.Lock()
	ch = c.setLocked(Stopped)
	c.mu.Unlock()
	c.emitState(s, ch)
	close(s.stopped)
	s.log.Info("session stopped")
}

// Info returns a snapshot of the controller and its session.
func (c *Controller) Info() Info {
	c.mu.Lock()
	s := c.sess
	info := Info{State: c.state, Transport: c.transportName}
	c.mu.Unlock()
	if s == nil {
		return info
	}
	b := s.currentBinding()
	info.SessionID = s.id
	info.PersonaID = s.persona.ID
	info.ScenarioID = s.scenario.ID
	info.RoleID = b.RoleID
	info.StartedAt = s.startedAt
	if s.gates != nil {
		snap := s.gates.Evaluate(s.scenario, b)
		info.Phase = snap.Phase
		info.Gates = snap.Gates
	}
	if s.corr != nil {
		info.Pending = s.corr.Pending()
	}
	s.mu.Lock()
	info.RateLimits = slices.Clone(s.limits)
	s.mu.Unlock()
	return info
}

func (c *Controller) onTransportState(s *session, ch transport.StateChange) {
	switch ch.To {
	case transport.Degraded:
		c.mu.Lock()
		if c.sess != s || (c.state != Active && c.state != Reconfiguring) {
			c.mu.Unlock()
			return
		}
		sc := c.setLocked(Reconnecting)
		c.mu.Unlock()
		s.log.Warn("connection degraded, reconnecting", "err", ch.Err)
		c.emitState(s, sc)
		s.dispatch.Do(func() {
			s.endResponse(false)
			c.resetOutput()
			if s.barge != nil {
				s.barge.SetSpeaking(false)
			}
			if n := s.corr.FailAll(transcript.ReasonConnectionLost, "connection lost before transcription"); n > 0 {
				s.log.Warn("failed pending utterances on connection loss", "count", n)
			}
		})

	case transport.Connected:
		c.mu.Lock()
		st := c.state
		current := c.sess == s
		c.mu.Unlock()
		if !current || ch.From != transport.Degraded || (st != Reconnecting && st != Starting) {
			return
		}
		// A renegotiated channel is a new remote session.
		if err := c.pushConfig(s, true); err != nil {
			s.log.Error("reconfigure after reconnect", "err", err)
		}
		c.mu.Lock()
		var sc StateChange
		restored := false
		if c.sess == s && c.state == Reconnecting {
			sc, restored = c.setLocked(Active), true
		}
		c.mu.Unlock()
		if restored {
			s.log.Info("session reconnected")
			c.emitState(s, sc)
		}

	case transport.Failed:
		c.mu.Lock()
		st := c.state
		current := c.sess == s
		c.mu.Unlock()
		if !current || st == Stopping || st == Stopped {
			return
		}
		if st == Starting {
			// Start reports the failure and stops the session itself.
			err := ch.Err
			if err == nil {
				err = transport.ErrClosed
			}
			s.resolveAck(err)
			return
		}
		c.notifyError(s, &Error{Kind: classify(ch.Err), Op: "transport", Err: ch.Err})
		c.stopSession(s)
	}
}

func (c *Controller) onControl(s *session, ev realtime.Event) {
	switch e := ev.(type) {
	case *realtime.SessionCreated:
		s.log.Info("remote session created", "remote_id", e.Session.ID, "model", e.Session.Model)
	case *realtime.SessionUpdated:
		if s.resolveAck(nil) {
			s.log.Debug("configuration acknowledged")
		}
	case *realtime.ResponseCreated:
		s.newResponse()
	case *realtime.ResponseDone:
		s.endResponse(false)
		if s.barge != nil {
			s.barge.SetSpeaking(false)
		}
		if d := e.Response.StatusDetails; e.Response.Status == "failed" && d != nil && d.Error != nil {
			kind := KindRemote
			if d.Error.RateLimited() {
				kind = KindRateLimited
			}
			c.notifyError(s, &Error{Kind: kind, Op: "response", Err: d.Error})
		}
	case *realtime.RateLimitsUpdated:
		s.setLimits(e.RateLimits)
		for _, l := range e.RateLimits {
			if l.Remaining == 0 {
				s.log.Warn("rate limit exhausted", "name", l.Name, "reset_seconds", l.ResetSeconds)
			}
		}
	default:
		s.log.Debug("control event", "type", ev.Header().Type)
	}
}

func (c *Controller) onTranscription(s *session, ev realtime.Event) {
	switch e := ev.(type) {
	case *realtime.InputAudioCommitted:
		s.corr.Acknowledge(e.ItemID)
	case *realtime.SpeechStarted:
		// Server voice detection heard the user over the remote voice.
		if s.endResponse(false) {
			c.resetOutput()
			if s.barge != nil {
				s.barge.SetSpeaking(false)
			}
			c.notify(s, Notification{Kind: NotifyBargeIn})
		}
	case *realtime.TranscriptionDelta:
		partial := s.appendPartial(e.Delta)
		if s.barge != nil {
			s.barge.NotifyPartial(partial)
		}
	case *realtime.TranscriptionCompleted:
		s.clearPartial()
		if !s.corr.Complete(e.ItemID, e.Transcript) {
			s.log.Warn("transcription for an item with no pending utterance", "item", e.ItemID)
		}
	case *realtime.TranscriptionFailed:
		s.clearPartial()
		f := transcript.FailureFrom(e.Error)
		if !s.corr.Fail(e.ItemID, f) {
			s.log.Warn("transcription failure for an item with no pending utterance", "item", e.ItemID, "err", f)
		}
	case *realtime.ResponseTranscriptDelta:
		s.corr.RemoteDelta(e.ItemID, e.Delta)
		if s.barge != nil {
			s.barge.NotifyRemoteText(e.Delta)
		}
	case *realtime.ResponseTranscriptDone:
		s.corr.RemoteDone(e.ItemID, e.Transcript)
	default:
		s.log.Debug("conversation event", "type", ev.Header().Type)
	}
}

func (c *Controller) onAudio(s *session, ev realtime.Event) {
	switch e := ev.(type) {
	case *realtime.ResponseAudioDelta:
		pcm, err := e.PCM()
		if err != nil {
			s.log.Warn("undecodable audio delta", "err", err)
			return
		}
		c.deliverAudio(s, pcm)
	case *realtime.ResponseAudioDone:
		c.mu.Lock()
		out := c.output
		c.mu.Unlock()
		if out != nil {
			out.FlushTail()
		}
	}
}

func (c *Controller) onError(s *session, ev realtime.Event) {
	e, ok := ev.(*realtime.ErrorEvent)
	if !ok {
		s.log.Warn("unexpected error-family event", "type", ev.Header().Type)
		return
	}
	d := e.Error
	update, commit := s.causedBy(d)
	s.log.Warn("remote error", "code", d.Code, "type", d.Type, "status", d.Status, "msg", d.Message)

	if update || (s.awaitingAck() && strings.HasPrefix(d.Param, "session")) {
		err := fmt.Errorf("%w: %v", ErrConfigurationRejected, &d)
		if !s.resolveAck(err) {
			c.notifyError(s, &Error{Kind: KindConfigurationRejected, Op: "session_update", Err: err})
		}
		return
	}
	if d.RateLimited() {
		f := transcript.FailureFrom(d)
		s.corr.FailPending(f)
		c.notifyError(s, &Error{Kind: KindRateLimited, Op: "remote", Err: f})
		return
	}
	if commit {
		s.corr.FailPending(transcript.FailureFrom(d))
	}
	c.notifyError(s, &Error{Kind: KindRemote, Op: "remote", Err: &d})
}

// deliverAudio routes one chunk of remote audio to the output device, the
// barge-in reference and audio subscribers.
func (c *Controller) deliverAudio(s *session, pcm []byte) {
	c.mu.Lock()
	current := c.sess == s
	out := c.output
	c.mu.Unlock()
	if !current {
		return
	}
	ok, first := s.beginAudio()
	if !ok {
		return
	}
	if s.barge != nil {
		if first {
			s.barge.SetSpeaking(true)
		}
		s.barge.FeedReference(pcm)
	}
	if out != nil {
		out.WritePCM(pcm)
	}
	c.notify(s, Notification{Kind: NotifyAudio, Audio: pcm})
}

func (c *Controller) onUtterance(s *session, u transcript.Utterance) {
	if u.Speaker == transcript.SpeakerUser && s.barge != nil {
		s.barge.NotifyPartial("")
	}
	if u.Failed() {
		s.log.Warn("utterance failed", "utterance", u.ID, "reason", u.Failure.Reason)
	}
	c.notify(s, Notification{Kind: NotifyTranscript, Utterance: &u})
}

func (c *Controller) notifyError(s *session, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: classify(err), Err: err}
	}
	info := &ErrorInfo{Kind: e.Kind, Op: e.Op, Message: e.Err.Error()}
	var f *transcript.Failure
	var d *realtime.ErrorDetail
	switch {
	case errors.As(err, &f):
		info.Status = f.Status
		info.Message = f.Marker()
	case errors.As(err, &d):
		info.Status = d.Status
	}
	c.notify(s, Notification{Kind: NotifyError, Error: info})
}

func (c *Controller) notify(s *session, n Notification) {
	n.SessionID = s.id
	if n.At.IsZero() {
		n.At = time.Now()
	}
	c.subs.Emit(n)
}

func (c *Controller) setLocked(to State) StateChange {
	ch := StateChange{From: c.state, To: to}
	c.state = to
	return ch
}

func (c *Controller) emitState(s *session, ch StateChange) {
	s.log.Debug("session state", "from", ch.From, "to", ch.To)
	c.notify(s, Notification{Kind: NotifyState, State: &ch})
}

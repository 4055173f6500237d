package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/catalog"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/gate"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/instructions"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/listeners"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/realtime"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/transcript"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/transport"
)

type memCatalog struct {
	personas  map[string]catalog.Persona
	scenarios map[string]catalog.Scenario
}

func (m memCatalog) Persona(_ context.Context, id string) (catalog.Persona, error) {
	p, ok := m.personas[id]
	if !ok {
		return catalog.Persona{}, catalog.ErrNotFound
	}
	return p, nil
}

func (m memCatalog) Scenario(_ context.Context, id string) (catalog.Scenario, error) {
	s, ok := m.scenarios[id]
	if !ok {
		return catalog.Scenario{}, catalog.ErrNotFound
	}
	return s, nil
}

func (m memCatalog) Personas(context.Context) ([]catalog.Persona, error)   { return nil, nil }
func (m memCatalog) Scenarios(context.Context) ([]catalog.Scenario, error) { return nil, nil }

func testCatalog() memCatalog {
	translator := "Interpret between clinician and patient."
	return memCatalog{
		personas: map[string]catalog.Persona{
			"jordan": {
				ID:           "jordan",
				DisplayName:  "Jordan Patel",
				Voice:        "alloy",
				Demographics: catalog.Demographics{Name: "Jordan Patel", DOB: "1997-03-09"},
			},
		},
		scenarios: map[string]catalog.Scenario{
			"chest": {
				ID:    "chest",
				Title: "Chest pressure",
				Roles: []catalog.Role{
					{ID: "patient", Kind: catalog.KindPatient, AllowedPhases: []catalog.Phase{catalog.PhaseSubjective, catalog.PhaseTreatment}},
					{ID: "translator", Kind: catalog.KindTranslator, Instruction: &translator, AllowedPhases: []catalog.Phase{catalog.PhaseSubjective}},
				},
				Facts: []string{"Pressure on stairs for two weeks."},
			},
		},
	}
}

type sentEvent struct {
	Type    string
	EventID string
	Raw     map[string]any
}

// fakeTransport records outbound events and lets the test play the remote side.
type fakeTransport struct {
	voice string

	mu         sync.Mutex
	sent       []sentEvent
	audio      int
	closed     bool
	state      transport.State
	connectErr error
	// block makes Connect wait until ctx ends or the transport closes.
	block   bool
	closeCh chan struct{}
	// onConnect plays the remote side right after Connect succeeds.
	onConnect func(f *fakeTransport)
	// closing, when set, is closed as Close starts; Close then waits for
	// release.
	closing chan struct{}
	release chan struct{}

	stateL   listeners.Registry[transport.StateChange]
	controlL listeners.Registry[[]byte]
	audioL   listeners.Registry[[]byte]
}

func ackOnConnect(f *fakeTransport) {
	f.server(`{"type":"session.created","session":{"id":"sess_1"}}`)
	f.server(`{"type":"session.updated","session":{"id":"sess_1"}}`)
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return transport.ErrClosed
	}
	err := f.connectErr
	block := f.block
	f.mu.Unlock()
	if block {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.closeCh:
			return transport.ErrClosed
		}
	}
	if err != nil {
		f.setState(transport.Failed, err)
		return err
	}
	f.setState(transport.Connected, nil)
	if f.onConnect != nil {
		f.onConnect(f)
	}
	return nil
}

func (f *fakeTransport) SendControl(ev any) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	typ, _ := raw["type"].(string)
	id, _ := raw["event_id"].(string)
	f.sent = append(f.sent, sentEvent{Type: typ, EventID: id, Raw: raw})
	return nil
}

func (f *fakeTransport) SendLocalAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio++
	return nil
}

func (f *fakeTransport) OnStateChange(fn func(transport.StateChange)) func() { return f.stateL.Add(fn) }
func (f *fakeTransport) OnControlEvent(fn func([]byte)) func()             { return f.controlL.Add(fn) }
func (f *fakeTransport) OnRemoteAudio(fn func([]byte)) func()              { return f.audioL.Add(fn) }

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.state = transport.Closed
	close(f.closeCh)
	closing, release := f.closing, f.release
	f.mu.Unlock()
	if closing != nil {
		close(closing)
		<-release
	}
	return nil
}

func (f *fakeTransport) setState(to transport.State, err error) {
	f.mu.Lock()
	from := f.state
	f.state = to
	f.mu.Unlock()
	f.stateL.Emit(transport.StateChange{From: from, To: to, Err: err})
}

func (f *fakeTransport) server(event string) { f.controlL.Emit([]byte(event)) }

func (f *fakeTransport) Sent() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

func (f *fakeTransport) count(typ string) int {
	n := 0
	for _, e := range f.Sent() {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (f *fakeTransport) last(typ string) sentEvent {
	sent := f.Sent()
	for i := len(sent) - 1; i >= 0; i-- {
		if sent[i].Type == typ {
			return sent[i]
		}
	}
	return sentEvent{}
}

func (f *fakeTransport) listenerCount() int {
	return f.stateL.Len() + f.controlL.Len() + f.audioL.Len()
}

// manualTimers captures correlator timeouts so tests fire them explicitly.
type manualTimers struct {
	mu  sync.Mutex
	fns []func()
}

func (m *manualTimers) AfterFunc(_ time.Duration, fn func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.fns)
	m.fns = append(m.fns, fn)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		stopped := m.fns[i] != nil
		m.fns[i] = nil
		return stopped
	}
}

func (m *manualTimers) fireAll() {
	m.mu.Lock()
	fns := append([]func(){}, m.fns...)
	m.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) add(n Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recorder) of(kind NotificationKind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) states() []State {
	var out []State
	for _, n := range r.of(NotifyState) {
		out = append(out, n.State.To)
	}
	return out
}

type fakeOutput struct {
	mu     sync.Mutex
	wrote  int
	resets int
	tails  int
}

func (o *fakeOutput) WritePCM([]byte) { o.mu.Lock(); o.wrote++; o.mu.Unlock() }
func (o *fakeOutput) FlushTail()      { o.mu.Lock(); o.tails++; o.mu.Unlock() }
func (o *fakeOutput) Reset()          { o.mu.Lock(); o.resets++; o.mu.Unlock() }

type harness struct {
	c        *Controller
	ft       *fakeTransport
	timers   *manualTimers
	rec      *recorder
	composer *instructions.Composer
}

func newHarness(t *testing.T, configure func(*fakeTransport)) *harness {
	t.Helper()
	h := &harness{
		ft:       &fakeTransport{closeCh: make(chan struct{}), onConnect: ackOnConnect},
		timers:   &manualTimers{},
		rec:      &recorder{},
		composer: instructions.NewComposer(0),
	}
	if configure != nil {
		configure(h.ft)
	}
	h.c = New(Options{
		Catalog:          testCatalog(),
		Composer:         h.composer,
		ConfigAckTimeout: time.Second,
		AfterFunc:        h.timers.AfterFunc,
		NewTransport: func(voice string) Transport {
			h.ft.voice = voice
			return h.ft
		},
	})
	h.c.Subscribe(h.rec.add)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.c.Start(context.Background(), "jordan", "chest", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestStart_PushesComposedConfigAndBecomesActive(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	if h.c.State() != Active {
		t.Fatalf("expected Active, got %v", h.c.State())
	}
	update := h.ft.last("session.update")
	session, _ := update.Raw["session"].(map[string]any)
	instr, _ := session["instructions"].(string)
	for _, want := range []string{"Jordan Patel", "1997-03-09", instructions.DefaultDirective(catalog.KindPatient)} {
		if !strings.Contains(instr, want) {
			t.Fatalf("instructions missing %q", want)
		}
	}
	if session["voice"] != "alloy" || h.ft.voice != "alloy" {
		t.Fatalf("expected persona voice, got %v", session["voice"])
	}
	if td, ok := session["turn_detection"]; !ok || td != nil {
		t.Fatalf("manual turns must send an explicit null turn_detection, got %v", td)
	}
	want := []State{Starting, Active}
	if got := h.rec.states(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("states %v want %v", got, want)
	}
	info := h.c.Info()
	if info.PersonaID != "jordan" || info.RoleID != "patient" || info.Phase != catalog.PhaseSubjective || info.SessionID == "" {
		t.Fatalf("unexpected info %+v", info)
	}

	if err := h.c.Start(context.Background(), "jordan", "chest", ""); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
}

func TestSharedComposerPicksUpEditedPersona(t *testing.T) {
	cat := testCatalog()
	composer := instructions.NewComposer(0)
	run := func() string {
		t.Helper()
		ft := &fakeTransport{closeCh: make(chan struct{}), onConnect: ackOnConnect}
		c := New(Options{
			Catalog:          cat,
			Composer:         composer,
			ConfigAckTimeout: time.Second,
			AfterFunc:        (&manualTimers{}).AfterFunc,
			NewTransport:     func(string) Transport { return ft },
		})
		if err := c.Start(context.Background(), "jordan", "chest", ""); err != nil {
			t.Fatalf("start: %v", err)
		}
		defer c.Stop()
		session, _ := ft.last("session.update").Raw["session"].(map[string]any)
		instr, _ := session["instructions"].(string)
		return instr
	}

	if first := run(); !strings.Contains(first, "1997-03-09") {
		t.Fatalf("first session missing DOB")
	}
	p := cat.personas["jordan"]
	p.Demographics.DOB = "1997-04-10"
	cat.personas["jordan"] = p

	second := run()
	if !strings.Contains(second, "1997-04-10") || strings.Contains(second, "1997-03-09") {
		t.Fatalf("second session got a stale instruction:\n%s", second)
	}
}

func TestStart_ConfigurationRejected(t *testing.T) {
	h := newHarness(t, func(f *fakeTransport) {
		f.onConnect = func(f *fakeTransport) {
			id := f.last("session.update").EventID
			f.server(fmt.Sprintf(`{"type":"error","error":{"type":"invalid_request_error","code":"invalid_value","message":"bad voice","param":"session.voice","event_id":%q}}`, id))
		}
	})
	err := h.c.Start(context.Background(), "jordan", "chest", "")
	if !errors.Is(err, ErrConfigurationRejected) {
		t.Fatalf("expected ErrConfigurationRejected, got %v", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindConfigurationRejected {
		t.Fatalf("expected configuration_rejected kind, got %v", err)
	}
	if h.c.State() != Stopped || !h.ft.closed || h.ft.listenerCount() != 0 {
		t.Fatalf("state=%v closed=%v listeners=%d", h.c.State(), h.ft.closed, h.ft.listenerCount())
	}
}

func TestStart_NegotiationFailure(t *testing.T) {
	h := newHarness(t, func(f *fakeTransport) {
		f.connectErr = fmt.Errorf("%w: sdp rejected", transport.ErrNegotiation)
	})
	err := h.c.Start(context.Background(), "jordan", "chest", "")
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindNegotiation {
		t.Fatalf("expected negotiation failure, got %v", err)
	}
	if h.c.State() != Stopped {
		t.Fatalf("expected Stopped, got %v", h.c.State())
	}
	if len(h.rec.of(NotifyError)) != 1 {
		t.Fatalf("expected one error notification")
	}
}

func TestStart_UnknownPersona(t *testing.T) {
	h := newHarness(t, nil)
	err := h.c.Start(context.Background(), "nobody", "chest", "")
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if h.c.State() != Stopped {
		t.Fatalf("expected Stopped, got %v", h.c.State())
	}
	// Stopped permits a fresh start.
	h.start(t)
}

func TestStop_FromEveryReachableState(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		h := newHarness(t, nil)
		if err := h.c.Stop(); err != nil {
			t.Fatal(err)
		}
		if h.c.State() != Idle {
			t.Fatalf("stop from idle should leave it idle, got %v", h.c.State())
		}
	})

	t.Run("starting", func(t *testing.T) {
		h := newHarness(t, func(f *fakeTransport) { f.block = true })
		done := make(chan error, 1)
		go func() { done <- h.c.Start(context.Background(), "jordan", "chest", "") }()
		deadline := time.Now().Add(2 * time.Second)
		for h.ft.count("session.update") == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if err := h.c.Stop(); err != nil {
			t.Fatal(err)
		}
		if err := <-done; !errors.Is(err, ErrStopped) {
			t.Fatalf("start should report ErrStopped, got %v", err)
		}
		if h.c.State() != Stopped || !h.ft.closed || h.ft.listenerCount() != 0 {
			t.Fatalf("state=%v closed=%v listeners=%d", h.c.State(), h.ft.closed, h.ft.listenerCount())
		}
	})

	t.Run("active", func(t *testing.T) {
		h := newHarness(t, nil)
		h.start(t)
		if _, err := h.c.corrOf().Commit(); err != nil {
			t.Fatal(err)
		}
		out := &fakeOutput{}
		h.c.AttachOutput(out)
		if err := h.c.Stop(); err != nil {
			t.Fatal(err)
		}
		if h.c.State() != Stopped || !h.ft.closed || h.ft.listenerCount() != 0 {
			t.Fatalf("state=%v closed=%v listeners=%d", h.c.State(), h.ft.closed, h.ft.listenerCount())
		}
		if h.c.corrOf().Pending() != 0 || out.resets == 0 {
			t.Fatalf("pending utterance or output binding not released")
		}
		if len(h.rec.of(NotifyTranscript)) != 0 {
			t.Fatalf("stop must release the pending utterance without surfacing it")
		}
		if h.c.subs.Len() != 0 {
			t.Fatalf("subscriptions not released")
		}
		if err := h.c.Stop(); err != nil {
			t.Fatalf("second stop: %v", err)
		}
	})

	t.Run("reconnecting", func(t *testing.T) {
		h := newHarness(t, nil)
		h.start(t)
		h.ft.setState(transport.Degraded, errors.New("ice disconnected"))
		if h.c.State() != Reconnecting {
			t.Fatalf("expected Reconnecting, got %v", h.c.State())
		}
		if err := h.c.Stop(); err != nil {
			t.Fatal(err)
		}
		if h.c.State() != Stopped || !h.ft.closed || h.ft.listenerCount() != 0 {
			t.Fatalf("state=%v closed=%v listeners=%d", h.c.State(), h.ft.closed, h.ft.listenerCount())
		}
	})
}

// corrOf exposes the running correlator to tests.
func (c *Controller) corrOf() *transcript.Correlator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.corr
}

func TestCommitThenSilence_NothingFinalizedUntilTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	if err := h.c.CommitAudio(); err != nil {
		t.Fatal(err)
	}
	if h.ft.count("input_audio_buffer.commit") != 1 || h.ft.count("response.create") != 1 {
		t.Fatalf("manual commit should send commit and response.create, sent %v", h.ft.Sent())
	}
	h.ft.server(`{"type":"input_audio_buffer.committed","item_id":"item_1"}`)
	h.ft.server(`{"type":"conversation.item.created","item":{"id":"item_1","type":"message","role":"user"}}`)
	h.ft.server(`{"type":"conversation.item.input_audio_transcription.delta","item_id":"item_1","delta":"my ch"}`)

	if got := h.rec.of(NotifyTranscript); len(got) != 0 {
		t.Fatalf("utterance surfaced before transcription completed: %+v", got[0].Utterance)
	}

	h.timers.fireAll()
	got := h.rec.of(NotifyTranscript)
	if len(got) != 1 {
		t.Fatalf("expected one resolved utterance after timeout, got %d", len(got))
	}
	u := got[0].Utterance
	if u.Failure == nil || u.Failure.Reason != transcript.ReasonNoResponse || u.Text != "" {
		t.Fatalf("expected no_response failure, got %+v", u)
	}

	h.ft.server(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"item_1","transcript":"late"}`)
	if len(h.rec.of(NotifyTranscript)) != 1 {
		t.Fatalf("late completion must not surface again")
	}
	if h.c.State() != Active {
		t.Fatalf("a failed utterance must not end the session")
	}
}

func TestSecondCommitRejected_FirstUnaffected(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	if err := h.c.CommitAudio(); err != nil {
		t.Fatal(err)
	}
	err := h.c.CommitAudio()
	if !errors.Is(err, transcript.ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
	if h.ft.count("input_audio_buffer.commit") != 1 {
		t.Fatalf("rejected commit must not reach the remote side")
	}
	errs := h.rec.of(NotifyError)
	if len(errs) != 1 || errs[0].Error.Kind != KindProtocolViolation {
		t.Fatalf("expected protocol violation notification, got %+v", errs)
	}

	h.ft.server(`{"type":"input_audio_buffer.committed","item_id":"item_1"}`)
	h.ft.server(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"item_1","transcript":" my chest feels tight "}`)
	got := h.rec.of(NotifyTranscript)
	if len(got) != 1 || got[0].Utterance.Text != "my chest feels tight" || got[0].Utterance.Failed() {
		t.Fatalf("first utterance not resolved normally: %+v", got)
	}
}

func TestRateLimitedErrorResolvesWithDistinctMarker(t *testing.T) {
	frames := map[string]string{
		"error":              `{"type":"error","error":{"type":"requests","code":"rate_limit_exceeded","message":"slow down","status":429}}`,
		"error.rate_limited": `{"type":"error.rate_limited","error":{"code":"rate_limit_exceeded","status":429}}`,
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.start(t)

			if err := h.c.CommitAudio(); err != nil {
				t.Fatal(err)
			}
			h.ft.server(frame)

			got := h.rec.of(NotifyTranscript)
			if len(got) != 1 {
				t.Fatalf("expected one resolved utterance, got %d", len(got))
			}
			u := got[0].Utterance
			if u.Failure == nil || u.Failure.Reason != transcript.ReasonRateLimited {
				t.Fatalf("expected rate_limited failure, got %+v", u)
			}
			if u.Display() == "" || u.Display() == (transcript.Utterance{}).Display() {
				t.Fatalf("rate-limited marker must differ from an empty transcript")
			}
			errs := h.rec.of(NotifyError)
			if len(errs) != 1 || errs[0].Error.Kind != KindRateLimited || errs[0].Error.Status != 429 {
				t.Fatalf("expected rate_limited error notification, got %+v", errs)
			}
			if h.c.corrOf().Pending() != 0 {
				t.Fatalf("utterance still pending")
			}
			if h.c.State() != Active {
				t.Fatalf("rate limiting must not end the session")
			}
			if err := h.c.CommitAudio(); err != nil {
				t.Fatalf("next turn should be possible: %v", err)
			}
		})
	}
}

func TestTranscriptionFailedEvent(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	_ = h.c.CommitAudio()
	h.ft.server(`{"type":"input_audio_buffer.committed","item_id":"item_9"}`)
	h.ft.server(`{"type":"conversation.item.input_audio_transcription.failed","item_id":"item_9","error":{"type":"transcription_error","code":"audio_unintelligible","message":"could not decode"}}`)
	got := h.rec.of(NotifyTranscript)
	if len(got) != 1 || got[0].Utterance.Failure == nil || got[0].Utterance.Failure.Reason != transcript.ReasonTranscriptionFailed {
		t.Fatalf("expected transcription_failed, got %+v", got)
	}
}

func TestSetPhase(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	updates := h.ft.count("session.update")
	misses := h.composer.Misses()

	err := h.c.SetPhase(catalog.PhaseObjective)
	if !errors.Is(err, gate.ErrInvalidPhaseTransition) {
		t.Fatalf("expected ErrInvalidPhaseTransition, got %v", err)
	}
	if h.c.Info().Phase != catalog.PhaseSubjective {
		t.Fatalf("phase changed on refusal")
	}
	if h.composer.Misses() != misses || h.ft.count("session.update") != updates {
		t.Fatalf("refused transition must not recompose or push")
	}
	if h.c.State() != Active {
		t.Fatalf("expected Active, got %v", h.c.State())
	}

	// The patient role explicitly lists treatment, so skipping objective is allowed.
	if err := h.c.SetPhase(catalog.PhaseTreatment); err != nil {
		t.Fatalf("set phase: %v", err)
	}
	if h.c.Info().Phase != catalog.PhaseTreatment || h.composer.Misses() != misses+1 || h.ft.count("session.update") != updates+1 {
		t.Fatalf("valid transition should recompose once and push once")
	}
	if !strings.Contains(fmt.Sprint(h.rec.states()), "reconfiguring active") {
		t.Fatalf("expected a pass through reconfiguring, got %v", h.rec.states())
	}
	update := h.ft.last("session.update")
	if _, ok := update.Raw["session"].(map[string]any)["voice"]; ok {
		t.Fatalf("reconfiguration must not resend the voice")
	}
	if h.ft.closed {
		t.Fatalf("phase change must not tear down the transport")
	}
}

func TestSwitchRole(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	before := h.ft.last("session.update").Raw["session"].(map[string]any)["instructions"]

	if err := h.c.SwitchRole("translator"); err != nil {
		t.Fatalf("switch role: %v", err)
	}
	after := h.ft.last("session.update").Raw["session"].(map[string]any)["instructions"]
	if before == after || !strings.Contains(after.(string), "Interpret between clinician and patient.") {
		t.Fatalf("role switch should push the translator directive")
	}
	if h.c.Info().RoleID != "translator" || h.c.State() != Active {
		t.Fatalf("unexpected info %+v", h.c.Info())
	}
	if err := h.c.SwitchRole("surgeon"); !errors.Is(err, catalog.ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func TestAdvanceGate(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	updates := h.ft.count("session.update")
	if err := h.c.AdvanceGate("consent", "granted"); err != nil {
		t.Fatal(err)
	}
	if h.ft.count("session.update") != updates+1 || h.c.Info().Gates["consent"] != "granted" {
		t.Fatalf("gate advance should push an update")
	}
	if err := h.c.AdvanceGate("consent", "pending"); !errors.Is(err, gate.ErrGateRegression) {
		t.Fatalf("expected ErrGateRegression, got %v", err)
	}
}

func TestOperationsRequireActive(t *testing.T) {
	h := newHarness(t, nil)
	for name, op := range map[string]func() error{
		"send_text": func() error { return h.c.SendText("hi") },
		"commit":    h.c.CommitAudio,
		"audio":     func() error { return h.c.SendAudio([]byte{0, 0}) },
		"phase":     func() error { return h.c.SetPhase(catalog.PhaseObjective) },
		"role":      func() error { return h.c.SwitchRole("translator") },
		"interrupt": h.c.Interrupt,
	} {
		if err := op(); !errors.Is(err, ErrNotActive) {
			t.Errorf("%s: expected ErrNotActive, got %v", name, err)
		}
	}
}

func TestSendText(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	if err := h.c.SendText("  where does it hurt?  "); err != nil {
		t.Fatal(err)
	}
	item := h.ft.last("conversation.item.create")
	if item.Type == "" || h.ft.count("response.create") != 1 {
		t.Fatalf("expected item create and response create, sent %v", h.ft.Sent())
	}
	got := h.rec.of(NotifyTranscript)
	if len(got) != 1 || got[0].Utterance.Text != "where does it hurt?" {
		t.Fatalf("typed turn should surface as a user utterance, got %+v", got)
	}
}

func TestRemoteAudioOutputAndInterrupt(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	first := &fakeOutput{}
	if prev := h.c.AttachOutput(first); prev != nil {
		t.Fatalf("no previous output expected")
	}
	out := &fakeOutput{}
	if prev := h.c.AttachOutput(out); prev != first || first.resets != 1 {
		t.Fatalf("attach should return and reset the replaced device")
	}

	pcm := base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0})
	h.ft.server(`{"type":"response.created","response":{"id":"resp_1"}}`)
	h.ft.server(fmt.Sprintf(`{"type":"response.audio.delta","response_id":"resp_1","item_id":"it","delta":%q}`, pcm))
	h.ft.audioL.Emit([]byte{3, 0, 4, 0})
	if out.wrote != 2 || len(h.rec.of(NotifyAudio)) != 2 {
		t.Fatalf("remote audio not delivered, wrote=%d", out.wrote)
	}

	if err := h.c.Interrupt(); err != nil {
		t.Fatal(err)
	}
	if h.ft.count("response.cancel") != 1 || out.resets == 0 || len(h.rec.of(NotifyBargeIn)) != 1 {
		t.Fatalf("interrupt should cancel, reset output and notify")
	}
	h.ft.server(fmt.Sprintf(`{"type":"response.audio.delta","response_id":"resp_1","item_id":"it","delta":%q}`, pcm))
	if out.wrote != 2 {
		t.Fatalf("audio of an interrupted response must be dropped")
	}

	h.ft.server(`{"type":"response.created","response":{"id":"resp_2"}}`)
	h.ft.server(fmt.Sprintf(`{"type":"response.audio.delta","response_id":"resp_2","item_id":"it2","delta":%q}`, pcm))
	h.ft.server(`{"type":"response.audio.done","response_id":"resp_2","item_id":"it2"}`)
	if out.wrote != 3 || out.tails != 1 {
		t.Fatalf("next response should play and flush, wrote=%d tails=%d", out.wrote, out.tails)
	}
}

func TestRemoteTranscriptSurfacedOnDone(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.ft.server(`{"type":"response.audio_transcript.delta","response_id":"r","item_id":"a1","delta":"It started "}`)
	h.ft.server(`{"type":"response.audio_transcript.delta","response_id":"r","item_id":"a1","delta":"two weeks ago."}`)
	if len(h.rec.of(NotifyTranscript)) != 0 {
		t.Fatalf("assistant transcript surfaced before done")
	}
	h.ft.server(`{"type":"response.audio_transcript.done","response_id":"r","item_id":"a1"}`)
	got := h.rec.of(NotifyTranscript)
	if len(got) != 1 || got[0].Utterance.Speaker != transcript.SpeakerAssistant || got[0].Utterance.Text != "It started two weeks ago." {
		t.Fatalf("unexpected assistant utterance %+v", got)
	}
}

func TestReconnectFailsPendingAndRepushesConfig(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	if err := h.c.CommitAudio(); err != nil {
		t.Fatal(err)
	}
	updates := h.ft.count("session.update")

	h.ft.setState(transport.Degraded, errors.New("ice disconnected"))
	got := h.rec.of(NotifyTranscript)
	if len(got) != 1 || got[0].Utterance.Failure.Reason != transcript.ReasonConnectionLost {
		t.Fatalf("pending utterance should fail with connection_lost, got %+v", got)
	}
	if err := h.c.SendText("hello"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("input while reconnecting should fail, got %v", err)
	}

	h.ft.setState(transport.Connected, nil)
	if h.c.State() != Active {
		t.Fatalf("expected Active after reconnect, got %v", h.c.State())
	}
	if h.ft.count("session.update") != updates+1 {
		t.Fatalf("reconnect should push the configuration again")
	}
	if _, ok := h.ft.last("session.update").Raw["session"].(map[string]any)["voice"]; !ok {
		t.Fatalf("a new remote session needs the voice")
	}
}

func TestTransportFailureForcesStopped(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.ft.setState(transport.Degraded, errors.New("gone"))
	h.ft.setState(transport.Failed, fmt.Errorf("%w after 5 attempts", transport.ErrRetryBudgetExhausted))
	if h.c.State() != Stopped {
		t.Fatalf("expected Stopped, got %v", h.c.State())
	}
	errs := h.rec.of(NotifyError)
	if len(errs) == 0 || errs[len(errs)-1].Error.Kind != KindTransport {
		t.Fatalf("expected transport failure notification, got %+v", errs)
	}
	if !h.ft.closed {
		t.Fatalf("transport not closed")
	}
}

func TestStopWaitsForTeardownInProgress(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.ft.mu.Lock()
	h.ft.closing, h.ft.release = make(chan struct{}), make(chan struct{})
	closing, release := h.ft.closing, h.ft.release
	h.ft.mu.Unlock()

	go h.ft.setState(transport.Failed, fmt.Errorf("%w after 5 attempts", transport.ErrRetryBudgetExhausted))
	select {
	case <-closing:
	case <-time.After(2 * time.Second):
		t.Fatal("transport failure never reached teardown")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- h.c.Stop() }()
	select {
	case err := <-stopped:
		t.Fatalf("Stop returned %v while teardown was still running", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned")
	}

	states := h.rec.states()
	if len(states) == 0 || states[len(states)-1] != Stopped {
		t.Fatalf("subscriber missed Stopped: %v", states)
	}
}

func TestStart_TransportFailureDuringConfiguration(t *testing.T) {
	lost := errors.New("ice connection failed")
	h := newHarness(t, func(f *fakeTransport) {
		f.onConnect = func(f *fakeTransport) {
			f.server(`{"type":"session.created","session":{"id":"sess_1"}}`)
			f.setState(transport.Failed, lost)
		}
	})
	begin := time.Now()
	err := h.c.Start(context.Background(), "jordan", "chest", "")
	if !errors.Is(err, lost) || errors.Is(err, ErrConfigurationTimeout) {
		t.Fatalf("expected the transport failure, got %v", err)
	}
	if time.Since(begin) >= time.Second {
		t.Fatalf("Start waited for the acknowledgement timeout")
	}
	if h.c.State() != Stopped || !h.ft.closed {
		t.Fatalf("expected Stopped with transport closed, got %v", h.c.State())
	}
	if len(h.rec.of(NotifyError)) != 1 {
		t.Fatalf("expected one error notification, got %d", len(h.rec.of(NotifyError)))
	}
}

func TestMalformedAndUnknownEventsAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.ft.server(`{not json`)
	h.ft.server(`{"type":"response.output_item.added","item":{}}`)
	if h.c.State() != Active || len(h.rec.of(NotifyError)) != 0 {
		t.Fatalf("unknown or malformed events must not disturb the session")
	}
}

func TestSubscribeFiltersKinds(t *testing.T) {
	h := newHarness(t, nil)
	var states int
	remove := h.c.Subscribe(func(Notification) { states++ }, NotifyState)
	h.start(t)
	h.ft.server(`{"type":"response.audio_transcript.done","item_id":"a","transcript":"hi"}`)
	if states != 2 {
		t.Fatalf("expected 2 state notifications, got %d", states)
	}
	remove()
	_ = h.c.Stop()
	if states != 2 {
		t.Fatalf("removed subscriber still notified")
	}
}

func TestRealtimeEventIDsAreUnique(t *testing.T) {
	a, b := realtime.NewEventID(), realtime.NewEventID()
	if a == b || !strings.HasPrefix(a, "evt_") {
		t.Fatalf("unexpected ids %q %q", a, b)
	}
}

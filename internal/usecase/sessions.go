package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/agent"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/catalog"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/gate"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/rtc"
)

// ErrSessionNotFound is returned for ids the hub does not hold.
var ErrSessionNotFound = errors.New("usecase: session not found")

// ErrNoBrowserAudio is returned when no WebRTC bridge is configured.
var ErrNoBrowserAudio = errors.New("usecase: browser audio not configured")

// CreateRequest selects what a new session simulates.
type CreateRequest struct {
	PersonaID  string `json:"persona_id"`
	ScenarioID string `json:"scenario_id"`
	RoleID     string `json:"role_id,omitempty"`
}

// SessionService defines the session operations used by the HTTP layer.
type SessionService interface {
	Personas(ctx context.Context) ([]catalog.Persona, error)
	Scenarios(ctx context.Context) ([]catalog.Scenario, error)

	Create(ctx context.Context, req CreateRequest) (agent.Info, error)
	Info(id string) (agent.Info, error)
	Stop(id string) error
	SendText(id, text string) error
	Commit(id string) error
	Interrupt(id string) error
	SwitchRole(id, roleID string) error
	SetPhase(id string, phase catalog.Phase) error
	AdvanceGate(id, gateName string, state gate.State) error
	ConnectBrowser(ctx context.Context, id string, offer rtc.SessionDescription) (rtc.SessionDescription, error)
	// Watch streams notifications of a session until it stops or stop is called.
	Watch(id string, fn func(agent.Notification), kinds ...agent.NotificationKind) (stop func(), err error)
}

// Peer is a connected browser.
type Peer interface {
	Output() agent.OutputDevice
	Close()
}

// Browser answers browser WebRTC offers.
type Browser interface {
	Accept(ctx context.Context, offer rtc.SessionDescription, h rtc.PeerHandlers) (Peer, rtc.SessionDescription, error)
}

// NewBrowser adapts a WebRTC bridge.
func NewBrowser(b *rtc.Bridge) Browser { return rtcBrowser{b: b} }

type rtcBrowser struct{ b *rtc.Bridge }

func (r rtcBrowser) Accept(ctx context.Context, offer rtc.SessionDescription, h rtc.PeerHandlers) (Peer, rtc.SessionDescription, error) {
	p, answer, err := r.b.Accept(ctx, offer, h)
	if err != nil {
		return nil, answer, err
	}
	return rtcPeer{p}, answer, nil
}

type rtcPeer struct{ *rtc.Peer }

func (p rtcPeer) Output() agent.OutputDevice { return p.Peer.Output() }

type entry struct {
	ctrl *agent.Controller

	mu      sync.Mutex
	peer    Peer
	peerGen uint64
}

type sessionService struct {
	catalog       catalog.Source
	newController func() *agent.Controller
	browser       Browser
	log           *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewSessionService returns a hub holding one controller per browser tab.
// browser may be nil, which disables ConnectBrowser.
func NewSessionService(src catalog.Source, newController func() *agent.Controller, browser Browser, log *slog.Logger) SessionService {
	if log == nil {
		log = slog.Default()
	}
	return &sessionService{
		catalog:       src,
		newController: newController,
		browser:       browser,
		log:           log,
		sessions:      make(map[string]*entry),
	}
}

func (s *sessionService) Personas(ctx context.Context) ([]catalog.Persona, error) {
	return s.catalog.Personas(ctx)
}

func (s *sessionService) Scenarios(ctx context.Context) ([]catalog.Scenario, error) {
	return s.catalog.Scenarios(ctx)
}

func (s *sessionService) Create(ctx context.Context, req CreateRequest) (agent.Info, error) {
	ctrl := s.newController()
	if err := ctrl.Start(ctx, req.PersonaID, req.ScenarioID, req.RoleID); err != nil {
		_ = ctrl.Stop()
		return agent.Info{}, err
	}
	info := ctrl.Info()
	e := &entry{ctrl: ctrl}

	s.mu.Lock()
	s.sessions[info.SessionID] = e
	s.mu.Unlock()

	ctrl.Subscribe(func(n agent.Notification) {
		if n.State.To == agent.Stopped {
			s.forget(info.SessionID, e)
		}
	}, agent.NotifyState)
	if ctrl.State() == agent.Stopped {
		s.forget(info.SessionID, e)
	}
	s.log.Info("session created", "session", info.SessionID, "persona", req.PersonaID, "scenario", req.ScenarioID)
	return info, nil
}

// forget drops a stopped session and hangs up its browser.
func (s *sessionService) forget(id string, e *entry) {
	s.mu.Lock()
	if s.sessions[id] == e {
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	e.mu.Lock()
	peer := e.peer
	e.peer = nil
	e.peerGen++
	e.mu.Unlock()
	if peer != nil {
		go peer.Close()
	}
}

func (s *sessionService) get(id string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

func (s *sessionService) Info(id string) (agent.Info, error) {
	e, err := s.get(id)
	if err != nil {
		return agent.Info{}, err
	}
	return e.ctrl.Info(), nil
}

func (s *sessionService) Stop(id string) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	err = e.ctrl.Stop()
	s.forget(id, e)
	return err
}

func (s *sessionService) SendText(id, text string) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	return e.ctrl.SendText(text)
}

func (s *sessionService) Commit(id string) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	return e.ctrl.CommitAudio()
}

func (s *sessionService) Interrupt(id string) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	return e.ctrl.Interrupt()
}

func (s *sessionService) SwitchRole(id, roleID string) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	return e.ctrl.SwitchRole(roleID)
}

func (s *sessionService) SetPhase(id string, phase catalog.Phase) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	return e.ctrl.SetPhase(phase)
}

func (s *sessionService) AdvanceGate(id, gateName string, state gate.State) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	return e.ctrl.AdvanceGate(gateName, state)
}

// ConnectBrowser answers a browser offer and binds the browser as the
// session's mic and speaker. A second browser replaces the first.
func (s *sessionService) ConnectBrowser(ctx context.Context, id string, offer rtc.SessionDescription) (rtc.SessionDescription, error) {
	if s.browser == nil {
		return rtc.SessionDescription{}, ErrNoBrowserAudio
	}
	e, err := s.get(id)
	if err != nil {
		return rtc.SessionDescription{}, err
	}
	log := s.log.With("session", id)

	e.mu.Lock()
	e.peerGen++
	gen := e.peerGen
	e.mu.Unlock()

	ctrl := e.ctrl
	peer, answer, err := s.browser.Accept(ctx, offer, rtc.PeerHandlers{
		OnAudio: func(pcm []byte) {
			if err := ctrl.SendAudio(pcm); err != nil && !errors.Is(err, agent.ErrNotActive) {
				log.Debug("forward mic audio", "err", err)
			}
		},
		OnCommand: func(cmd string) { s.command(log, ctrl, cmd) },
		OnClose:   func() { s.browserGone(e, gen) },
	})
	if err != nil {
		return rtc.SessionDescription{}, err
	}

	e.mu.Lock()
	if e.peerGen != gen {
		// Replaced or stopped while negotiating.
		e.mu.Unlock()
		peer.Close()
		return rtc.SessionDescription{}, ErrSessionNotFound
	}
	prev := e.peer
	e.peer = peer
	e.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	ctrl.AttachOutput(peer.Output())
	log.Info("browser audio connected")
	return answer, nil
}

func (s *sessionService) browserGone(e *entry, gen uint64) {
	e.mu.Lock()
	if e.peerGen != gen || e.peer == nil {
		e.mu.Unlock()
		return
	}
	e.peer = nil
	e.mu.Unlock()
	e.ctrl.AttachOutput(nil)
}

// command handles a control channel message from the browser.
func (s *sessionService) command(log *slog.Logger, ctrl *agent.Controller, cmd string) {
	var err error
	switch cmd {
	case "stop", "stop-speaking", "cancel", "barge-in":
		err = ctrl.Interrupt()
	case "commit":
		err = ctrl.CommitAudio()
	default:
		log.Debug("ignoring browser command", "cmd", cmd)
		return
	}
	if err != nil {
		log.Warn("browser command failed", "cmd", cmd, "err", err)
	}
}

func (s *sessionService) Watch(id string, fn func(agent.Notification), kinds ...agent.NotificationKind) (func(), error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return e.ctrl.Subscribe(fn, kinds...), nil
}

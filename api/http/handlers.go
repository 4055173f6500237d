package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/agent"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/catalog"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/gate"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/rtc"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/transcript"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/transport"
	svc "github.com/danstonedev/EMRsim-chat-sub002/internal/usecase"
)

// streamKinds are the notifications sent to the event stream. Audio goes to
// the browser over WebRTC instead.
var streamKinds = []agent.NotificationKind{agent.NotifyState, agent.NotifyTranscript, agent.NotifyError, agent.NotifyBargeIn}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 65536,
	// The page is served from a different origin in development; the shared
	// password guards the endpoint.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handlers struct {
	Sessions svc.SessionService
	Log      *slog.Logger
}

func NewHandlers(sessions svc.SessionService, log *slog.Logger) Handlers {
	if log == nil {
		log = slog.Default()
	}
	return Handlers{Sessions: sessions, Log: log}
}

func (h Handlers) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/personas", h.personas)
	e.GET("/scenarios", h.scenarios)

	e.POST("/sessions", h.create)
	e.GET("/sessions/:id", h.info)
	e.DELETE("/sessions/:id", h.stop)
	e.POST("/sessions/:id/text", h.text)
	e.POST("/sessions/:id/commit", h.commit)
	e.POST("/sessions/:id/interrupt", h.interrupt)
	e.PUT("/sessions/:id/role", h.role)
	e.PUT("/sessions/:id/phase", h.phase)
	e.PUT("/sessions/:id/gates/:gate", h.gate)
	e.POST("/sessions/:id/rtc", h.rtc)
	e.GET("/sessions/:id/events", h.events)
}

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Error string     `json:"error"`
	Kind  agent.Kind `json:"kind,omitempty"`
}

// fail maps a domain error to its status.
func fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, svc.ErrSessionNotFound), errors.Is(err, catalog.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, catalog.ErrUnknownRole), errors.Is(err, gate.ErrUnknownGate), errors.Is(err, rtc.ErrInvalidOffer):
		status = http.StatusBadRequest
	case errors.Is(err, gate.ErrInvalidPhaseTransition), errors.Is(err, gate.ErrGateRegression):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, agent.ErrAlreadyActive), errors.Is(err, agent.ErrNotActive), errors.Is(err, transcript.ErrProtocolViolation):
		status = http.StatusConflict
	case errors.Is(err, agent.ErrConfigurationTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, agent.ErrConfigurationRejected), errors.Is(err, transport.ErrNegotiation), errors.Is(err, transport.ErrRetryBudgetExhausted):
		status = http.StatusBadGateway
	case errors.Is(err, svc.ErrNoBrowserAudio):
		status = http.StatusNotImplemented
	}
	body := ErrorBody{Error: err.Error()}
	var e *agent.Error
	if errors.As(err, &e) {
		body.Kind = e.Kind
	}
	return c.JSON(status, body)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorBody{Error: msg})
}

func (h Handlers) personas(c echo.Context) error {
	ps, err := h.Sessions.Personas(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, ps)
}

func (h Handlers) scenarios(c echo.Context) error {
	ss, err := h.Sessions.Scenarios(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, ss)
}

func (h Handlers) create(c echo.Context) error {
	var req svc.CreateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if req.PersonaID == "" || req.ScenarioID == "" {
		return badRequest(c, "persona_id and scenario_id are required")
	}
	info, err := h.Sessions.Create(c.Request().Context(), req)
	if err != nil {
		h.Log.Warn("session create failed", "persona", req.PersonaID, "scenario", req.ScenarioID, "err", err)
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, info)
}

func (h Handlers) info(c echo.Context) error {
	info, err := h.Sessions.Info(c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (h Handlers) stop(c echo.Context) error {
	if err := h.Sessions.Stop(c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h Handlers) text(c echo.Context) error {
	var body struct {
		Text string `json:"text"`
	}
	if err := c.Bind(&body); err != nil || strings.TrimSpace(body.Text) == "" {
		return badRequest(c, "text is required")
	}
	if err := h.Sessions.SendText(c.Param("id"), body.Text); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h Handlers) commit(c echo.Context) error {
	if err := h.Sessions.Commit(c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h Handlers) interrupt(c echo.Context) error {
	if err := h.Sessions.Interrupt(c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h Handlers) role(c echo.Context) error {
	var body struct {
		RoleID string `json:"role_id"`
	}
	if err := c.Bind(&body); err != nil || body.RoleID == "" {
		return badRequest(c, "role_id is required")
	}
	id := c.Param("id")
	if err := h.Sessions.SwitchRole(id, body.RoleID); err != nil {
		return fail(c, err)
	}
	return h.info(c)
}

func (h Handlers) phase(c echo.Context) error {
	var body struct {
		Phase catalog.Phase `json:"phase"`
	}
	if err := c.Bind(&body); err != nil || body.Phase == "" {
		return badRequest(c, "phase is required")
	}
	if err := h.Sessions.SetPhase(c.Param("id"), body.Phase); err != nil {
		return fail(c, err)
	}
	return h.info(c)
}

func (h Handlers) gate(c echo.Context) error {
	var body struct {
		State gate.State `json:"state"`
	}
	if err := c.Bind(&body); err != nil || body.State == "" {
		return badRequest(c, "state is required")
	}
	if err := h.Sessions.AdvanceGate(c.Param("id"), c.Param("gate"), body.State); err != nil {
		return fail(c, err)
	}
	return h.info(c)
}

func (h Handlers) rtc(c echo.Context) error {
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		return badRequest(c, "invalid offer")
	}
	answer, err := h.Sessions.ConnectBrowser(c.Request().Context(), c.Param("id"), offer)
	if err != nil {
		h.Log.Warn("browser offer failed", "session", c.Param("id"), "err", err)
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, answer)
}

// events streams notifications as JSON text frames until the session stops
// or the client goes away.
func (h Handlers) events(c echo.Context) error {
	id := c.Param("id")
	if _, err := h.Sessions.Info(id); err != nil {
		return fail(c, err)
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.Log.Debug("events upgrade failed", "err", err)
		return nil
	}
	defer conn.Close()
	log := h.Log.With("session", id)

	queue := make(chan agent.Notification, 64)
	stopped := make(chan struct{})
	var stopOnce sync.Once
	remove, err := h.Sessions.Watch(id, func(n agent.Notification) {
		select {
		case queue <- n:
		default:
			log.Warn("event stream behind, dropping notification", "kind", n.Kind)
		}
		if n.Kind == agent.NotifyState && n.State.To == agent.Stopped {
			stopOnce.Do(func() { close(stopped) })
		}
	}, streamKinds...)
	if err != nil {
		_ = conn.WriteJSON(ErrorBody{Error: err.Error()})
		return nil
	}
	defer remove()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(n agent.Notification) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(n); err != nil {
			log.Debug("event stream write failed", "err", err)
			return false
		}
		return true
	}
	for {
		select {
		case n := <-queue:
			if !write(n) {
				return nil
			}
		case <-stopped:
			for {
				select {
				case n := <-queue:
					if !write(n) {
						return nil
					}
				default:
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped"),
						time.Now().Add(time.Second))
					return nil
				}
			}
		case <-gone:
			return nil
		}
	}
}

package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	apihttp "github.com/danstonedev/EMRsim-chat-sub002/api/http"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/middleware"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/usecase"
)

// Options wires the server to its session hub.
type Options struct {
	Sessions usecase.SessionService
	// AuthPassword guards every route except /healthz. Empty disables auth.
	AuthPassword string
	Log          *slog.Logger
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler
	Echo   *echo.Echo
}

// New constructs the HTTP server with routes.
func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	e := newEcho(log)
	password := opts.AuthPassword
	e.Use(middleware.SharedPassword(func() string { return password }, "/healthz"))
	apihttp.NewHandlers(opts.Sessions, log).Register(e)
	return &Server{Router: e, Echo: e}
}

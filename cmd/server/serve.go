package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/agent"
	httpserver "github.com/danstonedev/EMRsim-chat-sub002/internal/httpserver"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/instructions"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/rtc"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/usecase"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "listen address (overrides HTTP_ADDRESS)")
}

func runServe(_ *cobra.Command, _ []string) error {
	if listenAddr != "" {
		cfg.HTTPAddress = listenAddr
	}
	log := slog.Default()

	src, err := openCatalog(cfg)
	if err != nil {
		return err
	}
	composer := instructions.NewComposer(0)
	newTransport := transportFactory(cfg, log)
	newController := func() *agent.Controller {
		return agent.New(controllerOptions(cfg, src, composer, newTransport, log))
	}
	bridge := &rtc.Bridge{ICEServers: rtc.ParseICEServers(cfg.ICEServersJSON), Log: log}
	sessions := usecase.NewSessionService(src, newController, usecase.NewBrowser(bridge), log)

	srv := httpserver.New(httpserver.Options{Sessions: sessions, AuthPassword: cfg.AuthPassword, Log: log})
	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddress, "transport", cfg.Transport, "model", cfg.RealtimeModel)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigChan:
		log.Info("shutdown signal received", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("graceful shutdown failed", "err", err)
		_ = server.Close()
	}
	return nil
}

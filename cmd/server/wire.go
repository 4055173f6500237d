package main

import (
	"log/slog"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/agent"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/barge"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/catalog"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/config"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/instructions"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/realtime"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/rtc"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/transport"
)

// openCatalog picks Supabase Storage when it is configured and the local
// catalog directory otherwise.
func openCatalog(cfg config.Config) (catalog.Source, error) {
	if cfg.UseSupabase() {
		slog.Info("catalog: supabase", "bucket", cfg.SupabaseBucket)
		st, err := catalog.NewSupabaseStore(catalog.SupabaseConfig{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	slog.Info("catalog: local", "dir", cfg.CatalogDir)
	return catalog.NewFileStore(cfg.CatalogDir), nil
}

// transportFactory returns a factory building one reconnecting transport per
// session over the configured channel.
func transportFactory(cfg config.Config, log *slog.Logger) agent.TransportFactory {
	client := realtime.NewClient(cfg.OpenAIKey,
		realtime.WithWebSocketURL(cfg.RealtimeWSURL),
		realtime.WithHTTPURL(cfg.RealtimeHTTPURL),
	)
	ice := rtc.ParseICEServers(cfg.ICEServersJSON)
	return func(voice string) agent.Transport {
		if voice == "" {
			voice = cfg.RealtimeVoice
		}
		var d transport.Dialer
		switch cfg.Transport {
		case config.TransportWebSocket:
			d = &transport.WebSocketDialer{Client: client, Model: cfg.RealtimeModel, Log: log}
		default:
			d = &transport.WebRTCDialer{Client: client, Model: cfg.RealtimeModel, Voice: voice, ICEServers: ice, Log: log}
		}
		return transport.New(transport.Options{
			Dialer:    d,
			Attempts:  cfg.ReconnectAttempts,
			BaseDelay: cfg.ReconnectBaseDelay,
			Log:       log,
		})
	}
}

func controllerOptions(cfg config.Config, src catalog.Source, composer *instructions.Composer, newTransport agent.TransportFactory, log *slog.Logger) agent.Options {
	opts := agent.Options{
		Catalog:              src,
		NewTransport:         newTransport,
		Composer:             composer,
		TranscriptionModel:   cfg.TranscriptionModel,
		ConfigAckTimeout:     cfg.ConfigAckTimeout,
		TranscriptionTimeout: cfg.TranscriptionTimeout,
		TransportName:        cfg.Transport,
		Log:                  log,
	}
	if cfg.TurnDetection != "manual" {
		opts.TurnDetection = &realtime.TurnDetection{Type: cfg.TurnDetection}
	}
	if cfg.BargeIn {
		b := barge.Default()
		opts.Barge = &b
	}
	return opts
}

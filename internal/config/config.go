package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Transport names accepted in REALTIME_TRANSPORT.
const (
	TransportWebRTC    = "webrtc"
	TransportWebSocket = "websocket"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress  string
	AuthPassword string
	LogLevel     slog.Level

	OpenAIKey          string
	RealtimeModel      string
	RealtimeVoice      string
	Transport          string
	RealtimeWSURL      string
	RealtimeHTTPURL    string
	TranscriptionModel string
	// TurnDetection is "server_vad" or "manual".
	TurnDetection  string
	ICEServersJSON string
	BargeIn        bool

	CatalogDir     string
	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string

	TranscriptionTimeout time.Duration
	ConfigAckTimeout     time.Duration
	ReconnectAttempts    uint64
	ReconnectBaseDelay   time.Duration
}

// UseSupabase reports whether the catalog is read from Supabase Storage.
func (c Config) UseSupabase() bool {
	return c.SupabaseURL != "" && c.SupabaseKey != "" && c.SupabaseBucket != ""
}

// Load reads .env (when present) and the environment, and returns Config with
// sane defaults. Missing keys are logged, not fatal.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "err", err)
	}

	cfg := Config{
		HTTPAddress:          envOr("HTTP_ADDRESS", ":8080"),
		AuthPassword:         os.Getenv("AUTH_PASSWORD"),
		LogLevel:             level(os.Getenv("LOG_LEVEL")),
		OpenAIKey:            os.Getenv("OPENAI_API_KEY"),
		RealtimeModel:        envOr("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:        os.Getenv("REALTIME_VOICE"),
		Transport:            strings.ToLower(envOr("REALTIME_TRANSPORT", TransportWebRTC)),
		RealtimeWSURL:        os.Getenv("REALTIME_WS_URL"),
		RealtimeHTTPURL:      os.Getenv("REALTIME_HTTP_URL"),
		TranscriptionModel:   envOr("TRANSCRIPTION_MODEL", "whisper-1"),
		TurnDetection:        strings.ToLower(envOr("TURN_DETECTION", "server_vad")),
		ICEServersJSON:       envOr("ICE_SERVERS_JSON", `[{"urls":["stun:stun.l.google.com:19302"]}]`),
		BargeIn:              boolOr("BARGE_IN", true),
		CatalogDir:           envOr("CATALOG_DIR", "data"),
		SupabaseURL:          os.Getenv("SUPABASE_URL"),
		SupabaseKey:          os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:       os.Getenv("SUPABASE_BUCKET"),
		TranscriptionTimeout: durationOr("TRANSCRIPTION_TIMEOUT", 15*time.Second),
		ConfigAckTimeout:     durationOr("CONFIG_ACK_TIMEOUT", 10*time.Second),
		ReconnectAttempts:    uintOr("RECONNECT_ATTEMPTS", 5),
		ReconnectBaseDelay:   durationOr("RECONNECT_BASE_DELAY", 500*time.Millisecond),
	}

	if cfg.OpenAIKey == "" {
		slog.Warn("OPENAI_API_KEY not set - sessions cannot reach the realtime model")
	}
	if cfg.Transport != TransportWebRTC && cfg.Transport != TransportWebSocket {
		slog.Warn("unknown REALTIME_TRANSPORT, using webrtc", "value", cfg.Transport)
		cfg.Transport = TransportWebRTC
	}
	if cfg.TurnDetection != "server_vad" && cfg.TurnDetection != "manual" {
		slog.Warn("unknown TURN_DETECTION, using server_vad", "value", cfg.TurnDetection)
		cfg.TurnDetection = "server_vad"
	}
	if cfg.SupabaseURL != "" && !cfg.UseSupabase() {
		slog.Warn("SUPABASE_URL set without SUPABASE_SERVICE_ROLE_KEY and SUPABASE_BUCKET - reading catalog from disk")
	}

	slog.Info("config loaded", "http_address", cfg.HTTPAddress, "transport", cfg.Transport, "model", cfg.RealtimeModel)
	return cfg
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func durationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func uintOr(key string, def uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		slog.Warn("invalid count, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func boolOr(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func level(v string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelInfo
	}
	return l
}

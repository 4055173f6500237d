package realtime

import (
	"fmt"
	"net/http"
	"strings"
)

// Audio formats supported by the remote model.
const (
	// AudioFormatPCM16 is 16-bit PCM at 24kHz, mono, little-endian.
	AudioFormatPCM16 = "pcm16"
	// SampleRate is the PCM16 rate used on both directions.
	SampleRate = 24000
)

// Turn detection modes.
const (
	VADServer   = "server_vad"
	VADSemantic = "semantic_vad"
)

// Modalities.
const (
	ModalityText  = "text"
	ModalityAudio = "audio"
)

// SessionConfig is the payload of a session.update event.
type SessionConfig struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	// TurnDetection nil is sent as an explicit null, which selects manual turns.
	TurnDetection *TurnDetection `json:"turn_detection"`
	Temperature   *float64       `json:"temperature,omitempty"`
}

// TranscriptionConfig enables transcription of user audio.
type TranscriptionConfig struct {
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

// TurnDetection configures remote voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type,omitempty"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    *bool   `json:"create_response,omitempty"`
	InterruptResponse *bool   `json:"interrupt_response,omitempty"`
}

// SessionResource is the session state echoed by the server.
type SessionResource struct {
	ID                      string               `json:"id,omitempty"`
	Model                   string               `json:"model,omitempty"`
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
}

// ConversationItem is an item in the remote conversation.
type ConversationItem struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type,omitempty"`
	Role    string        `json:"role,omitempty"`
	Status  string        `json:"status,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// ContentPart is one part of an item's content.
type ContentPart struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ResponseResource is a model response.
type ResponseResource struct {
	ID            string         `json:"id,omitempty"`
	Status        string         `json:"status,omitempty"`
	StatusDetails *StatusDetails `json:"status_details,omitempty"`
}

// StatusDetails explains a non-completed response.
type StatusDetails struct {
	Type   string       `json:"type,omitempty"`
	Reason string       `json:"reason,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// RateLimit is one entry of rate_limits.updated.
type RateLimit struct {
	Name         string  `json:"name"`
	Limit        int     `json:"limit"`
	Remaining    int     `json:"remaining"`
	ResetSeconds float64 `json:"reset_seconds"`
}

// ErrorDetail is the error object carried by error and failure events, and
// the error returned by the REST calls.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
	// Status is an HTTP-style status when the server or a proxy supplies one.
	Status int `json:"status,omitempty"`
}

func (e *ErrorDetail) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("realtime: %s: %s", e.Code, e.Message)
	case e.Type != "":
		return fmt.Sprintf("realtime: %s: %s", e.Type, e.Message)
	}
	return "realtime: " + e.Message
}

// RateLimited reports whether the error is a 429-class rejection.
func (e *ErrorDetail) RateLimited() bool {
	if e == nil {
		return false
	}
	if e.Status == http.StatusTooManyRequests {
		return true
	}
	for _, s := range []string{e.Code, e.Type} {
		s = strings.ToLower(s)
		if strings.Contains(s, "rate_limit") || s == "insufficient_quota" {
			return true
		}
	}
	return false
}

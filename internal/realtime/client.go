package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const (
	DefaultWebSocketURL = "wss://api.openai.com/v1/realtime"
	DefaultHTTPURL      = "https://api.openai.com/v1/realtime"
	DefaultModel        = "gpt-4o-realtime-preview"
)

// Client performs the REST half of session setup.
type Client struct {
	apiKey     string
	wsURL      string
	httpURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

func WithWebSocketURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.wsURL = u
		}
	}
}

func WithHTTPURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.httpURL = u
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient returns a client authenticating with apiKey.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		wsURL:      DefaultWebSocketURL,
		httpURL:    DefaultHTTPURL,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type ephemeralTokenResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// EphemeralToken creates a short-lived client secret for model and voice.
func (c *Client) EphemeralToken(ctx context.Context, model, voice string) (string, error) {
	body, err := json.Marshal(map[string]string{"model": model, "voice": voice})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", httpError(resp, "session_creation_failed")
	}
	var tr ephemeralTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode session response: %w", err)
	}
	if tr.ClientSecret.Value == "" {
		return "", &ErrorDetail{Code: "session_creation_failed", Message: "empty client secret", Status: resp.StatusCode}
	}
	return tr.ClientSecret.Value, nil
}

// ExchangeSDP posts an SDP offer and returns the answer.
func (c *Client) ExchangeSDP(ctx context.Context, token, model, offer string) (string, error) {
	u := c.httpURL + "?model=" + url.QueryEscape(model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader([]byte(offer)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", httpError(resp, "sdp_exchange_failed")
	}
	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(answer), nil
}

// WebSocketURL returns the websocket endpoint for model.
func (c *Client) WebSocketURL(model string) string {
	return c.wsURL + "?model=" + url.QueryEscape(model)
}

// WebSocketHeader returns the headers a websocket dial must carry.
func (c *Client) WebSocketHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.apiKey)
	h.Set("OpenAI-Beta", "realtime=v1")
	return h
}

func httpError(resp *http.Response, code string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var wrapped struct {
		Error *ErrorDetail `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
		wrapped.Error.Status = resp.StatusCode
		return wrapped.Error
	}
	return &ErrorDetail{Code: code, Message: string(bytes.TrimSpace(body)), Status: resp.StatusCode}
}

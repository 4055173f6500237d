package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/realtime"
)

// WebSocketDialer connects to the remote model over a websocket. Audio travels
// as base64 PCM16 inside input_audio_buffer.append events, and remote audio
// arrives as response.audio.delta events on the control path.
type WebSocketDialer struct {
	Client *realtime.Client
	Model  string
	Dialer *websocket.Dialer
	Log    *slog.Logger
}

func (d *WebSocketDialer) Dial(ctx context.Context, h Handlers) (Channel, error) {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	model := d.Model
	if model == "" {
		model = realtime.DefaultModel
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, d.Client.WebSocketURL(model), d.Client.WebSocketHeader())
	if err != nil {
		if resp != nil {
			return nil, &realtime.ErrorDetail{Code: "websocket_handshake_failed", Message: err.Error(), Status: resp.StatusCode}
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	c := &wsChannel{conn: conn}
	go c.readLoop(h, log)
	h.OnOpen()
	return c, nil
}

type wsChannel struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

func (c *wsChannel) readLoop(h Handlers, log *slog.Logger) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				log.Debug("websocket read ended", "err", err)
				h.OnLost(err)
			}
			return
		}
		h.OnControl(data)
	}
}

func (c *wsChannel) SendControl(data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) SendAudio(pcm []byte) error {
	data, err := json.Marshal(realtime.AppendAudio(pcm))
	if err != nil {
		return err
	}
	return c.SendControl(data)
}

func (c *wsChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

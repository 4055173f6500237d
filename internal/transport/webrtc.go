package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/danstonedev/EMRsim-chat-sub002/internal/realtime"
	"github.com/danstonedev/EMRsim-chat-sub002/internal/rtc"
)

// EventsChannelLabel is the data channel the remote model exchanges events on.
const EventsChannelLabel = "oai-events"

// DefaultICEServers is used when WebRTCDialer.ICEServers is empty.
var DefaultICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// WebRTCDialer opens a peer connection to the remote model: an Opus track in
// each direction plus the events data channel. Session setup uses an
// ephemeral token and an SDP offer/answer exchange over HTTP.
type WebRTCDialer struct {
	Client     *realtime.Client
	Model      string
	Voice      string
	ICEServers []webrtc.ICEServer
	Log        *slog.Logger
}

func (d *WebRTCDialer) Dial(ctx context.Context, h Handlers) (Channel, error) {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	model := d.Model
	if model == "" {
		model = realtime.DefaultModel
	}

	token, err := d.Client.EphemeralToken(ctx, model, d.Voice)
	if err != nil {
		return nil, fmt.Errorf("ephemeral token: %w", err)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	ice := d.ICEServers
	if len(ice) == 0 {
		ice = DefaultICEServers
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}
	c := &webrtcChannel{pc: pc}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1}, "mic", "session")
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, err
	}
	paced, err := rtc.NewOpusPacedWriter(track, realtime.SampleRate)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	c.paced = paced

	dc, err := pc.CreateDataChannel(EventsChannelLabel, nil)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("data channel: %w", err)
	}
	c.dc = dc
	dc.OnOpen(func() {
		log.Debug("events channel open")
		h.OnOpen()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { h.OnControl(msg.Data) })
	dc.OnClose(func() {
		if !c.isClosed() {
			h.OnLost(errors.New("events channel closed"))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			if !c.isClosed() {
				h.OnLost(fmt.Errorf("peer connection %s", state))
			}
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Debug("remote audio track", "codec", remote.Codec().MimeType)
		go func() {
			err := rtc.ReadOpus(remote, realtime.SampleRate, h.OnAudio)
			if !c.isClosed() {
				log.Debug("remote audio track ended", "err", err)
			}
		}()
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		c.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}

	answer, err := d.Client.ExchangeSDP(ctx, token, model, pc.LocalDescription().SDP)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("sdp exchange: %w", err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		c.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	return c, nil
}

type webrtcChannel struct {
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	paced *rtc.OpusPacedWriter

	mu     sync.Mutex
	closed bool
}

func (c *webrtcChannel) SendControl(data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.dc.SendText(string(data))
}

func (c *webrtcChannel) SendAudio(pcm []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.paced.WritePCM(pcm)
	return nil
}

func (c *webrtcChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *webrtcChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if c.paced != nil {
		c.paced.Close()
	}
	return c.pc.Close()
}

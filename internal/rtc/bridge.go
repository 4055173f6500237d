package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// SessionDescription is a small DTO to avoid exposing webrtc types to the HTTP layer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ControlLabel is the data channel the browser uses for commands.
const ControlLabel = "control"

// DefaultICEServers is used when a Bridge has no ICE servers configured.
var DefaultICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// ErrInvalidOffer is returned for a description that is not an SDP offer.
var ErrInvalidOffer = errors.New("rtc: invalid offer")

// ParseICEServers decodes a JSON array of ICE servers. Empty or invalid input
// yields DefaultICEServers.
func ParseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return DefaultICEServers
}

// Bridge terminates the browser leg of a call. Mic audio arrives as Opus and
// is decoded to PCM16 mono at SampleRate; the remote voice is written back
// through an OpusPacedWriter.
type Bridge struct {
	ICEServers []webrtc.ICEServer
	SampleRate int
	// GatherTimeout bounds ICE gathering before the answer is returned.
	GatherTimeout time.Duration
	Log           *slog.Logger
}

// PeerHandlers receive what the browser sends. Every field is optional.
type PeerHandlers struct {
	// OnAudio receives decoded mic audio, one call per packet.
	OnAudio func(pcm []byte)
	// OnCommand receives trimmed, lower-cased control channel messages.
	OnCommand func(cmd string)
	// OnClose runs once when the peer connection ends.
	OnClose func()
}

// Peer is one browser connection.
type Peer struct {
	pc     *webrtc.PeerConnection
	output *OpusPacedWriter
	log    *slog.Logger

	closeOnce sync.Once
	onClose   func()
}

// Accept answers a browser offer. The returned peer owns the connection until
// Close or until the browser goes away.
func (b *Bridge) Accept(ctx context.Context, offer SessionDescription, h PeerHandlers) (*Peer, SessionDescription, error) {
	if offer.Type != "offer" || strings.TrimSpace(offer.SDP) == "" {
		return nil, SessionDescription{}, ErrInvalidOffer
	}
	log := b.Log
	if log == nil {
		log = slog.Default()
	}
	rate := b.SampleRate
	if rate == 0 {
		rate = 24000
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	ice := b.ICEServers
	if ice == nil {
		ice = DefaultICEServers
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, SessionDescription{}, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"patient-audio", "patient",
	)
	if err != nil {
		_ = pc.Close()
		return nil, SessionDescription{}, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, SessionDescription{}, err
	}
	output, err := NewOpusPacedWriter(outTrack, rate)
	if err != nil {
		_ = pc.Close()
		return nil, SessionDescription{}, fmt.Errorf("opus encoder: %w", err)
	}

	p := &Peer{pc: pc, output: output, log: log, onClose: h.OnClose}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("browser peer state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			p.Close()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ControlLabel {
			return
		}
		log.Debug("browser control channel opened")
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			cmd := strings.TrimSpace(strings.ToLower(string(msg.Data)))
			if cmd != "" && h.OnCommand != nil {
				h.OnCommand(cmd)
			}
		})
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Info("browser mic track", "codec", remote.Codec().MimeType)
		sink := h.OnAudio
		if sink == nil {
			sink = func([]byte) {}
		}
		go func() {
			if err := ReadOpus(remote, rate, sink); err != nil {
				log.Debug("browser mic ended", "err", err)
			}
		}()
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		p.Close()
		return nil, SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		p.Close()
		return nil, SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		p.Close()
		return nil, SessionDescription{}, err
	}
	timeout := b.GatherTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		p.Close()
		return nil, SessionDescription{}, ctx.Err()
	case <-time.After(timeout):
		log.Warn("ice gathering timed out, answering with partial candidates")
	}
	local := pc.LocalDescription()
	if local == nil {
		p.Close()
		return nil, SessionDescription{}, errors.New("rtc: no local description")
	}
	return p, SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// Output is the device the remote voice is written to.
func (p *Peer) Output() *OpusPacedWriter { return p.output }

// Close ends the connection. Queued audio gets a short grace period to drain.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.output.Reset()
		p.output.Close()
		if err := p.pc.Close(); err != nil {
			p.log.Debug("close browser peer", "err", err)
		}
		if p.onClose != nil {
			p.onClose()
		}
	})
}

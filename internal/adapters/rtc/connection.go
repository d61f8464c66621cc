package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

const DefaultSTUN = "stun:stun.l.google.com:19302"

func DefaultWebRTCConfig() webrtc.Configuration {
	return ConfigFromURLs([]string{DefaultSTUN})
}

// ConfigFromURLs builds a configuration with one STUN server per URL. No TURN.
func ConfigFromURLs(urls []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	for _, u := range urls {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{u}})
	}
	return cfg
}

// Factory opens pion peer connections sharing one API instance.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewFactory(cfg webrtc.Configuration) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return &Factory{api: webrtc.NewAPI(webrtc.WithMediaEngine(m)), cfg: cfg}, nil
}

func (f *Factory) NewConnection(remote domain.UserID) (core.MediaConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &WebRTCConnection{
		pc:     pc,
		remote: remote,
		logger: log.With().Str("module", "webrtc").Str("remote", string(remote)).Logger(),
	}
	c.wire()
	return c, nil
}

// WebRTCConnection adapts a pion PeerConnection to core.MediaConnection.
// Candidates are trickled: descriptions are returned without waiting for
// gathering to complete.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	remote domain.UserID
	logger zerolog.Logger

	mu      sync.RWMutex
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteAudio)
	onState func(webrtc.PeerConnectionState)
	hasSend bool
}

func (c *WebRTCConnection) wire() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.RLock()
		fn := c.onState
		c.mu.RUnlock()
		if fn != nil {
			fn(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil {
			fn(remoteTrack{track})
		}
	})
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	if err := c.ensureAudioTransceiver(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

func (c *WebRTCConnection) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (c *WebRTCConnection) ApplyAnswer(answer webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (c *WebRTCConnection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddLocalAudio attaches the captured track and drains RTCP for it.
func (c *WebRTCConnection) AddLocalAudio(local core.LocalAudio) error {
	sender, err := c.pc.AddTrack(local.Track())
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	c.mu.Lock()
	c.hasSend = true
	c.mu.Unlock()

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// ensureAudioTransceiver makes a receive-only join still offer an audio section.
func (c *WebRTCConnection) ensureAudioTransceiver() error {
	c.mu.RLock()
	hasSend := c.hasSend
	c.mu.RUnlock()
	if hasSend || len(c.pc.GetTransceivers()) > 0 {
		return nil
	}
	_, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("add audio transceiver: %w", err)
	}
	return nil
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote audio tracks.
func (c *WebRTCConnection) OnTrack(fn func(core.RemoteAudio)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) Close() error {
	err := c.pc.Close()
	if err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}

type remoteTrack struct {
	t *webrtc.TrackRemote
}

func (r remoteTrack) ID() string { return r.t.ID() }

func (r remoteTrack) ClockRate() uint32 { return r.t.Codec().ClockRate }

func (r remoteTrack) Channels() uint16 { return r.t.Codec().Channels }

func (r remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.t.ReadRTP()
	return pkt, err
}

package core

import (
	"context"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicemesh/internal/domain"
)

// LocalAudio is the single captured track of one enable() call.
type LocalAudio interface {
	Track() webrtc.TrackLocal
	SetMuted(bool)
	Muted() bool
	// Stop releases the capture device.
	Stop()
}

// Capturer acquires the local capture device. Failures wrap ErrDeviceAcquisitionFailed.
type Capturer interface {
	Acquire(ctx context.Context) (LocalAudio, error)
}

// RemoteAudio is an incoming track from one remote participant.
type RemoteAudio interface {
	ID() string
	ClockRate() uint32
	Channels() uint16
	ReadRTP() (*rtp.Packet, error)
}

type MediaConnection interface {
	// CreateOffer creates and applies a local offer.
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOffer applies a remote offer and returns the applied local answer.
	ApplyOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	HasRemoteDescription() bool
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	AddLocalAudio(LocalAudio) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteAudio))
	// OnStateChange sets a callback for peer connection state changes.
	OnStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// ConnectionFactory opens one MediaConnection per remote participant.
type ConnectionFactory interface {
	NewConnection(remote domain.UserID) (MediaConnection, error)
}

// PlaybackSinks addresses remote audio output by participant.
type PlaybackSinks interface {
	Attach(ctx context.Context, id domain.UserID, track RemoteAudio)
	Detach(id domain.UserID)
}

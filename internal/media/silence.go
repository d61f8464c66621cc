package media

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
)

// One 20 ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceCapturer is a capture device that never makes a sound. It lets a
// headless client join a room with a live outgoing track.
type SilenceCapturer struct{}

func (SilenceCapturer) Acquire(ctx context.Context) (core.LocalAudio, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDeviceAcquisitionFailed, err)
	}
	track, err := newOpusTrack()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDeviceAcquisitionFailed, err)
	}
	return start(track, silenceSource{}, "silence"), nil
}

type silenceSource struct{}

func (silenceSource) next() ([]byte, time.Duration, error) { return opusSilence, frameDuration, nil }

func (silenceSource) close() error { return nil }

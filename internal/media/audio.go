// Package media provides local capture sources that feed an Opus track.
package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	opusClockRate = 48000
	opusChannels  = 2
	frameDuration = 20 * time.Millisecond
)

// frameSource yields consecutive encoded Opus frames. io.EOF ends the stream.
type frameSource interface {
	next() ([]byte, time.Duration, error)
	close() error
}

func newOpusTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: opusChannels},
		"audio",
		"voicemesh",
	)
}

// audio paces frames from a source into a track until stopped.
// Muting keeps the pacing but stops writing samples.
type audio struct {
	track  *webrtc.TrackLocalStaticSample
	src    frameSource
	muted  atomic.Bool
	logger zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func start(track *webrtc.TrackLocalStaticSample, src frameSource, kind string) *audio {
	ctx, cancel := context.WithCancel(context.Background())
	a := &audio{
		track:  track,
		src:    src,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: log.With().Str("module", "media").Str("source", kind).Logger(),
	}
	go a.pump(ctx)
	return a
}

func (a *audio) Track() webrtc.TrackLocal { return a.track }

func (a *audio) SetMuted(m bool) { a.muted.Store(m) }

func (a *audio) Muted() bool { return a.muted.Load() }

func (a *audio) Stop() {
	a.once.Do(func() {
		a.cancel()
		<-a.done
		if err := a.src.close(); err != nil {
			a.logger.Warn().Err(err).Msg("close source")
		}
		a.logger.Info().Msg("capture stopped")
	})
}

func (a *audio) pump(ctx context.Context) {
	defer close(a.done)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		data, dur, err := a.src.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				a.logger.Error().Err(err).Msg("read frame failed")
			}
			return
		}
		if dur <= 0 {
			dur = frameDuration
		}
		timer.Reset(dur)
		if a.muted.Load() {
			continue
		}
		if err := a.track.WriteSample(media.Sample{Data: data, Duration: dur}); err != nil {
			a.logger.Warn().Err(err).Msg("write sample failed")
		}
	}
}

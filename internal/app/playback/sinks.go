// Package playback renders remote participants' audio: every remote track
// is read once and fanned out to per-participant outputs.
package playback

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

const (
	outputMeter    = "meter"
	outputRecorder = "recorder"
)

var fileSafe = strings.NewReplacer("/", "_", "\\", "_", "..", "_")

type Option func(*Sinks)

// WithRecordDir writes each participant's audio to <dir>/<user id>.ogg.
func WithRecordDir(dir string) Option {
	return func(s *Sinks) { s.recordDir = dir }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sinks) { s.now = now }
}

// Sinks implements core.PlaybackSinks.
type Sinks struct {
	recordDir string
	now       func() time.Time

	mu      sync.RWMutex
	streams map[domain.UserID]*stream
	meters  map[domain.UserID]*meter
	muted   map[domain.UserID]bool
}

func New(opts ...Option) *Sinks {
	s := &Sinks{
		now:     time.Now,
		streams: make(map[domain.UserID]*stream),
		meters:  make(map[domain.UserID]*meter),
		muted:   make(map[domain.UserID]bool),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Attach starts playback of track for id, replacing any previous stream.
func (s *Sinks) Attach(ctx context.Context, id domain.UserID, track core.RemoteAudio) {
	logger := log.With().
		Str("module", "app.playback").
		Str("remote", string(id)).
		Str("track_id", track.ID()).
		Logger()

	streamCtx, cancel := context.WithCancel(ctx)
	st := newStream(track, cancel)

	m := &meter{now: s.now}
	st.add(outputMeter, NewOutput(m))
	if s.recordDir != "" {
		if w, err := s.recorder(id, track); err != nil {
			logger.Error().Err(err).Msg("recorder unavailable, playing without it")
		} else {
			st.add(outputRecorder, NewOutput(w))
		}
	}

	s.mu.Lock()
	if old, ok := s.streams[id]; ok {
		logger.Info().Msg("replacing existing stream")
		old.cancel()
	}
	s.streams[id] = st
	s.meters[id] = m
	muted := s.muted[id]
	s.mu.Unlock()
	if muted {
		st.setMuted(true)
	}

	logger.Info().Msg("starting playback")
	go st.loop(streamCtx, &logger)
}

// Detach stops playback for id. The stream finishes once its source read
// returns, which the closing connection guarantees.
func (s *Sinks) Detach(id domain.UserID) {
	s.mu.Lock()
	st, ok := s.streams[id]
	if ok {
		delete(s.streams, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	st.cancel()
}

// SetMuted silences one participant locally without touching the link.
func (s *Sinks) SetMuted(id domain.UserID, muted bool) {
	s.mu.Lock()
	s.muted[id] = muted
	st := s.streams[id]
	s.mu.Unlock()
	if st != nil {
		st.setMuted(muted)
	}
}

// Activity reports what has been heard from id so far.
func (s *Sinks) Activity(id domain.UserID) (Activity, bool) {
	s.mu.RLock()
	m, ok := s.meters[id]
	s.mu.RUnlock()
	if !ok {
		return Activity{}, false
	}
	return m.snapshot(), true
}

// Playing reports whether a stream is attached for id.
func (s *Sinks) Playing(id domain.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.streams[id]
	return ok
}

func (s *Sinks) recorder(id domain.UserID, track core.RemoteAudio) (*oggwriter.OggWriter, error) {
	if err := os.MkdirAll(s.recordDir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	channels := track.Channels()
	if channels == 0 {
		channels = 2
	}
	path := filepath.Join(s.recordDir, fileSafe.Replace(string(id))+".ogg")
	w, err := oggwriter.New(path, track.ClockRate(), channels)
	if err != nil {
		return nil, fmt.Errorf("open recorder %s: %w", path, err)
	}
	return w, nil
}

package playback

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicemesh/internal/core"
)

// stream pumps one remote track into its outputs.
type stream struct {
	src core.RemoteAudio

	mu      sync.RWMutex
	outputs map[string]*Output

	cancel context.CancelFunc
	done   chan struct{}
}

func newStream(src core.RemoteAudio, cancel context.CancelFunc) *stream {
	return &stream{
		src:     src,
		outputs: make(map[string]*Output),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// loop reads RTP packets from the source track and forwards them to all outputs.
func (s *stream) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(s.done)
	defer s.closeAll(logger)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("stream ctx done")
			return
		default:
		}
		pkt, err := s.src.ReadRTP()
		if err != nil {
			if ctx.Err() == nil {
				logger.Info().Err(err).Msg("remote track ended")
			}
			return
		}
		s.forward(pkt, logger)
	}
}

func (s *stream) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	s.mu.RLock()
	snapshot := maps.Clone(s.outputs)
	s.mu.RUnlock()

	var dirty []string
	for name, o := range snapshot {
		switch o.GetState() {
		case OutputDelete:
			dirty = append(dirty, name)
		case OutputMuted:
		case OutputOk:
			if err := o.W.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("output", name).
					Msg("write RTP error, dropping output")
				o.MarkDelete()
				dirty = append(dirty, name)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		s.cleanupDeleted(dirty, logger)
	}
}

func (s *stream) add(name string, o *Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[name] = o
}

func (s *stream) setMuted(muted bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.outputs {
		if o.GetState() == OutputDelete {
			continue
		}
		if muted {
			o.MarkMuted()
		} else {
			o.MarkOk()
		}
	}
}

func (s *stream) cleanupDeleted(dirty []string, logger *zerolog.Logger) {
	s.mu.Lock()
	var closing []*Output
	for _, name := range dirty {
		if o, ok := s.outputs[name]; ok {
			closing = append(closing, o)
			delete(s.outputs, name)
		}
	}
	s.mu.Unlock()
	for _, o := range closing {
		if err := o.W.Close(); err != nil {
			logger.Warn().Err(err).Msg("close output")
		}
	}
}

func (s *stream) closeAll(logger *zerolog.Logger) {
	s.mu.Lock()
	names := make([]string, 0, len(s.outputs))
	for name, o := range s.outputs {
		o.MarkDelete()
		names = append(names, name)
	}
	s.mu.Unlock()
	s.cleanupDeleted(names, logger)
}

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/dkeye/voicemesh/internal/core"
)

// FileCapturer plays an Ogg/Opus file as the local microphone.
type FileCapturer struct {
	Path string
	// Loop restarts the file at its end instead of going silent.
	Loop bool
}

func (c FileCapturer) Acquire(ctx context.Context) (core.LocalAudio, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDeviceAcquisitionFailed, err)
	}
	src, err := openOgg(c.Path, c.Loop)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDeviceAcquisitionFailed, err)
	}
	track, err := newOpusTrack()
	if err != nil {
		_ = src.close()
		return nil, fmt.Errorf("%w: %v", core.ErrDeviceAcquisitionFailed, err)
	}
	return start(track, src, "file"), nil
}

type oggSource struct {
	f           *os.File
	r           *oggreader.OggReader
	loop        bool
	lastGranule uint64
	// played is set once a pass yields audio; a file without any stops
	// instead of rewinding forever.
	played bool
}

func openOgg(path string, loop bool) (*oggSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	r, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read ogg header %s: %w", path, err)
	}
	return &oggSource{f: f, r: r, loop: loop}, nil
}

func (s *oggSource) next() ([]byte, time.Duration, error) {
	for {
		page, header, err := s.r.ParseNextPage()
		if errors.Is(err, io.EOF) && s.loop && s.played {
			s.played = false
			if err := s.rewind(); err != nil {
				return nil, 0, err
			}
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		samples := header.GranulePosition - s.lastGranule
		s.lastGranule = header.GranulePosition
		// Header pages carry no audio.
		if samples == 0 || len(page) == 0 {
			continue
		}
		s.played = true
		return page, time.Duration(samples) * time.Second / opusClockRate, nil
	}
}

func (s *oggSource) rewind() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r, _, err := oggreader.NewWith(s.f)
	if err != nil {
		return err
	}
	s.r, s.lastGranule = r, 0
	return nil
}

func (s *oggSource) close() error { return s.f.Close() }

package playback

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type OutputState int32

const (
	OutputOk OutputState = iota
	OutputMuted
	OutputDelete
)

// Writer consumes one remote participant's RTP stream.
type Writer interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// Output is a single destination of a stream.
type Output struct {
	W     Writer
	state atomic.Int32 // Zero by default (OutputOk)
}

func NewOutput(w Writer) *Output {
	return &Output{W: w}
}

func (o *Output) GetState() OutputState {
	return OutputState(o.state.Load())
}

func (o *Output) MarkOk() {
	o.state.Store(int32(OutputOk))
}

func (o *Output) MarkMuted() {
	o.state.Store(int32(OutputMuted))
}

func (o *Output) MarkDelete() {
	o.state.Store(int32(OutputDelete))
}

package playback

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

// Activity summarises what has been heard from one participant.
type Activity struct {
	Packets    uint64
	Bytes      uint64
	LastPacket time.Time
}

// Speaking reports whether a packet arrived within window before now.
func (a Activity) Speaking(now time.Time, window time.Duration) bool {
	return !a.LastPacket.IsZero() && now.Sub(a.LastPacket) < window
}

// meter is a Writer that only counts.
type meter struct {
	now func() time.Time

	mu  sync.Mutex
	act Activity
}

func (m *meter) WriteRTP(pkt *rtp.Packet) error {
	m.mu.Lock()
	m.act.Packets++
	m.act.Bytes += uint64(len(pkt.Payload))
	m.act.LastPacket = m.now()
	m.mu.Unlock()
	return nil
}

func (m *meter) Close() error { return nil }

func (m *meter) snapshot() Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.act
}

package app

type BackpressureAction int

const (
	// KickMember disconnects the client; it reconnects and replays the gap.
	KickMember BackpressureAction = iota
)

type Policy interface {
	OnBackPressure(conn ConnID, queued int) BackpressureAction
}

// SimplePolicy kicks every slow client. Watches must never silently lose
// changes, and a reconnect resubscribes from the last seen sequence.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(ConnID, int) BackpressureAction {
	return KickMember
}

package mesh

// State is the negotiation state of one remote peer.
type State int32

const (
	Idle State = iota
	OfferSent
	OfferReceived
	AnswerExchanged
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OfferSent:
		return "offer_sent"
	case OfferReceived:
		return "offer_received"
	case AnswerExchanged:
		return "answer_exchanged"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

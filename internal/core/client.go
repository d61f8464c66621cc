package core

import "github.com/dkeye/voicemesh/internal/domain"

//go:generate mockgen -destination=mocks/mock_core.go -package=mocks . IdentityProvider,Capturer

// IdentityProvider supplies the local participant. ok is false when nobody
// is signed in, in which case voice stays disabled.
type IdentityProvider interface {
	Current() (domain.Participant, bool)
}

// StaticIdentity is an IdentityProvider fixed at construction.
type StaticIdentity struct {
	Participant *domain.Participant
}

func (s StaticIdentity) Current() (domain.Participant, bool) {
	if s.Participant == nil {
		return domain.Participant{}, false
	}
	return *s.Participant, true
}

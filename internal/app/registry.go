package app

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/domain"
)

// ConnID names one live store connection.
type ConnID string

type connEntry struct {
	Token  string
	Cancel context.CancelFunc
}

// Registry maps client tokens to participants and tracks live connections.
// A token is a bearer secret and never leaves the server; the participant
// id derived for it is what other clients see.
type Registry struct {
	mu    sync.RWMutex
	conns map[ConnID]*connEntry
	users map[string]*domain.Participant
	newID func() string
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[ConnID]*connEntry),
		users: make(map[string]*domain.Participant),
		newID: uuid.NewString,
	}
}

func (r *Registry) GetOrCreateUser(token string) domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[token]; ok {
		return *u
	}
	u := &domain.Participant{ID: domain.UserID(r.newID()), DisplayName: "guest"}
	r.users[token] = u
	log.Info().Str("module", "app.registry").Str("user", string(u.ID)).Msg("created new user")
	return *u
}

func (r *Registry) UpdateUsername(token, name string) (domain.Participant, error) {
	name, err := domain.NormalizeUsername(name)
	if err != nil {
		return domain.Participant{}, err
	}
	r.GetOrCreateUser(token)

	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.users[token]
	u.DisplayName = name
	log.Info().Str("module", "app.registry").Str("user", string(u.ID)).Str("username", name).Msg("updated username")
	return *u, nil
}

func (r *Registry) Bind(id ConnID, token string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &connEntry{Token: token, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("bound connection")
}

func (r *Registry) Unbind(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("unbind connection")
}

// Conns reports the number of live connections.
func (r *Registry) Conns() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Cancel ends a live connection and forgets it. It reports false when the
// connection was already gone.
func (r *Registry) Cancel(id ConnID) bool {
	r.mu.Lock()
	e, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("canceled connection")
	return true
}

// CancelAll drops every live connection, used on shutdown.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	ids := make([]ConnID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Cancel(id)
	}
}

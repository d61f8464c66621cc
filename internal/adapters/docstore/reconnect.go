package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

// ReconnectingClient is a DocumentStore that dials a fresh Client when the
// current connection has been lost. Watches opened on a lost connection still
// end with core.ErrRelayUnavailable; reopening them goes to the new one. The
// token is fixed for the client's lifetime so the server keeps the identity.
type ReconnectingClient struct {
	url   string
	token string

	mu     sync.Mutex
	cur    *Client
	closed bool
}

// Open dials url. An empty token is replaced by a random one.
func Open(ctx context.Context, url, token string) (*ReconnectingClient, error) {
	if token == "" {
		token = uuid.NewString()
	}
	c, err := Dial(ctx, url, token)
	if err != nil {
		return nil, err
	}
	return &ReconnectingClient{url: url, token: token, cur: c}, nil
}

// Token is the client token sent on every connection.
func (r *ReconnectingClient) Token() string { return r.token }

func (r *ReconnectingClient) client(ctx context.Context) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("%w: client closed", core.ErrRelayUnavailable)
	}
	if r.cur.failure() == nil {
		return r.cur, nil
	}
	c, err := Dial(ctx, r.url, r.token)
	if err != nil {
		return nil, err
	}
	r.cur = c
	log.Info().Str("module", "docstore.client").Str("url", r.url).Msg("reconnected")
	return c, nil
}

func (r *ReconnectingClient) Get(ctx context.Context, path, id string) (core.Document, error) {
	c, err := r.client(ctx)
	if err != nil {
		return core.Document{}, err
	}
	return c.Get(ctx, path, id)
}

func (r *ReconnectingClient) Set(ctx context.Context, path, id string, data []byte) (core.Document, error) {
	c, err := r.client(ctx)
	if err != nil {
		return core.Document{}, err
	}
	return c.Set(ctx, path, id, data)
}

func (r *ReconnectingClient) Add(ctx context.Context, path string, data []byte) (core.Document, error) {
	c, err := r.client(ctx)
	if err != nil {
		return core.Document{}, err
	}
	return c.Add(ctx, path, data)
}

func (r *ReconnectingClient) Delete(ctx context.Context, path, id string) error {
	c, err := r.client(ctx)
	if err != nil {
		return err
	}
	return c.Delete(ctx, path, id)
}

func (r *ReconnectingClient) List(ctx context.Context, path string) ([]core.Document, error) {
	c, err := r.client(ctx)
	if err != nil {
		return nil, err
	}
	return c.List(ctx, path)
}

func (r *ReconnectingClient) Purge(ctx context.Context, path string) error {
	c, err := r.client(ctx)
	if err != nil {
		return err
	}
	return c.Purge(ctx, path)
}

func (r *ReconnectingClient) Watch(ctx context.Context, path string, includeExisting bool) (core.Watch, error) {
	c, err := r.client(ctx)
	if err != nil {
		return nil, err
	}
	return c.Watch(ctx, path, includeExisting)
}

func (r *ReconnectingClient) Ping(ctx context.Context) error {
	c, err := r.client(ctx)
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}

func (r *ReconnectingClient) WhoAmI(ctx context.Context) (domain.Participant, error) {
	c, err := r.client(ctx)
	if err != nil {
		return domain.Participant{}, err
	}
	return c.WhoAmI(ctx)
}

func (r *ReconnectingClient) Rename(ctx context.Context, name string) (domain.Participant, error) {
	c, err := r.client(ctx)
	if err != nil {
		return domain.Participant{}, err
	}
	return c.Rename(ctx, name)
}

// Watches reports the live watches on the current connection.
func (r *ReconnectingClient) Watches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur.Watches()
}

// Close drops the connection for good; later calls fail.
func (r *ReconnectingClient) Close() {
	r.mu.Lock()
	r.closed = true
	c := r.cur
	r.mu.Unlock()
	c.Close()
}

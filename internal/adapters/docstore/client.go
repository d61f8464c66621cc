package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client is a DocumentStore backed by the hosted store server over one
// WebSocket. Losing the connection fails every pending call and live watch
// with core.ErrRelayUnavailable.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	err       error
	nextReq   uint64
	nextWatch uint64
	pending   map[uint64]chan Frame
	watches   map[string]*watchQueue
}

// Dial connects to the store WebSocket at url. token, when set, is sent in
// TokenHeader so the server keeps a stable identity across connections.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set(TokenHeader, token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %v", url, core.ErrRelayUnavailable, err)
	}
	c := &Client{
		conn:    conn,
		send:    make(chan []byte, 64),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan Frame),
		watches: make(map[string]*watchQueue),
	}
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()
	return c, nil
}

func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.shutdown(fmt.Errorf("%w: %v", core.ErrRelayUnavailable, err))
			return
		}
		switch f.Type {
		case TypeResult, TypePong:
			c.mu.Lock()
			ch, ok := c.pending[f.Req]
			delete(c.pending, f.Req)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case TypeChange:
			if f.Change == nil {
				continue
			}
			c.mu.Lock()
			q, ok := c.watches[f.Watch]
			c.mu.Unlock()
			if ok {
				q.push(*f.Change)
			}
		default:
			log.Warn().Str("module", "docstore.client").Str("type", f.Type).Msg("unknown frame")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown(fmt.Errorf("%w: %v", core.ErrRelayUnavailable, err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(fmt.Errorf("%w: %v", core.ErrRelayUnavailable, err))
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) shutdown(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = cause
		watches := c.watches
		c.watches = make(map[string]*watchQueue)
		c.pending = make(map[uint64]chan Frame)
		c.mu.Unlock()

		close(c.done)
		_ = c.conn.Close()
		for _, q := range watches {
			q.end(cause)
		}
		log.Info().Err(cause).Str("module", "docstore.client").Msg("connection closed")
	})
}

// Close drops the connection and ends every live watch.
func (c *Client) Close() {
	c.shutdown(fmt.Errorf("%w: client closed", core.ErrRelayUnavailable))
}

func (c *Client) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) enqueue(ctx context.Context, f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.Type, err)
	}
	select {
	case c.send <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.failure()
	}
}

func (c *Client) call(ctx context.Context, f Frame) (Frame, error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return Frame{}, c.err
	}
	c.nextReq++
	f.Req = c.nextReq
	ch := make(chan Frame, 1)
	c.pending[f.Req] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, f.Req)
		c.mu.Unlock()
	}

	if err := c.enqueue(ctx, f); err != nil {
		forget()
		return Frame{}, err
	}
	select {
	case r := <-ch:
		if err := codeError(r.Error); err != nil {
			return r, fmt.Errorf("%s %s: %w", f.Type, f.Path, err)
		}
		return r, nil
	case <-ctx.Done():
		forget()
		return Frame{}, ctx.Err()
	case <-c.done:
		return Frame{}, c.failure()
	}
}

func docOf(f Frame) core.Document {
	if f.Doc == nil {
		return core.Document{}
	}
	return *f.Doc
}

func (c *Client) Get(ctx context.Context, path, id string) (core.Document, error) {
	r, err := c.call(ctx, Frame{Type: OpGet, Path: path, ID: id})
	return docOf(r), err
}

func (c *Client) Set(ctx context.Context, path, id string, data []byte) (core.Document, error) {
	r, err := c.call(ctx, Frame{Type: OpSet, Path: path, ID: id, Data: data})
	return docOf(r), err
}

func (c *Client) Add(ctx context.Context, path string, data []byte) (core.Document, error) {
	r, err := c.call(ctx, Frame{Type: OpAdd, Path: path, Data: data})
	return docOf(r), err
}

func (c *Client) Delete(ctx context.Context, path, id string) error {
	_, err := c.call(ctx, Frame{Type: OpDelete, Path: path, ID: id})
	return err
}

func (c *Client) List(ctx context.Context, path string) ([]core.Document, error) {
	r, err := c.call(ctx, Frame{Type: OpList, Path: path})
	return r.Docs, err
}

func (c *Client) Purge(ctx context.Context, path string) error {
	_, err := c.call(ctx, Frame{Type: OpPurge, Path: path})
	return err
}

func (c *Client) Watch(ctx context.Context, path string, includeExisting bool) (core.Watch, error) {
	c.mu.Lock()
	c.nextWatch++
	id := "w" + strconv.FormatUint(c.nextWatch, 10)
	c.mu.Unlock()

	q := newWatchQueue(func() { c.unwatch(id) })

	// Registered before the request so no change can slip past.
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		q.Close()
		return nil, err
	}
	c.watches[id] = q
	c.mu.Unlock()

	if _, err := c.call(ctx, Frame{Type: OpWatch, Path: path, Watch: id, Existing: includeExisting}); err != nil {
		q.Close()
		return nil, err
	}
	q.bindContext(ctx)
	return q, nil
}

func (c *Client) unwatch(id string) {
	c.mu.Lock()
	_, ok := c.watches[id]
	delete(c.watches, id)
	closed := c.err != nil
	c.mu.Unlock()
	if !ok || closed {
		return
	}
	b, err := json.Marshal(Frame{Type: OpUnwatch, Watch: id})
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	case <-c.done:
	default:
		log.Warn().Str("module", "docstore.client").Str("watch", id).Msg("unwatch dropped, send buffer full")
	}
}

// Watches reports the number of live watches on this connection.
func (c *Client) Watches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watches)
}

// Ping round-trips a ping frame.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, Frame{Type: OpPing})
	return err
}

// WhoAmI returns the identity the server bound to this client's token.
func (c *Client) WhoAmI(ctx context.Context) (domain.Participant, error) {
	r, err := c.call(ctx, Frame{Type: OpWhoAmI})
	if err != nil {
		return domain.Participant{}, err
	}
	if r.User == nil {
		return domain.Participant{}, fmt.Errorf("whoami: %w", core.ErrNoIdentity)
	}
	return *r.User, nil
}

// Rename sets this client's display name on the server.
func (c *Client) Rename(ctx context.Context, name string) (domain.Participant, error) {
	r, err := c.call(ctx, Frame{Type: OpRename, Name: name})
	if err != nil {
		return domain.Participant{}, err
	}
	if r.User == nil {
		return domain.Participant{}, fmt.Errorf("rename: %w", core.ErrNoIdentity)
	}
	return *r.User, nil
}

// Package signal serves the hosted document store over WebSocket. Voice
// clients reach rooms, presence and signaling mailboxes through it.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/voicemesh/internal/adapters/docstore"
	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/app/orch"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/metrics"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const (
	sendBuffer       = 256
	defaultReadLimit = 512 * 1024
	defaultPing      = 54 * time.Second
)

type StoreWSController struct {
	Orch    *orch.Orchestrator
	Limiter *RateLimiter
	Metrics metrics.Collector

	ReadLimit  int64
	PingPeriod time.Duration

	nextConn atomic.Uint64
}

func NewStoreWSController(o *orch.Orchestrator, limiter *RateLimiter, readLimit int64, pingPeriod time.Duration) *StoreWSController {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	if pingPeriod <= 0 {
		pingPeriod = defaultPing
	}
	m := o.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &StoreWSController{
		Orch:       o,
		Limiter:    limiter,
		Metrics:    m,
		ReadLimit:  readLimit,
		PingPeriod: pingPeriod,
	}
}

type wsStoreConn struct {
	id    app.ConnID
	token string
	conn  *websocket.Conn
	send  chan []byte

	mu     sync.RWMutex
	closed bool

	watchMu sync.Mutex
	watches map[string]core.Watch
	wg      conc.WaitGroup
}

func (c *wsStoreConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsStoreConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// closeWatches ends every watch of the connection and waits for their
// forwarders.
func (c *wsStoreConn) closeWatches() int {
	c.watchMu.Lock()
	ws := c.watches
	c.watches = make(map[string]core.Watch)
	c.watchMu.Unlock()
	for _, w := range ws {
		w.Close()
	}
	c.wg.Wait()
	return len(ws)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *StoreWSController) HandleStore(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &wsStoreConn{
		id:      app.ConnID("c" + strconv.FormatUint(ctl.nextConn.Add(1), 10)),
		token:   token,
		conn:    ws,
		send:    make(chan []byte, sendBuffer),
		watches: make(map[string]core.Watch),
	}
	user := ctl.Orch.Registry.GetOrCreateUser(token)
	log.Info().Str("module", "signal").Str("conn", string(conn.id)).Str("user", string(user.ID)).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.Bind(conn.id, token, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}

func (ctl *StoreWSController) sendJSON(c *wsStoreConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); errors.Is(err, ErrBackpressure) {
		ctl.Orch.OnBackpressure(c.id, len(c.send))
	}
}

func (ctl *StoreWSController) reply(c *wsStoreConn, req docstore.Frame, resp docstore.Frame) {
	if req.Req == 0 {
		return
	}
	if resp.Type == "" {
		resp.Type = docstore.TypeResult
	}
	resp.Req = req.Req
	ctl.sendJSON(c, resp)
}

func (ctl *StoreWSController) fail(c *wsStoreConn, req docstore.Frame, code string) {
	ctl.reply(c, req, docstore.Frame{Error: code})
}

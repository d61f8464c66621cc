package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/adapters/docstore"
)

const writeWait = 5 * time.Second

func (ctl *StoreWSController) writePump(ctx context.Context, c *wsStoreConn) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("conn", string(c.id)).Msg("writePump ctx done")
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("writePump write error")
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (ctl *StoreWSController) readPump(ctx context.Context, cancel context.CancelFunc, c *wsStoreConn) {
	defer func() {
		cancel()
		n := c.closeWatches()
		for range n {
			ctl.Metrics.WatchClosed()
		}
		ctl.Orch.Registry.Unbind(c.id)
		c.Close()
		log.Info().Str("module", "signal").Str("conn", string(c.id)).Int("watches", n).Msg("readPump closing")
	}()

	pongWait := ctl.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctl.handleFrame(ctx, c, data)
	}
}

func (ctl *StoreWSController) handleFrame(ctx context.Context, c *wsStoreConn, data []byte) {
	var f docstore.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch f.Type {
	case docstore.OpPing:
		ctl.handlePing(c, f)
	case docstore.OpWhoAmI:
		ctl.handleWhoAmI(c, f)
	case docstore.OpRename:
		ctl.handleRename(c, f)
	case docstore.OpGet:
		ctl.handleGet(ctx, c, f)
	case docstore.OpSet:
		ctl.handleSet(ctx, c, f)
	case docstore.OpAdd:
		ctl.handleAdd(ctx, c, f)
	case docstore.OpDelete:
		ctl.handleDelete(ctx, c, f)
	case docstore.OpList:
		ctl.handleList(ctx, c, f)
	case docstore.OpPurge:
		ctl.handlePurge(ctx, c, f)
	case docstore.OpWatch:
		ctl.handleWatch(ctx, c, f)
	case docstore.OpUnwatch:
		ctl.handleUnwatch(c, f)
	default:
		log.Warn().Str("module", "signal").Str("type", f.Type).Msg("unknown frame")
		ctl.fail(c, f, docstore.CodeUnknownOp)
	}
}

package signal

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/adapters/docstore"
	"github.com/dkeye/voicemesh/internal/app/orch"
	"github.com/dkeye/voicemesh/internal/core"
)

func (ctl *StoreWSController) storeResult(c *wsStoreConn, f docstore.Frame, resp docstore.Frame, err error) {
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) && !errors.Is(err, core.ErrForbidden) {
			log.Error().Err(err).Str("module", "signal").Str("op", f.Type).Str("path", f.Path).Msg("store op failed")
		}
		ctl.fail(c, f, docstore.ErrorCode(err))
		return
	}
	ctl.reply(c, f, resp)
}

// authorize refuses the frame unless the caller may perform w.
func (ctl *StoreWSController) authorize(ctx context.Context, c *wsStoreConn, f docstore.Frame, w orch.Write) bool {
	if err := ctl.Orch.AuthorizeWrite(ctx, c.token, w); err != nil {
		ctl.storeResult(c, f, docstore.Frame{}, err)
		return false
	}
	return true
}

func (ctl *StoreWSController) handleGet(ctx context.Context, c *wsStoreConn, f docstore.Frame) {
	if f.Path == "" || f.ID == "" {
		ctl.fail(c, f, docstore.CodeBadPayload)
		return
	}
	doc, err := ctl.Orch.Store.Get(ctx, f.Path, f.ID)
	ctl.storeResult(c, f, docstore.Frame{Doc: &doc}, err)
}

func (ctl *StoreWSController) handleSet(ctx context.Context, c *wsStoreConn, f docstore.Frame) {
	if f.Path == "" || f.ID == "" {
		ctl.fail(c, f, docstore.CodeBadPayload)
		return
	}
	if !ctl.authorize(ctx, c, f, orch.Write{Op: orch.WriteSet, Path: f.Path, ID: f.ID, Data: f.Data}) {
		return
	}
	doc, err := ctl.Orch.Store.Set(ctx, f.Path, f.ID, f.Data)
	ctl.storeResult(c, f, docstore.Frame{Doc: &doc}, err)
}

func (ctl *StoreWSController) handleAdd(ctx context.Context, c *wsStoreConn, f docstore.Frame) {
	if f.Path == "" {
		ctl.fail(c, f, docstore.CodeBadPayload)
		return
	}
	if !ctl.authorize(ctx, c, f, orch.Write{Op: orch.WriteAdd, Path: f.Path, Data: f.Data}) {
		return
	}
	user := ctl.Orch.Registry.GetOrCreateUser(c.token)
	if !ctl.Limiter.Allow(user.ID) {
		log.Warn().Str("module", "signal").Str("user", string(user.ID)).Str("path", f.Path).Msg("append rate limited")
		ctl.fail(c, f, docstore.CodeRateLimited)
		return
	}
	doc, err := ctl.Orch.Store.Add(ctx, f.Path, f.Data)
	ctl.storeResult(c, f, docstore.Frame{Doc: &doc}, err)
}

func (ctl *StoreWSController) handleDelete(ctx context.Context, c *wsStoreConn, f docstore.Frame) {
	if f.Path == "" || f.ID == "" {
		ctl.fail(c, f, docstore.CodeBadPayload)
		return
	}
	if !ctl.authorize(ctx, c, f, orch.Write{Op: orch.WriteDelete, Path: f.Path, ID: f.ID}) {
		return
	}
	err := ctl.Orch.Store.Delete(ctx, f.Path, f.ID)
	ctl.storeResult(c, f, docstore.Frame{}, err)
}

func (ctl *StoreWSController) handleList(ctx context.Context, c *wsStoreConn, f docstore.Frame) {
	if f.Path == "" {
		ctl.fail(c, f, docstore.CodeBadPayload)
		return
	}
	docs, err := ctl.Orch.Store.List(ctx, f.Path)
	ctl.storeResult(c, f, docstore.Frame{Docs: docs}, err)
}

func (ctl *StoreWSController) handlePurge(ctx context.Context, c *wsStoreConn, f docstore.Frame) {
	if f.Path == "" {
		ctl.fail(c, f, docstore.CodeBadPayload)
		return
	}
	if !ctl.authorize(ctx, c, f, orch.Write{Op: orch.WritePurge, Path: f.Path}) {
		return
	}
	err := ctl.Orch.Store.Purge(ctx, f.Path)
	ctl.storeResult(c, f, docstore.Frame{}, err)
}

// handleWatch opens a store watch bound to the connection and forwards its
// changes tagged with the client's watch id.
func (ctl *StoreWSController) handleWatch(ctx context.Context, c *wsStoreConn, f docstore.Frame) {
	if f.Path == "" || f.Watch == "" {
		ctl.fail(c, f, docstore.CodeBadPayload)
		return
	}
	c.watchMu.Lock()
	_, dup := c.watches[f.Watch]
	c.watchMu.Unlock()
	if dup {
		ctl.fail(c, f, docstore.CodeBadPayload)
		return
	}

	w, err := ctl.Orch.Store.Watch(ctx, f.Path, f.Existing)
	if err != nil {
		ctl.storeResult(c, f, docstore.Frame{}, err)
		return
	}
	c.watchMu.Lock()
	c.watches[f.Watch] = w
	c.watchMu.Unlock()
	ctl.Metrics.WatchOpened()
	ctl.reply(c, f, docstore.Frame{})

	id := f.Watch
	c.wg.Go(func() {
		for ch := range w.Changes() {
			change := ch
			ctl.sendJSON(c, docstore.Frame{Type: docstore.TypeChange, Watch: id, Change: &change})
		}
	})
	log.Debug().Str("module", "signal").Str("conn", string(c.id)).Str("watch", id).Str("path", f.Path).Msg("watch opened")
}

func (ctl *StoreWSController) handleUnwatch(c *wsStoreConn, f docstore.Frame) {
	c.watchMu.Lock()
	w, ok := c.watches[f.Watch]
	delete(c.watches, f.Watch)
	c.watchMu.Unlock()
	if ok {
		w.Close()
		ctl.Metrics.WatchClosed()
	}
	ctl.reply(c, f, docstore.Frame{})
}

package docstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
)

// Memory is a threadsafe in-process DocumentStore.
type Memory struct {
	mu      sync.RWMutex
	seq     uint64
	cols    map[string]map[string]core.Document
	watches map[string]map[*watchQueue]struct{}
	now     func() time.Time
}

type MemoryOption func(*Memory)

// WithClock overrides the timestamp source for stored documents.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		cols:    make(map[string]map[string]core.Document),
		watches: make(map[string]map[*watchQueue]struct{}),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) Get(ctx context.Context, path, id string) (core.Document, error) {
	if err := ctx.Err(); err != nil {
		return core.Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.cols[path][id]
	if !ok {
		return core.Document{}, fmt.Errorf("%s/%s: %w", path, id, core.ErrNotFound)
	}
	return doc, nil
}

func (m *Memory) Set(ctx context.Context, path, id string, data []byte) (core.Document, error) {
	if err := ctx.Err(); err != nil {
		return core.Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(path, id, data), nil
}

func (m *Memory) Add(ctx context.Context, path string, data []byte) (core.Document, error) {
	if err := ctx.Err(); err != nil {
		return core.Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(path, uuid.NewString(), data), nil
}

// put must be called with mu held.
func (m *Memory) put(path, id string, data []byte) core.Document {
	col, ok := m.cols[path]
	if !ok {
		col = make(map[string]core.Document)
		m.cols[path] = col
	}
	kind := core.ChangeAdded
	if _, exists := col[id]; exists {
		kind = core.ChangeModified
	}
	m.seq++
	doc := core.Document{
		ID:        id,
		Seq:       m.seq,
		Data:      slices.Clone(data),
		UpdatedAt: m.now(),
	}
	col[id] = doc
	m.fanout(path, core.Change{Type: kind, Doc: doc})
	return doc
}

// Delete is a no-op for missing documents.
func (m *Memory) Delete(ctx context.Context, path, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.cols[path][id]
	if !ok {
		return nil
	}
	delete(m.cols[path], id)
	m.fanout(path, core.Change{Type: core.ChangeRemoved, Doc: doc})
	return nil
}

func (m *Memory) List(ctx context.Context, path string) ([]core.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sorted(path), nil
}

func (m *Memory) Purge(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.sorted(path)
	delete(m.cols, path)
	for _, d := range docs {
		m.fanout(path, core.Change{Type: core.ChangeRemoved, Doc: d})
	}
	log.Debug().Str("module", "docstore.memory").Str("path", path).Int("docs", len(docs)).Msg("purged")
	return nil
}

func (m *Memory) Watch(ctx context.Context, path string, includeExisting bool) (core.Watch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var q *watchQueue
	q = newWatchQueue(func() { m.unwatch(path, q) })

	m.mu.Lock()
	if includeExisting {
		for _, d := range m.sorted(path) {
			q.push(core.Change{Type: core.ChangeAdded, Doc: d})
		}
	}
	set, ok := m.watches[path]
	if !ok {
		set = make(map[*watchQueue]struct{})
		m.watches[path] = set
	}
	set[q] = struct{}{}
	m.mu.Unlock()

	q.bindContext(ctx)
	return q, nil
}

// Watches reports the number of live watches across all paths.
func (m *Memory) Watches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, set := range m.watches {
		n += len(set)
	}
	return n
}

func (m *Memory) unwatch(path string, q *watchQueue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.watches[path]; ok {
		delete(set, q)
		if len(set) == 0 {
			delete(m.watches, path)
		}
	}
}

// fanout must be called with mu held; push never blocks.
func (m *Memory) fanout(path string, c core.Change) {
	for q := range m.watches[path] {
		q.push(c)
	}
}

func (m *Memory) sorted(path string) []core.Document {
	col := m.cols[path]
	out := make([]core.Document, 0, len(col))
	for _, d := range col {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b core.Document) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return out
}

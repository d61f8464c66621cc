package core

import (
	"context"
	"time"
)

// Document is one stored record. Seq is assigned by the store and grows
// monotonically across the whole store.
type Document struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

type Change struct {
	Type ChangeType `json:"type"`
	Doc  Document   `json:"doc"`
}

// Watch is a live listener on one collection.
// Owned by the caller; the caller must Close() it.
type Watch interface {
	// Changes is closed once the watch ends, after which Err tells why.
	Changes() <-chan Change
	Err() error
	Close()
}

// DocumentStore abstracts the hosted document database.
// Paths name collections ("rooms", "rooms/<id>/signals").
type DocumentStore interface {
	Get(ctx context.Context, path, id string) (Document, error)
	// Set upserts a document under a caller-chosen id.
	Set(ctx context.Context, path, id string, data []byte) (Document, error)
	// Add appends a document under a store-assigned id.
	Add(ctx context.Context, path string, data []byte) (Document, error)
	Delete(ctx context.Context, path, id string) error
	List(ctx context.Context, path string) ([]Document, error)
	// Purge drops a whole collection.
	Purge(ctx context.Context, path string) error
	// Watch delivers changes in store order. With includeExisting the current
	// contents arrive first as ChangeAdded.
	Watch(ctx context.Context, path string, includeExisting bool) (Watch, error)
}

// Package store provides the document-store interface the sync core is
// written against: keyed JSON documents grouped into collections, with
// merge writes, atomic multi-document batches, a server-assigned
// timestamp sentinel, and live snapshot subscriptions. Postgres (with
// Redis fan-out) and an in-memory implementation share the contract.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("document not found")

// Document is one stored record together with its key.
type Document struct {
	Key  string
	Data json.RawMessage
}

// Snapshot is a complete point-in-time listing of a collection. Each
// delivery fully supersedes the previous one; there is no diffing.
type Snapshot struct {
	Docs []Document
}

// DocumentSnapshot is one delivery from a single-document subscription.
type DocumentSnapshot struct {
	Exists bool
	Key    string
	Data   json.RawMessage
}

type Op int

const (
	OpSet Op = iota
	OpMerge
	OpUpdate
	OpDelete
)

// Write is one element of an atomic batch.
type Write struct {
	Op         Op
	Collection string
	Key        string
	Doc        any // ignored for OpDelete
}

type writeConfig struct {
	serverTimestampFields []string
}

type WriteOption func(*writeConfig)

// WithServerTimestamp makes the store assign the named document field
// from its own clock at commit time, like a server-timestamp sentinel.
func WithServerTimestamp(field string) WriteOption {
	return func(c *writeConfig) {
		c.serverTimestampFields = append(c.serverTimestampFields, field)
	}
}

// Store is the full surface the sync core consumes.
type Store interface {
	Get(ctx context.Context, collection, key string) (json.RawMessage, error)
	Set(ctx context.Context, collection, key string, doc any, opts ...WriteOption) error
	// Merge applies a partial update over the known field set, creating
	// the document when absent.
	Merge(ctx context.Context, collection, key string, patch any) error
	// Update is a merge that fails with ErrNotFound on a missing document.
	Update(ctx context.Context, collection, key string, patch any) error
	Delete(ctx context.Context, collection, key string) error
	// Add stores a document under a generated key and returns the key.
	Add(ctx context.Context, collection string, doc any, opts ...WriteOption) (string, error)
	// Apply commits every write or none of them.
	Apply(ctx context.Context, writes []Write) error

	SubscribeCollection(ctx context.Context, collection string) (*CollectionSub, error)
	SubscribeDocument(ctx context.Context, collection, key string) (*DocumentSub, error)
}

// CollectionSub is a cancellable live subscription over one collection.
// Snapshots() yields complete snapshots in arrival order; slow consumers
// only ever see the latest state. Close tears the subscription down
// exactly once; the channel is closed afterwards.
type CollectionSub struct {
	ch        chan Snapshot
	done      chan struct{}
	closeOnce sync.Once
}

func newCollectionSub() *CollectionSub {
	return &CollectionSub{
		ch:   make(chan Snapshot, 1),
		done: make(chan struct{}),
	}
}

func (s *CollectionSub) Snapshots() <-chan Snapshot { return s.ch }

func (s *CollectionSub) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// deliver replaces any undrained snapshot so the consumer always reads
// the most recent state.
func (s *CollectionSub) deliver(snap Snapshot) {
	for {
		select {
		case <-s.done:
			return
		case s.ch <- snap:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

// DocumentSub is the single-document analogue of CollectionSub.
type DocumentSub struct {
	ch        chan DocumentSnapshot
	done      chan struct{}
	closeOnce sync.Once
}

func newDocumentSub() *DocumentSub {
	return &DocumentSub{
		ch:   make(chan DocumentSnapshot, 1),
		done: make(chan struct{}),
	}
}

func (s *DocumentSub) Snapshots() <-chan DocumentSnapshot { return s.ch }

func (s *DocumentSub) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *DocumentSub) deliver(snap DocumentSnapshot) {
	for {
		select {
		case <-s.done:
			return
		case s.ch <- snap:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory implements Store entirely in process. It backs the test suites
// and single-process runs; subscriptions are notified synchronously on
// every committed write.
type Memory struct {
	mu   sync.Mutex
	docs map[string]map[string]json.RawMessage
	subs map[string][]*memorySub

	// Clock overrides the server-timestamp source; nil means time.Now.
	Clock func() time.Time
}

type memorySub struct {
	col  *CollectionSub
	doc  *DocumentSub
	key  string // set for document subscriptions
}

func NewMemory() *Memory {
	return &Memory{
		docs: map[string]map[string]json.RawMessage{},
		subs: map[string][]*memorySub{},
	}
}

func (m *Memory) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now()
}

func (m *Memory) Get(ctx context.Context, collection, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (m *Memory) Set(ctx context.Context, collection, key string, doc any, opts ...WriteOption) error {
	var cfg writeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	data, err := m.encode(doc, cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.put(collection, key, data)
	m.notifyLocked(collection)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Merge(ctx context.Context, collection, key string, patch any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	merged, err := m.mergeLocked(collection, key, patch, false)
	if err != nil {
		return err
	}
	m.put(collection, key, merged)
	m.notifyLocked(collection)
	return nil
}

func (m *Memory) Update(ctx context.Context, collection, key string, patch any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	merged, err := m.mergeLocked(collection, key, patch, true)
	if err != nil {
		return err
	}
	m.put(collection, key, merged)
	m.notifyLocked(collection)
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs[collection], key)
	m.notifyLocked(collection)
	return nil
}

func (m *Memory) Add(ctx context.Context, collection string, doc any, opts ...WriteOption) (string, error) {
	key := uuid.NewString()
	if err := m.Set(ctx, collection, key, doc, opts...); err != nil {
		return "", err
	}
	return key, nil
}

func (m *Memory) Apply(ctx context.Context, writes []Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	type stagedWrite struct {
		collection, key string
		data            json.RawMessage
		del             bool
	}

	// Stage everything first so the batch is all-or-nothing. Later
	// writes in the batch see earlier staged ones, like statements in
	// one transaction.
	type docRef struct{ collection, key string }
	pending := map[docRef]*json.RawMessage{} // nil value marks a staged delete

	current := func(collection, key string) (json.RawMessage, bool) {
		if data, ok := pending[docRef{collection, key}]; ok {
			if data == nil {
				return nil, false
			}
			return *data, true
		}
		data, ok := m.docs[collection][key]
		return data, ok
	}

	staged := make([]stagedWrite, 0, len(writes))
	for _, w := range writes {
		switch w.Op {
		case OpSet:
			data, err := m.encode(w.Doc, writeConfig{})
			if err != nil {
				return err
			}
			staged = append(staged, stagedWrite{w.Collection, w.Key, data, false})
			pending[docRef{w.Collection, w.Key}] = &data
		case OpMerge, OpUpdate:
			existing, ok := current(w.Collection, w.Key)
			merged, err := mergeDocs(existing, ok, w.Doc, w.Op == OpUpdate)
			if err != nil {
				return fmt.Errorf("batch write %s/%s: %w", w.Collection, w.Key, err)
			}
			staged = append(staged, stagedWrite{w.Collection, w.Key, merged, false})
			pending[docRef{w.Collection, w.Key}] = &merged
		case OpDelete:
			staged = append(staged, stagedWrite{w.Collection, w.Key, nil, true})
			pending[docRef{w.Collection, w.Key}] = nil
		default:
			return fmt.Errorf("unknown op %d", w.Op)
		}
	}

	touched := map[string]bool{}
	for _, s := range staged {
		if s.del {
			delete(m.docs[s.collection], s.key)
		} else {
			m.put(s.collection, s.key, s.data)
		}
		touched[s.collection] = true
	}
	for collection := range touched {
		m.notifyLocked(collection)
	}
	return nil
}

func (m *Memory) SubscribeCollection(ctx context.Context, collection string) (*CollectionSub, error) {
	sub := newCollectionSub()
	ms := &memorySub{col: sub}

	m.mu.Lock()
	m.subs[collection] = append(m.subs[collection], ms)
	sub.deliver(m.snapshotLocked(collection))
	m.mu.Unlock()

	go m.reap(ctx, collection, ms)
	return sub, nil
}

func (m *Memory) SubscribeDocument(ctx context.Context, collection, key string) (*DocumentSub, error) {
	sub := newDocumentSub()
	ms := &memorySub{doc: sub, key: key}

	m.mu.Lock()
	m.subs[collection] = append(m.subs[collection], ms)
	sub.deliver(m.docSnapshotLocked(collection, key))
	m.mu.Unlock()

	go m.reap(ctx, collection, ms)
	return sub, nil
}

// reap waits for teardown, deregisters the subscriber and closes its
// channel so consumer range loops end.
func (m *Memory) reap(ctx context.Context, collection string, ms *memorySub) {
	var done chan struct{}
	if ms.col != nil {
		done = ms.col.done
	} else {
		done = ms.doc.done
	}
	select {
	case <-ctx.Done():
		if ms.col != nil {
			ms.col.Close()
		} else {
			ms.doc.Close()
		}
	case <-done:
	}

	m.mu.Lock()
	subs := m.subs[collection]
	for i, s := range subs {
		if s == ms {
			m.subs[collection] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if ms.col != nil {
		close(ms.col.ch)
	} else {
		close(ms.doc.ch)
	}
}

func (m *Memory) put(collection, key string, data json.RawMessage) {
	if m.docs[collection] == nil {
		m.docs[collection] = map[string]json.RawMessage{}
	}
	m.docs[collection][key] = data
}

func (m *Memory) snapshotLocked(collection string) Snapshot {
	var snap Snapshot
	for key, data := range m.docs[collection] {
		snap.Docs = append(snap.Docs, Document{Key: key, Data: data})
	}
	sort.Slice(snap.Docs, func(i, j int) bool { return snap.Docs[i].Key < snap.Docs[j].Key })
	return snap
}

func (m *Memory) docSnapshotLocked(collection, key string) DocumentSnapshot {
	data, ok := m.docs[collection][key]
	return DocumentSnapshot{Exists: ok, Key: key, Data: data}
}

func (m *Memory) notifyLocked(collection string) {
	for _, ms := range m.subs[collection] {
		if ms.col != nil {
			ms.col.deliver(m.snapshotLocked(collection))
		} else {
			ms.doc.deliver(m.docSnapshotLocked(collection, ms.key))
		}
	}
}

func (m *Memory) encode(doc any, cfg writeConfig) (json.RawMessage, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if len(cfg.serverTimestampFields) == 0 {
		return data, nil
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode document for timestamping: %w", err)
	}
	for _, field := range cfg.serverTimestampFields {
		fields[field] = m.now().UTC().Format(time.RFC3339Nano)
	}
	data, err = json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("re-encode document: %w", err)
	}
	return data, nil
}

// mergeLocked overlays the patch's present fields onto the stored
// document, mirroring the JSONB || operator of the Postgres store.
func (m *Memory) mergeLocked(collection, key string, patch any, mustExist bool) (json.RawMessage, error) {
	existing, ok := m.docs[collection][key]
	return mergeDocs(existing, ok, patch, mustExist)
}

func mergeDocs(existing json.RawMessage, exists bool, patch any, mustExist bool) (json.RawMessage, error) {
	patchData, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}

	if !exists {
		if mustExist {
			return nil, ErrNotFound
		}
		return patchData, nil
	}

	var base, overlay map[string]any
	if err := json.Unmarshal(existing, &base); err != nil {
		return nil, fmt.Errorf("decode stored document: %w", err)
	}
	if err := json.Unmarshal(patchData, &overlay); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	for k, v := range overlay {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("encode merged document: %w", err)
	}
	return merged, nil
}

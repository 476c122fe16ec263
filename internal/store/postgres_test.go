package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/privatecircle/messenger/internal/database"
)

type fakeCommandTag struct {
	rows int64
}

func (f fakeCommandTag) RowsAffected() int64 { return f.rows }

type fakeRow struct {
	data []byte
	err  error
}

func (f fakeRow) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	if p, ok := dest[0].(*[]byte); ok {
		*p = f.data
	}
	return nil
}

type fakeRows struct {
	keys [][2]string // key, json data
	pos  int
}

func (f *fakeRows) Close()     {}
func (f *fakeRows) Err() error { return nil }
func (f *fakeRows) Next() bool {
	f.pos++
	return f.pos <= len(f.keys)
}

func (f *fakeRows) Scan(dest ...any) error {
	row := f.keys[f.pos-1]
	*(dest[0].(*string)) = row[0]
	*(dest[1].(*[]byte)) = []byte(row[1])
	return nil
}

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	mu        sync.Mutex
	execs     []execCall
	execErrAt int // 1-based index of the exec call that fails, 0 for none
	rowsAt    map[int]int64
	row       fakeRow
	rows      *fakeRows
	beginErr  error
	tx        *fakeTx
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (database.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	if f.execErrAt == len(f.execs) {
		return nil, errors.New("exec failed")
	}
	rows := int64(1)
	if n, ok := f.rowsAt[len(f.execs)]; ok {
		rows = n
	}
	return fakeCommandTag{rows: rows}, nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (database.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		return &fakeRows{}, nil
	}
	return f.rows, nil
}

func (f *fakeDB) setRows(rows *fakeRows) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = rows
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) database.Row {
	return f.row
}

func (f *fakeDB) Begin(ctx context.Context) (database.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.tx = &fakeTx{db: f}
	return f.tx, nil
}

func (f *fakeDB) calls() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execCall(nil), f.execs...)
}

type fakeTx struct {
	db         *fakeDB
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Exec(ctx context.Context, sql string, args ...any) (database.CommandTag, error) {
	return f.db.Exec(ctx, sql, args...)
}

func (f *fakeTx) Query(ctx context.Context, sql string, args ...any) (database.Rows, error) {
	return f.db.Query(ctx, sql, args...)
}

func (f *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) database.Row {
	return f.db.QueryRow(ctx, sql, args...)
}

func (f *fakeTx) Commit(ctx context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	f.rolledBack = true
	return nil
}

type fakeListener struct {
	events chan struct{}
	once   sync.Once
}

func (f *fakeListener) Events() <-chan struct{} { return f.events }
func (f *fakeListener) Close() error {
	f.once.Do(func() { close(f.events) })
	return nil
}

type fakeBroadcast struct {
	mu        sync.Mutex
	published []string
	listeners map[string]*fakeListener
	subErr    error
}

func newFakeBroadcast() *fakeBroadcast {
	return &fakeBroadcast{listeners: map[string]*fakeListener{}}
}

func (f *fakeBroadcast) Publish(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, channel)
	return nil
}

func (f *fakeBroadcast) Subscribe(channel string) (Listener, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lis := &fakeListener{events: make(chan struct{}, 1)}
	f.listeners[channel] = lis
	return lis, nil
}

func (f *fakeBroadcast) publishedChannels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

func TestPostgresGetMissing(t *testing.T) {
	db := &fakeDB{row: fakeRow{err: pgx.ErrNoRows}}
	p := NewPostgres(db, newFakeBroadcast())

	if _, err := p.Get(context.Background(), "profiles", "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgresGet(t *testing.T) {
	db := &fakeDB{row: fakeRow{data: []byte(`{"name":"ada"}`)}}
	p := NewPostgres(db, newFakeBroadcast())

	data, err := p.Get(context.Background(), "profiles", "u1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if string(data) != `{"name":"ada"}` {
		t.Errorf("Expected raw document, got %s", data)
	}
}

func TestPostgresSetPublishes(t *testing.T) {
	db := &fakeDB{}
	bcast := newFakeBroadcast()
	p := NewPostgres(db, bcast)

	if err := p.Set(context.Background(), "profiles", "u1", map[string]any{"name": "ada"}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	calls := db.calls()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 exec, got %d", len(calls))
	}
	if !strings.Contains(calls[0].sql, "ON CONFLICT (collection, key) DO UPDATE SET data = EXCLUDED.data") {
		t.Errorf("Expected upsert SQL, got %s", calls[0].sql)
	}
	if got := bcast.publishedChannels(); len(got) != 1 || got[0] != "store:profiles" {
		t.Errorf("Expected publish on store:profiles, got %v", got)
	}
}

func TestPostgresSetServerTimestamp(t *testing.T) {
	db := &fakeDB{}
	p := NewPostgres(db, newFakeBroadcast())

	err := p.Set(context.Background(), "messages", "m1", map[string]any{"text": "hi"}, WithServerTimestamp("createdAt"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	calls := db.calls()
	if !strings.Contains(calls[0].sql, "jsonb_set($3::jsonb, '{createdAt}', to_jsonb(now()))") {
		t.Errorf("Expected server timestamp expression, got %s", calls[0].sql)
	}
}

func TestPostgresMergeKeepsExistingFields(t *testing.T) {
	db := &fakeDB{}
	p := NewPostgres(db, newFakeBroadcast())

	if err := p.Merge(context.Background(), "profiles", "u1", map[string]any{"bio": "hi"}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	calls := db.calls()
	if !strings.Contains(calls[0].sql, "data = documents.data || EXCLUDED.data") {
		t.Errorf("Expected JSONB concat on conflict, got %s", calls[0].sql)
	}
}

func TestPostgresUpdateMissing(t *testing.T) {
	db := &fakeDB{rowsAt: map[int]int64{1: 0}}
	bcast := newFakeBroadcast()
	p := NewPostgres(db, bcast)

	err := p.Update(context.Background(), "messages", "m1", map[string]any{"read": true})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if got := bcast.publishedChannels(); len(got) != 0 {
		t.Errorf("Expected no publish on failed update, got %v", got)
	}
}

func TestPostgresApplyCommitsAndPublishesOncePerCollection(t *testing.T) {
	db := &fakeDB{}
	bcast := newFakeBroadcast()
	p := NewPostgres(db, bcast)

	err := p.Apply(context.Background(), []Write{
		{Op: OpUpdate, Collection: "messages", Key: "m1", Doc: map[string]any{"read": true}},
		{Op: OpUpdate, Collection: "messages", Key: "m2", Doc: map[string]any{"read": true}},
		{Op: OpSet, Collection: "profiles", Key: "u1", Doc: map[string]any{"name": "ada"}},
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if db.tx == nil || !db.tx.committed {
		t.Fatal("Expected committed transaction")
	}
	got := bcast.publishedChannels()
	if len(got) != 2 || got[0] != "store:messages" || got[1] != "store:profiles" {
		t.Errorf("Expected one publish per collection, got %v", got)
	}
}

func TestPostgresApplyRollsBackOnError(t *testing.T) {
	db := &fakeDB{execErrAt: 2}
	bcast := newFakeBroadcast()
	p := NewPostgres(db, bcast)

	err := p.Apply(context.Background(), []Write{
		{Op: OpSet, Collection: "messages", Key: "m1", Doc: map[string]any{"text": "hi"}},
		{Op: OpSet, Collection: "messages", Key: "m2", Doc: map[string]any{"text": "yo"}},
	})
	if err == nil {
		t.Fatal("Expected error")
	}
	if !db.tx.rolledBack {
		t.Error("Expected rollback")
	}
	if db.tx.committed {
		t.Error("Expected no commit")
	}
	if got := bcast.publishedChannels(); len(got) != 0 {
		t.Errorf("Expected no publishes after rollback, got %v", got)
	}
}

func TestPostgresApplyEmptyBatch(t *testing.T) {
	db := &fakeDB{beginErr: errors.New("should not begin")}
	p := NewPostgres(db, newFakeBroadcast())

	if err := p.Apply(context.Background(), nil); err != nil {
		t.Errorf("Expected empty batch to be a no-op, got %v", err)
	}
}

func TestPostgresSubscribeCollection(t *testing.T) {
	db := &fakeDB{rows: &fakeRows{keys: [][2]string{{"u1", `{"name":"ada"}`}}}}
	bcast := newFakeBroadcast()
	p := NewPostgres(db, bcast)

	sub, err := p.SubscribeCollection(context.Background(), "friends")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer sub.Close()

	select {
	case snap := <-sub.Snapshots():
		if len(snap.Docs) != 1 || snap.Docs[0].Key != "u1" {
			t.Fatalf("Expected initial snapshot with u1, got %+v", snap)
		}
		var doc map[string]any
		if err := json.Unmarshal(snap.Docs[0].Data, &doc); err != nil {
			t.Fatalf("Expected valid JSON, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected initial snapshot")
	}

	// A broadcast event triggers a fresh query and delivery.
	db.setRows(&fakeRows{keys: [][2]string{{"u1", `{"name":"ada"}`}, {"u2", `{"name":"bo"}`}}})
	bcast.listeners["store:friends"].events <- struct{}{}

	select {
	case snap := <-sub.Snapshots():
		if len(snap.Docs) != 2 {
			t.Errorf("Expected refreshed snapshot with 2 docs, got %d", len(snap.Docs))
		}
	case <-time.After(time.Second):
		t.Fatal("Expected snapshot after broadcast event")
	}
}

func TestPostgresSubscribeDocument(t *testing.T) {
	db := &fakeDB{row: fakeRow{err: pgx.ErrNoRows}}
	bcast := newFakeBroadcast()
	p := NewPostgres(db, bcast)

	sub, err := p.SubscribeDocument(context.Background(), "profiles", "u1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer sub.Close()

	select {
	case snap := <-sub.Snapshots():
		if snap.Exists {
			t.Error("Expected missing document in initial snapshot")
		}
		if snap.Key != "u1" {
			t.Errorf("Expected key u1, got %s", snap.Key)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected initial snapshot")
	}
}

func TestPostgresSubscribeError(t *testing.T) {
	bcast := newFakeBroadcast()
	bcast.subErr = errors.New("redis down")
	p := NewPostgres(&fakeDB{}, bcast)

	if _, err := p.SubscribeCollection(context.Background(), "friends"); err == nil {
		t.Error("Expected error")
	}
}

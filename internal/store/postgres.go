package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/privatecircle/messenger/internal/database"
	"github.com/privatecircle/messenger/internal/logging"
)

// Postgres keeps every document as one JSONB row and notifies
// subscriptions through a Broadcast after each committed write.
type Postgres struct {
	db    database.DB
	bcast Broadcast
}

func NewPostgres(db database.DB, bcast Broadcast) *Postgres {
	return &Postgres{db: db, bcast: bcast}
}

func channelFor(collection string) string {
	return "store:" + collection
}

// dataExpr wraps the document placeholder in jsonb_set calls so
// server-timestamp fields are assigned from the database clock at commit
// time. Field names come from compile-time constants, never user input.
func dataExpr(placeholder string, cfg writeConfig) string {
	expr := placeholder + "::jsonb"
	for _, field := range cfg.serverTimestampFields {
		expr = fmt.Sprintf("jsonb_set(%s, '{%s}', to_jsonb(now()))", expr, field)
	}
	return expr
}

func (p *Postgres) Get(ctx context.Context, collection, key string) (json.RawMessage, error) {
	var data []byte
	err := p.db.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND key = $2`,
		collection, key,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return json.RawMessage(data), nil
}

func (p *Postgres) Set(ctx context.Context, collection, key string, doc any, opts ...WriteOption) error {
	var cfg writeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := p.exec(ctx, p.db, setSQL(cfg), collection, key, doc); err != nil {
		return err
	}
	p.publish(ctx, collection)
	return nil
}

func (p *Postgres) Merge(ctx context.Context, collection, key string, patch any) error {
	if err := p.exec(ctx, p.db, mergeSQL(), collection, key, patch); err != nil {
		return err
	}
	p.publish(ctx, collection)
	return nil
}

func (p *Postgres) Update(ctx context.Context, collection, key string, patch any) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}
	tag, err := p.db.Exec(ctx, updateSQL(), collection, key, data)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	p.publish(ctx, collection)
	return nil
}

func (p *Postgres) Delete(ctx context.Context, collection, key string) error {
	if _, err := p.db.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND key = $2`,
		collection, key,
	); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	p.publish(ctx, collection)
	return nil
}

func (p *Postgres) Add(ctx context.Context, collection string, doc any, opts ...WriteOption) (string, error) {
	key := uuid.NewString()
	if err := p.Set(ctx, collection, key, doc, opts...); err != nil {
		return "", err
	}
	return key, nil
}

// Apply commits the batch in a single transaction, then wakes each
// affected collection once.
func (p *Postgres) Apply(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, w := range writes {
		switch w.Op {
		case OpSet:
			err = p.exec(ctx, tx, setSQL(writeConfig{}), w.Collection, w.Key, w.Doc)
		case OpMerge:
			err = p.exec(ctx, tx, mergeSQL(), w.Collection, w.Key, w.Doc)
		case OpUpdate:
			var data []byte
			data, err = json.Marshal(w.Doc)
			if err != nil {
				return fmt.Errorf("encode patch: %w", err)
			}
			var tag database.CommandTag
			tag, err = tx.Exec(ctx, updateSQL(), w.Collection, w.Key, data)
			if err == nil && tag.RowsAffected() == 0 {
				err = ErrNotFound
			}
		case OpDelete:
			_, err = tx.Exec(ctx,
				`DELETE FROM documents WHERE collection = $1 AND key = $2`,
				w.Collection, w.Key,
			)
		default:
			err = fmt.Errorf("unknown op %d", w.Op)
		}
		if err != nil {
			return fmt.Errorf("batch write %s/%s: %w", w.Collection, w.Key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	committed = true

	seen := map[string]bool{}
	for _, w := range writes {
		if !seen[w.Collection] {
			seen[w.Collection] = true
			p.publish(ctx, w.Collection)
		}
	}
	return nil
}

func (p *Postgres) SubscribeCollection(ctx context.Context, collection string) (*CollectionSub, error) {
	lis, err := p.bcast.Subscribe(channelFor(collection))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	sub := newCollectionSub()
	go func() {
		defer close(sub.ch)
		defer func() { _ = lis.Close() }()

		if snap, err := p.queryCollection(ctx, collection); err != nil {
			logging.Error("Initial snapshot query failed", map[string]interface{}{
				"collection": collection,
				"error":      err.Error(),
			})
		} else {
			sub.deliver(snap)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case _, ok := <-lis.Events():
				if !ok {
					return
				}
				snap, err := p.queryCollection(ctx, collection)
				if err != nil {
					// Subscription stays up; the next event retries.
					logging.Error("Snapshot query failed", map[string]interface{}{
						"collection": collection,
						"error":      err.Error(),
					})
					continue
				}
				sub.deliver(snap)
			}
		}
	}()
	return sub, nil
}

func (p *Postgres) SubscribeDocument(ctx context.Context, collection, key string) (*DocumentSub, error) {
	lis, err := p.bcast.Subscribe(channelFor(collection))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s/%s: %w", collection, key, err)
	}

	sub := newDocumentSub()
	deliver := func() {
		data, err := p.Get(ctx, collection, key)
		switch {
		case errors.Is(err, ErrNotFound):
			sub.deliver(DocumentSnapshot{Key: key})
		case err != nil:
			logging.Error("Document snapshot query failed", map[string]interface{}{
				"collection": collection,
				"key":        key,
				"error":      err.Error(),
			})
		default:
			sub.deliver(DocumentSnapshot{Exists: true, Key: key, Data: data})
		}
	}

	go func() {
		defer close(sub.ch)
		defer func() { _ = lis.Close() }()

		deliver()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case _, ok := <-lis.Events():
				if !ok {
					return
				}
				deliver()
			}
		}
	}()
	return sub, nil
}

func (p *Postgres) queryCollection(ctx context.Context, collection string) (Snapshot, error) {
	rows, err := p.db.Query(ctx,
		`SELECT key, data FROM documents WHERE collection = $1 ORDER BY key`,
		collection,
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query collection: %w", err)
	}
	defer rows.Close()

	var snap Snapshot
	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return Snapshot{}, fmt.Errorf("scan document: %w", err)
		}
		snap.Docs = append(snap.Docs, Document{Key: key, Data: json.RawMessage(data)})
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate collection: %w", err)
	}
	return snap, nil
}

func (p *Postgres) exec(ctx context.Context, conn database.Conn, sql, collection, key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if _, err := conn.Exec(ctx, sql, collection, key, data); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}

func (p *Postgres) publish(ctx context.Context, collection string) {
	if err := p.bcast.Publish(ctx, channelFor(collection)); err != nil {
		logging.Warn("Change notification failed", map[string]interface{}{
			"collection": collection,
			"error":      err.Error(),
		})
	}
}

func setSQL(cfg writeConfig) string {
	return fmt.Sprintf(
		`INSERT INTO documents (collection, key, data) VALUES ($1, $2, %s)
		 ON CONFLICT (collection, key) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		dataExpr("$3", cfg),
	)
}

func mergeSQL() string {
	return `INSERT INTO documents (collection, key, data) VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (collection, key) DO UPDATE SET data = documents.data || EXCLUDED.data, updated_at = now()`
}

func updateSQL() string {
	return `UPDATE documents SET data = data || $3::jsonb, updated_at = now() WHERE collection = $1 AND key = $2`
}

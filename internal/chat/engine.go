// Package chat implements the message-lifecycle state machine for one
// active conversation: ordering, send/edit/delete, and read-receipt
// marking.
package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/privatecircle/messenger/internal/imaging"
	"github.com/privatecircle/messenger/internal/logging"
	"github.com/privatecircle/messenger/internal/models"
	"github.com/privatecircle/messenger/internal/store"
)

// ConversationKey derives the shared identifier for the two
// participants: their ids sorted lexicographically and joined. Both
// sides compute the same key with no coordination.
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

func conversationCollection(ns, key string) string {
	return fmt.Sprintf("%s/messages_%s", ns, key)
}

// Options bound chat image re-encoding.
type Options struct {
	Namespace     string
	ImageMaxWidth int
	ImageQuality  int
}

// Draft is the local composition state, cleared as soon as a send is
// issued.
type Draft struct {
	Text            string
	Image           []byte
	EmojiPickerOpen bool
}

// Engine synchronizes one active conversation at a time. Deliveries
// from the store fully supersede the local message list; local sends
// appear as a pending projection until the next delivery.
type Engine struct {
	store store.Store
	opts  Options
	now   func() time.Time

	mu         sync.Mutex
	self       *models.User
	peer       string
	collection string
	messages   []models.Message
	pending    []models.Message
	draft      Draft
	editing    string
	onMessages []func([]models.Message)
	cancel     context.CancelFunc
}

func NewEngine(st store.Store, opts Options) *Engine {
	return &Engine{store: st, opts: opts, now: time.Now}
}

// OnMessages registers a listener for the merged message view.
func (e *Engine) OnMessages(fn func([]models.Message)) {
	e.mu.Lock()
	e.onMessages = append(e.onMessages, fn)
	e.mu.Unlock()
}

// Open switches the engine to the conversation with peer, tearing down
// the previous subscription first.
func (e *Engine) Open(ctx context.Context, self *models.User, peerUID string) error {
	e.Close()

	collection := conversationCollection(e.opts.Namespace, ConversationKey(self.UID, peerUID))

	subCtx, cancel := context.WithCancel(ctx)
	sub, err := e.store.SubscribeCollection(subCtx, collection)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribing conversation: %w", err)
	}

	e.mu.Lock()
	e.self = self
	e.peer = peerUID
	e.collection = collection
	e.cancel = cancel
	e.mu.Unlock()

	go e.consume(subCtx, collection, self.UID, sub)
	return nil
}

// Close tears down the active conversation and clears all local state,
// draft included.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.self = nil
	e.peer = ""
	e.collection = ""
	e.messages = nil
	e.pending = nil
	e.draft = Draft{}
	e.editing = ""
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Messages returns the ordered view: authoritative messages followed by
// the pending local projection.
func (e *Engine) Messages() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Message, 0, len(e.messages)+len(e.pending))
	out = append(out, e.messages...)
	out = append(out, e.pending...)
	return out
}

func (e *Engine) Draft() Draft {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.draft
	d.Image = append([]byte(nil), e.draft.Image...)
	return d
}

func (e *Engine) SetDraftText(text string) {
	e.mu.Lock()
	e.draft.Text = text
	e.mu.Unlock()
}

func (e *Engine) AttachImage(image []byte) {
	e.mu.Lock()
	e.draft.Image = append([]byte(nil), image...)
	e.mu.Unlock()
}

func (e *Engine) ToggleEmojiPicker() {
	e.mu.Lock()
	e.draft.EmojiPickerOpen = !e.draft.EmojiPickerOpen
	e.mu.Unlock()
}

// AppendToDraft adds picked emoji or pasted text to the draft.
func (e *Engine) AppendToDraft(s string) {
	e.mu.Lock()
	e.draft.Text += s
	e.mu.Unlock()
}

// BeginEdit copies the message text into the draft and remembers the
// id, so the next Send updates in place. Only the sender's own
// messages are editable. Editing is text-only, so any attachment on
// the draft is dropped.
func (e *Engine) BeginEdit(messageID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.self == nil {
		return false
	}
	for _, msg := range e.messages {
		if msg.ID == messageID && msg.SenderID == e.self.UID {
			e.draft.Text = msg.Text
			e.draft.Image = nil
			e.editing = messageID
			return true
		}
	}
	return false
}

func (e *Engine) CancelEdit() {
	e.mu.Lock()
	e.draft.Text = ""
	e.editing = ""
	e.mu.Unlock()
}

// Send issues the draft. Empty drafts (no trimmed text, no image) are a
// silent no-op. In edit mode the remembered message is updated in
// place; otherwise a new message is appended with a server-assigned
// creation time. The draft is cleared as soon as the write is issued.
func (e *Engine) Send(ctx context.Context) error {
	e.mu.Lock()
	if e.self == nil {
		e.mu.Unlock()
		return nil
	}
	text := strings.TrimSpace(e.draft.Text)
	image := e.draft.Image
	editing := e.editing
	collection := e.collection
	selfUID := e.self.UID

	if text == "" && len(image) == 0 {
		e.mu.Unlock()
		return nil
	}

	// Draft state clears immediately; the authoritative message shows
	// up on the next snapshot delivery.
	e.draft = Draft{}
	e.editing = ""

	if editing != "" {
		e.mu.Unlock()
		if err := e.store.Update(ctx, collection, editing, map[string]any{
			"text":   text,
			"edited": true,
		}); err != nil {
			return fmt.Errorf("editing message: %w", err)
		}
		return nil
	}

	msg := models.Message{
		SenderID:  selfUID,
		Text:      text,
		Timestamp: e.now().Format("15:04"),
	}
	if len(image) > 0 {
		compressed := imaging.Compress(image, e.opts.ImageMaxWidth, e.opts.ImageQuality)
		msg.Image = "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(compressed)
	}
	e.pending = append(e.pending, msg)
	e.mu.Unlock()

	if _, err := e.store.Add(ctx, collection, msg, store.WithServerTimestamp("createdAt")); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// Delete removes a message outright. No tombstone; it disappears from
// both participants' next snapshot. Only the sender's own messages.
func (e *Engine) Delete(ctx context.Context, messageID string) error {
	e.mu.Lock()
	collection := e.collection
	selfUID := ""
	if e.self != nil {
		selfUID = e.self.UID
	}
	var own bool
	for _, msg := range e.messages {
		if msg.ID == messageID {
			own = msg.SenderID == selfUID
			break
		}
	}
	e.mu.Unlock()

	if !own {
		return nil
	}
	if err := e.store.Delete(ctx, collection, messageID); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	return nil
}

func (e *Engine) consume(ctx context.Context, collection, selfUID string, sub *store.CollectionSub) {
	defer sub.Close()
	for snap := range sub.Snapshots() {
		messages := make([]models.Message, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			var msg models.Message
			if err := json.Unmarshal(doc.Data, &msg); err != nil {
				logging.Warn("Undecodable message", map[string]interface{}{
					"key":   doc.Key,
					"error": err.Error(),
				})
				continue
			}
			msg.ID = doc.Key
			messages = append(messages, msg)
		}
		sortMessages(messages)

		e.mu.Lock()
		if e.collection != collection {
			e.mu.Unlock()
			return
		}
		e.messages = messages
		// The authoritative snapshot supersedes the optimistic
		// projection.
		e.pending = nil
		listeners := append([]func([]models.Message){}, e.onMessages...)
		e.mu.Unlock()

		e.markRead(ctx, collection, selfUID, messages)
		for _, fn := range listeners {
			fn(messages)
		}
	}
}

// sortMessages re-sorts the whole snapshot by creation time. Arrival
// order is not trusted; messages whose server timestamp has not
// resolved yet sort first and fall into place on a later delivery.
func sortMessages(messages []models.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		a, b := messages[i].CreatedAt, messages[j].CreatedAt
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
}

// markRead flags every unread peer message in one atomic batch. The
// scan is idempotent: once the flags are true it finds nothing. A
// failed batch is logged only; the next delivery that still sees
// unread messages retries naturally.
func (e *Engine) markRead(ctx context.Context, collection, selfUID string, messages []models.Message) {
	var writes []store.Write
	for _, msg := range messages {
		if msg.SenderID == selfUID || msg.Read {
			continue
		}
		writes = append(writes, store.Write{
			Op:         store.OpUpdate,
			Collection: collection,
			Key:        msg.ID,
			Doc:        map[string]any{"read": true},
		})
	}
	if len(writes) == 0 {
		return
	}
	if err := e.store.Apply(ctx, writes); err != nil {
		logging.Warn("Read receipt batch failed", map[string]interface{}{
			"collection": collection,
			"count":      len(writes),
			"error":      err.Error(),
		})
	}
}

package social

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/privatecircle/messenger/internal/logging"
	"github.com/privatecircle/messenger/internal/models"
	"github.com/privatecircle/messenger/internal/store"
)

// ProfileSync follows the active conversation partner's public profile
// so their displayed fields stay fresh. Exactly one document
// subscription is alive at a time, scoped to the active target; it is
// torn down the moment the target changes or clears.
type ProfileSync struct {
	store store.Store
	ns    string
	graph *Graph

	mu       sync.Mutex
	active   string
	current  *models.Profile
	onUpdate []func(models.Profile)
	cancel   context.CancelFunc
}

func NewProfileSync(st store.Store, namespace string, graph *Graph) *ProfileSync {
	return &ProfileSync{store: st, ns: namespace, graph: graph}
}

// OnUpdate registers a listener for fresh profile fields of the active
// partner, e.g. the conversation header.
func (p *ProfileSync) OnUpdate(fn func(models.Profile)) {
	p.mu.Lock()
	p.onUpdate = append(p.onUpdate, fn)
	p.mu.Unlock()
}

// Active returns the last delivered profile of the active partner.
func (p *ProfileSync) Active() *models.Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	cp := *p.current
	return &cp
}

// SetActive switches the watched partner. An empty uid only tears the
// previous subscription down.
func (p *ProfileSync) SetActive(ctx context.Context, uid string) error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.active = uid
	p.current = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if uid == "" {
		return nil
	}

	subCtx, cancelNew := context.WithCancel(ctx)
	sub, err := p.store.SubscribeDocument(subCtx, models.PublicProfilesCollection(p.ns), uid)
	if err != nil {
		cancelNew()
		return err
	}

	p.mu.Lock()
	// The target may have changed again while subscribing.
	if p.active != uid {
		p.mu.Unlock()
		cancelNew()
		sub.Close()
		return nil
	}
	p.cancel = cancelNew
	p.mu.Unlock()

	go p.consume(uid, sub)
	return nil
}

func (p *ProfileSync) consume(uid string, sub *store.DocumentSub) {
	defer sub.Close()
	for snap := range sub.Snapshots() {
		if !snap.Exists {
			continue
		}
		var profile models.Profile
		if err := json.Unmarshal(snap.Data, &profile); err != nil {
			logging.Warn("Undecodable partner profile", map[string]interface{}{
				"uid":   uid,
				"error": err.Error(),
			})
			continue
		}
		if profile.ID == "" {
			profile.ID = uid
		}

		p.mu.Lock()
		if p.active != uid {
			p.mu.Unlock()
			return
		}
		p.current = &profile
		listeners := append([]func(models.Profile){}, p.onUpdate...)
		p.mu.Unlock()

		// Keep the cached friends entry fresh too.
		if p.graph != nil {
			p.graph.RefreshFriend(profile)
		}
		for _, fn := range listeners {
			fn(profile)
		}
	}
}

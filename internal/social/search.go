package social

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/privatecircle/messenger/internal/logging"
	"github.com/privatecircle/messenger/internal/models"
	"github.com/privatecircle/messenger/internal/store"
)

// Search maintains a live, filtered view of the public profile
// directory. At most one subscription is active; an empty query tears
// it down and clears the results. Filtering is in memory over the full
// collection, acceptable at the assumed social-graph scale.
type Search struct {
	store store.Store
	ns    string

	mu        sync.Mutex
	selfUID   string
	query     string
	profiles  []models.Profile // latest full snapshot
	results   []models.Profile
	onResults []func([]models.Profile)
	cancel    context.CancelFunc
}

func NewSearch(st store.Store, namespace string) *Search {
	return &Search{store: st, ns: namespace}
}

func (s *Search) OnResults(fn func([]models.Profile)) {
	s.mu.Lock()
	s.onResults = append(s.onResults, fn)
	s.mu.Unlock()
}

func (s *Search) Results() []models.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Profile(nil), s.results...)
}

// SetQuery updates the active query. The first non-empty query opens
// the directory subscription; an empty query closes it.
func (s *Search) SetQuery(ctx context.Context, selfUID, query string) error {
	if query == "" {
		s.Clear()
		return nil
	}

	s.mu.Lock()
	s.selfUID = selfUID
	s.query = query
	active := s.cancel != nil
	s.mu.Unlock()

	if active {
		// Refilter the cached snapshot immediately for the new query.
		s.refilter()
		return nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub, err := s.store.SubscribeCollection(subCtx, models.PublicProfilesCollection(s.ns))
	if err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go s.consume(sub)
	return nil
}

// Clear drops the results and tears down the subscription.
func (s *Search) Clear() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.query = ""
	s.profiles = nil
	s.results = nil
	listeners := append([]func([]models.Profile){}, s.onResults...)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, fn := range listeners {
		fn(nil)
	}
}

func (s *Search) consume(sub *store.CollectionSub) {
	defer sub.Close()
	for snap := range sub.Snapshots() {
		profiles := make([]models.Profile, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			var p models.Profile
			if err := json.Unmarshal(doc.Data, &p); err != nil {
				logging.Warn("Undecodable public profile", map[string]interface{}{
					"key":   doc.Key,
					"error": err.Error(),
				})
				continue
			}
			if p.ID == "" {
				p.ID = doc.Key
			}
			profiles = append(profiles, p)
		}

		s.mu.Lock()
		s.profiles = profiles
		s.mu.Unlock()
		s.refilter()
	}
}

func (s *Search) refilter() {
	s.mu.Lock()
	query := strings.ToLower(s.query)
	var results []models.Profile
	if query != "" {
		for _, p := range s.profiles {
			if p.ID == s.selfUID {
				continue
			}
			if strings.Contains(strings.ToLower(p.Name), query) ||
				strings.Contains(strings.ToLower(p.Handle), query) {
				results = append(results, p)
			}
		}
	}
	s.results = results
	listeners := append([]func([]models.Profile){}, s.onResults...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(results)
	}
}

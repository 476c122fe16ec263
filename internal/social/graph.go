// Package social keeps the friends and inbound-request lists in sync
// with the store and implements the request/accept transition.
package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/privatecircle/messenger/internal/logging"
	"github.com/privatecircle/messenger/internal/models"
	"github.com/privatecircle/messenger/internal/store"
)

var ErrRequestNotFound = errors.New("friend request not found")

// Notifier is the optional out-of-band notification seam. Failures are
// handled by the implementation; graph operations never depend on it.
type Notifier interface {
	FriendRequestReceived(ctx context.Context, targetUID string, from models.Profile)
	FriendRequestAccepted(ctx context.Context, requesterUID string, by models.Profile)
}

// Graph owns the two live subscriptions over the signed-in user's own
// subtree: friends and inbound requests. Every delivery fully replaces
// the corresponding list.
type Graph struct {
	store store.Store
	ns    string

	mu         sync.Mutex
	self       *models.User
	friends    []models.FriendEdge
	requests   []models.FriendRequest
	onFriends  []func([]models.FriendEdge)
	onRequests []func([]models.FriendRequest)
	notifier   Notifier
	cancel     context.CancelFunc
}

func NewGraph(st store.Store, namespace string) *Graph {
	return &Graph{store: st, ns: namespace}
}

// SetNotifier installs the notification seam. Optional.
func (g *Graph) SetNotifier(n Notifier) {
	g.mu.Lock()
	g.notifier = n
	g.mu.Unlock()
}

func (g *Graph) OnFriends(fn func([]models.FriendEdge)) {
	g.mu.Lock()
	g.onFriends = append(g.onFriends, fn)
	g.mu.Unlock()
}

func (g *Graph) OnRequests(fn func([]models.FriendRequest)) {
	g.mu.Lock()
	g.onRequests = append(g.onRequests, fn)
	g.mu.Unlock()
}

// Start begins syncing for the signed-in user, tearing down any
// previous session's subscriptions first. Called again with a refreshed
// record for the same user it swaps the record and keeps the live
// subscriptions.
func (g *Graph) Start(ctx context.Context, user *models.User) error {
	g.mu.Lock()
	if g.cancel != nil && g.self != nil && g.self.UID == user.UID {
		g.self = user
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	g.Stop()

	subCtx, cancel := context.WithCancel(ctx)

	friendsSub, err := g.store.SubscribeCollection(subCtx, models.FriendsCollection(g.ns, user.UID))
	if err != nil {
		cancel()
		return fmt.Errorf("subscribing friends: %w", err)
	}
	requestsSub, err := g.store.SubscribeCollection(subCtx, models.RequestsCollection(g.ns, user.UID))
	if err != nil {
		friendsSub.Close()
		cancel()
		return fmt.Errorf("subscribing requests: %w", err)
	}

	g.mu.Lock()
	g.self = user
	g.cancel = cancel
	g.mu.Unlock()

	go g.consumeFriends(friendsSub)
	go g.consumeRequests(requestsSub)
	return nil
}

// Stop tears down the subscriptions and clears both lists.
func (g *Graph) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	g.cancel = nil
	g.self = nil
	g.friends = nil
	g.requests = nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (g *Graph) Friends() []models.FriendEdge {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.FriendEdge(nil), g.friends...)
}

func (g *Graph) Requests() []models.FriendRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.FriendRequest(nil), g.requests...)
}

// SendRequest writes a pending request into the target's subtree keyed
// by the sender's id. Sending twice overwrites the same document.
func (g *Graph) SendRequest(ctx context.Context, targetUID string) error {
	g.mu.Lock()
	self := g.self
	notifier := g.notifier
	g.mu.Unlock()
	if self == nil {
		return errors.New("not signed in")
	}

	p := self.Profile
	req := models.FriendRequest{
		From:   self.UID,
		Name:   p.Name,
		Handle: p.Handle,
		Avatar: p.Avatar,
		Filter: p.Filter,
		Color:  p.Color,
		Status: models.RequestStatusPending,
	}
	if err := g.store.Set(ctx, models.RequestsCollection(g.ns, targetUID), self.UID, req); err != nil {
		return fmt.Errorf("sending friend request: %w", err)
	}

	if notifier != nil {
		notifier.FriendRequestReceived(ctx, targetUID, p)
	}
	return nil
}

// AcceptRequest runs the three-step accept sequence: an edge in the
// acceptor's subtree from the cached requester fields, an edge in the
// requester's subtree from the acceptor's current profile, then the
// request delete. The steps are not transactional; an interruption can
// leave the request pending with one edge already written.
func (g *Graph) AcceptRequest(ctx context.Context, requesterUID string) error {
	g.mu.Lock()
	self := g.self
	notifier := g.notifier
	var req *models.FriendRequest
	for i := range g.requests {
		if g.requests[i].From == requesterUID {
			req = &g.requests[i]
			break
		}
	}
	g.mu.Unlock()

	if self == nil {
		return errors.New("not signed in")
	}
	if req == nil {
		return ErrRequestNotFound
	}

	requesterEdge := models.FriendEdge{
		UID:    req.From,
		Name:   req.Name,
		Handle: req.Handle,
		Avatar: req.Avatar,
		Filter: req.Filter,
		Color:  req.Color,
	}
	if err := g.store.Set(ctx, models.FriendsCollection(g.ns, self.UID), req.From, requesterEdge); err != nil {
		return fmt.Errorf("writing own friend edge: %w", err)
	}
	if err := g.store.Set(ctx, models.FriendsCollection(g.ns, req.From), self.UID, models.EdgeFor(self.Profile)); err != nil {
		return fmt.Errorf("writing peer friend edge: %w", err)
	}
	if err := g.store.Delete(ctx, models.RequestsCollection(g.ns, self.UID), req.From); err != nil {
		return fmt.Errorf("deleting accepted request: %w", err)
	}

	if notifier != nil {
		notifier.FriendRequestAccepted(ctx, requesterUID, self.Profile)
	}
	return nil
}

// RefreshFriend merges fresh profile fields into the cached friends
// entry for that peer, if present. Called by profile live-sync.
func (g *Graph) RefreshFriend(p models.Profile) {
	g.mu.Lock()
	var updated []models.FriendEdge
	for i := range g.friends {
		if g.friends[i].UID == p.ID {
			g.friends[i].Name = p.Name
			g.friends[i].Handle = p.Handle
			g.friends[i].Avatar = p.Avatar
			g.friends[i].Filter = p.Filter
			g.friends[i].Color = p.Color
			updated = append([]models.FriendEdge(nil), g.friends...)
			break
		}
	}
	listeners := append([]func([]models.FriendEdge){}, g.onFriends...)
	g.mu.Unlock()

	if updated != nil {
		for _, fn := range listeners {
			fn(updated)
		}
	}
}

func (g *Graph) consumeFriends(sub *store.CollectionSub) {
	defer sub.Close()
	for snap := range sub.Snapshots() {
		friends := make([]models.FriendEdge, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			var edge models.FriendEdge
			if err := json.Unmarshal(doc.Data, &edge); err != nil {
				logging.Warn("Undecodable friend edge", map[string]interface{}{
					"key":   doc.Key,
					"error": err.Error(),
				})
				continue
			}
			friends = append(friends, edge)
		}

		g.mu.Lock()
		g.friends = friends
		listeners := append([]func([]models.FriendEdge){}, g.onFriends...)
		g.mu.Unlock()
		for _, fn := range listeners {
			fn(friends)
		}
	}
}

func (g *Graph) consumeRequests(sub *store.CollectionSub) {
	defer sub.Close()
	for snap := range sub.Snapshots() {
		requests := make([]models.FriendRequest, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			var req models.FriendRequest
			if err := json.Unmarshal(doc.Data, &req); err != nil {
				logging.Warn("Undecodable friend request", map[string]interface{}{
					"key":   doc.Key,
					"error": err.Error(),
				})
				continue
			}
			requests = append(requests, req)
		}

		g.mu.Lock()
		g.requests = requests
		listeners := append([]func([]models.FriendRequest){}, g.onRequests...)
		g.mu.Unlock()
		for _, fn := range listeners {
			fn(requests)
		}
	}
}

// Package session owns the authenticated user record: the identity
// issued by the provider merged with the private and public profile
// copies.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/privatecircle/messenger/internal/identity"
	"github.com/privatecircle/messenger/internal/imaging"
	"github.com/privatecircle/messenger/internal/logging"
	"github.com/privatecircle/messenger/internal/models"
	"github.com/privatecircle/messenger/internal/store"
)

// State is the session lifecycle position.
type State int

const (
	StateSignedOut State = iota
	StateAuthenticating
	StateSignedIn
)

func (s State) String() string {
	switch s {
	case StateSignedOut:
		return "signed_out"
	case StateAuthenticating:
		return "authenticating"
	case StateSignedIn:
		return "signed_in"
	}
	return "unknown"
}

// ValidationError rejects input before any remote call is made.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Options bound the avatar re-encoding.
type Options struct {
	Namespace      string
	AvatarMaxWidth int
	AvatarQuality  int
}

// Manager drives the SignedOut/Authenticating/SignedIn state machine
// from the provider's session events and keeps the merged user record.
type Manager struct {
	provider identity.Provider
	store    store.Store
	opts     Options
	sub      *identity.SessionSub

	mu       sync.Mutex
	state    State
	user     *models.User
	onChange []func(*models.User)
}

func NewManager(provider identity.Provider, st store.Store, opts Options) *Manager {
	return &Manager{
		provider: provider,
		store:    st,
		opts:     opts,
		// Subscribe at construction so no session event is missed
		// between building the manager and starting Run.
		sub: provider.Sessions(),
	}
}

// OnChange registers a dependent notified after every session change:
// the merged user on sign-in and after each profile edit, nil on
// sign-out. Dependents use the nil delivery to tear their
// subscriptions down. Delivered records are never mutated afterwards,
// so dependents may hold and read them without coordination.
func (m *Manager) OnChange(fn func(*models.User)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Run consumes the provider's session subscription until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	defer m.sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-m.sub.Changes():
			if !ok {
				return
			}
			if id == nil {
				m.clear()
				continue
			}
			m.establish(ctx, id)
		}
	}
}

// User returns the current state and user record (nil unless signed in).
func (m *Manager) User() (State, *models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.user
}

// SignUp validates the confirmation password locally, creates the
// account, and writes the initial profile to both the private and the
// public location. The two writes are independent; a crash in between
// leaves the copies inconsistent.
func (m *Manager) SignUp(ctx context.Context, name, email, password, confirm string) error {
	if password != confirm {
		return &ValidationError{Message: "Passwords do not match"}
	}

	m.setState(StateAuthenticating)
	id, err := m.provider.SignUp(ctx, email, password)
	if err != nil {
		m.setState(StateSignedOut)
		return err
	}

	profile := models.NewProfile(id.UID, name)
	if err := m.store.Set(ctx, models.PrivateProfileCollection(m.opts.Namespace, id.UID), models.PrivateProfileKey, profile); err != nil {
		return fmt.Errorf("writing private profile: %w", err)
	}
	if err := m.store.Set(ctx, models.PublicProfilesCollection(m.opts.Namespace), id.UID, profile); err != nil {
		return fmt.Errorf("writing public profile: %w", err)
	}
	return nil
}

// SignIn delegates the credential check to the provider; rejections are
// returned verbatim.
func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	m.setState(StateAuthenticating)
	if _, err := m.provider.SignIn(ctx, email, password); err != nil {
		m.setState(StateSignedOut)
		return err
	}
	return nil
}

func (m *Manager) SignOut(ctx context.Context) error {
	return m.provider.SignOut(ctx)
}

// SaveProfilePhoto compresses the avatar, encodes it, and merges
// {avatar, filter} into both profile copies.
func (m *Manager) SaveProfilePhoto(ctx context.Context, image []byte, filter string) error {
	m.mu.Lock()
	user := m.user
	m.mu.Unlock()
	if user == nil {
		return errors.New("not signed in")
	}

	encoded := imaging.Compress(image, m.opts.AvatarMaxWidth, m.opts.AvatarQuality)
	avatar := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(encoded)

	patch := models.ProfilePatch{Avatar: &avatar, Filter: &filter}
	if err := m.mergeProfile(ctx, user.UID, patch); err != nil {
		return err
	}

	m.publishProfile(func(p *models.Profile) {
		p.Avatar = avatar
		p.Filter = filter
	})
	return nil
}

// UpdateBio merges a new bio into both profile copies.
func (m *Manager) UpdateBio(ctx context.Context, bio string) error {
	m.mu.Lock()
	user := m.user
	m.mu.Unlock()
	if user == nil {
		return errors.New("not signed in")
	}

	if err := m.mergeProfile(ctx, user.UID, models.ProfilePatch{Bio: &bio}); err != nil {
		return err
	}

	m.publishProfile(func(p *models.Profile) {
		p.Bio = bio
	})
	return nil
}

// publishProfile swaps in a fresh user record carrying the edited
// profile and re-notifies dependents. The previously published record
// stays untouched.
func (m *Manager) publishProfile(mutate func(*models.Profile)) {
	m.mu.Lock()
	if m.user == nil {
		m.mu.Unlock()
		return
	}
	updated := *m.user
	mutate(&updated.Profile)
	m.user = &updated
	listeners := append([]func(*models.User){}, m.onChange...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(&updated)
	}
}

// mergeProfile applies the patch to the private copy then the public
// one. Not atomic.
func (m *Manager) mergeProfile(ctx context.Context, uid string, patch models.ProfilePatch) error {
	if err := m.store.Merge(ctx, models.PrivateProfileCollection(m.opts.Namespace, uid), models.PrivateProfileKey, patch); err != nil {
		return fmt.Errorf("updating private profile: %w", err)
	}
	if err := m.store.Merge(ctx, models.PublicProfilesCollection(m.opts.Namespace), uid, patch); err != nil {
		return fmt.Errorf("updating public profile: %w", err)
	}
	return nil
}

// establish merges the profile copies for the signed-in identity,
// private first so public fields win, and degrades to the bare identity
// when either fetch fails.
func (m *Manager) establish(ctx context.Context, id *identity.Identity) {
	profile := models.Profile{ID: id.UID}

	if data, err := m.store.Get(ctx, models.PrivateProfileCollection(m.opts.Namespace, id.UID), models.PrivateProfileKey); err != nil {
		logging.Warn("Private profile fetch failed", map[string]interface{}{
			"uid":   id.UID,
			"error": err.Error(),
		})
	} else if err := json.Unmarshal(data, &profile); err != nil {
		logging.Warn("Private profile decode failed", map[string]interface{}{
			"uid":   id.UID,
			"error": err.Error(),
		})
	}

	if data, err := m.store.Get(ctx, models.PublicProfilesCollection(m.opts.Namespace), id.UID); err != nil {
		logging.Warn("Public profile fetch failed", map[string]interface{}{
			"uid":   id.UID,
			"error": err.Error(),
		})
	} else if err := json.Unmarshal(data, &profile); err != nil {
		logging.Warn("Public profile decode failed", map[string]interface{}{
			"uid":   id.UID,
			"error": err.Error(),
		})
	}
	profile.ID = id.UID

	user := &models.User{UID: id.UID, Email: id.Email, Profile: profile}

	m.mu.Lock()
	m.state = StateSignedIn
	m.user = user
	listeners := append([]func(*models.User){}, m.onChange...)
	m.mu.Unlock()

	logging.Info("Session established", map[string]interface{}{"uid": id.UID})
	for _, fn := range listeners {
		fn(user)
	}
}

func (m *Manager) clear() {
	m.mu.Lock()
	m.state = StateSignedOut
	m.user = nil
	listeners := append([]func(*models.User){}, m.onChange...)
	m.mu.Unlock()

	logging.Info("Session cleared")
	for _, fn := range listeners {
		fn(nil)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

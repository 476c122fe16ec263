// Package identity authenticates accounts and announces session
// changes to the rest of the client core.
package identity

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
)

// Identity is an authenticated account.
type Identity struct {
	UID   string
	Email string
}

// Provider is the authentication backend. Sessions delivers the current
// identity after every sign-in and nil after every sign-out; the
// subscription outlives individual sessions.
type Provider interface {
	SignUp(ctx context.Context, email, password string) (*Identity, error)
	SignIn(ctx context.Context, email, password string) (*Identity, error)
	SignOut(ctx context.Context) error
	Sessions() *SessionSub
}

// SessionSub delivers session changes. The channel holds only the
// latest value; a slow consumer sees the newest state, not the history.
type SessionSub struct {
	ch        chan *Identity
	done      chan struct{}
	closeOnce sync.Once
}

// NewSessionSub builds a detached subscription. Providers outside this
// package deliver session changes into it.
func NewSessionSub() *SessionSub {
	return &SessionSub{
		ch:   make(chan *Identity, 1),
		done: make(chan struct{}),
	}
}

func (s *SessionSub) Changes() <-chan *Identity { return s.ch }

func (s *SessionSub) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Deliver replaces any undrained value so the consumer always reads the
// most recent session state.
func (s *SessionSub) Deliver(id *Identity) {
	for {
		select {
		case <-s.done:
			return
		case s.ch <- id:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/privatecircle/messenger/internal/database"
)

// Local authenticates against the accounts table with bcrypt hashes.
type Local struct {
	db database.DB

	mu   sync.Mutex
	subs []*SessionSub
}

func NewLocal(db database.DB) *Local {
	return &Local{db: db}
}

func (l *Local) SignUp(ctx context.Context, email, password string) (*Identity, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	uid := uuid.NewString()
	_, err = l.db.Exec(ctx,
		`INSERT INTO accounts (uid, email, password_hash) VALUES ($1, $2, $3)`,
		uid, email, hash,
	)
	if isUniqueViolation(err) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}

	id := &Identity{UID: uid, Email: email}
	l.emit(id)
	return id, nil
}

func (l *Local) SignIn(ctx context.Context, email, password string) (*Identity, error) {
	email = normalizeEmail(email)

	var uid string
	var hash []byte
	err := l.db.QueryRow(ctx,
		`SELECT uid, password_hash FROM accounts WHERE email = $1`,
		email,
	).Scan(&uid, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	id := &Identity{UID: uid, Email: email}
	l.emit(id)
	return id, nil
}

// SignInFederated turns verified federated claims into a session,
// creating the account on first sign-in. Federated accounts have no
// password hash; the password path rejects them.
func (l *Local) SignInFederated(ctx context.Context, claims Claims) (*Identity, error) {
	email := normalizeEmail(claims.Email)
	if email == "" {
		return nil, ErrInvalidCredentials
	}
	if !claims.EmailVerified {
		return nil, errors.New("email not verified by identity provider")
	}

	var uid string
	err := l.db.QueryRow(ctx,
		`SELECT uid FROM accounts WHERE email = $1`,
		email,
	).Scan(&uid)
	if errors.Is(err, pgx.ErrNoRows) {
		uid = uuid.NewString()
		if _, err := l.db.Exec(ctx,
			`INSERT INTO accounts (uid, email) VALUES ($1, $2)`,
			uid, email,
		); err != nil {
			return nil, fmt.Errorf("creating federated account: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}

	id := &Identity{UID: uid, Email: email}
	l.emit(id)
	return id, nil
}

func (l *Local) SignOut(ctx context.Context) error {
	l.emit(nil)
	return nil
}

// EmailByUID resolves an account's email address, used for friend
// request notifications.
func (l *Local) EmailByUID(ctx context.Context, uid string) (string, error) {
	var email string
	err := l.db.QueryRow(ctx,
		`SELECT email FROM accounts WHERE uid = $1`,
		uid,
	).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("loading account email: %w", err)
	}
	return email, nil
}

func (l *Local) Sessions() *SessionSub {
	sub := NewSessionSub()
	l.mu.Lock()
	l.subs = append(l.subs, sub)
	l.mu.Unlock()
	return sub
}

func (l *Local) emit(id *Identity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sub := range l.subs {
		sub.Deliver(id)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/privatecircle/messenger/internal/database"
)

type fakeCommandTag struct{}

func (fakeCommandTag) RowsAffected() int64 { return 1 }

type fakeRow struct {
	scan func(dest ...any) error
}

func (f fakeRow) Scan(dest ...any) error { return f.scan(dest...) }

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	execs   []execCall
	execErr error
	row     fakeRow
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (database.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	if f.execErr != nil {
		return nil, f.execErr
	}
	return fakeCommandTag{}, nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (database.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) database.Row {
	return f.row
}

func (f *fakeDB) Begin(ctx context.Context) (database.Tx, error) {
	return nil, errors.New("not implemented")
}

func noRows(dest ...any) error { return pgx.ErrNoRows }

func accountRow(uid string, hash []byte) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = uid
		if len(dest) > 1 {
			*(dest[1].(*[]byte)) = hash
		}
		return nil
	}
}

func receive(t *testing.T, sub *SessionSub) *Identity {
	t.Helper()
	select {
	case id := <-sub.Changes():
		return id
	case <-time.After(time.Second):
		t.Fatal("Expected session event")
		return nil
	}
}

func TestLocalSignUp(t *testing.T) {
	db := &fakeDB{}
	l := NewLocal(db)
	sub := l.Sessions()
	defer sub.Close()

	id, err := l.SignUp(context.Background(), "  Ada@Example.COM ", "hunter2!")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if id.Email != "ada@example.com" {
		t.Errorf("Expected normalized email, got %s", id.Email)
	}
	if id.UID == "" {
		t.Error("Expected generated uid")
	}
	if len(db.execs) != 1 {
		t.Fatalf("Expected 1 insert, got %d", len(db.execs))
	}

	got := receive(t, sub)
	if got == nil || got.UID != id.UID {
		t.Errorf("Expected session event for new identity, got %+v", got)
	}
}

func TestLocalSignUpDuplicateEmail(t *testing.T) {
	db := &fakeDB{execErr: &pgconn.PgError{Code: "23505"}}
	l := NewLocal(db)

	if _, err := l.SignUp(context.Background(), "ada@example.com", "hunter2!"); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("Expected ErrEmailTaken, got %v", err)
	}
}

func TestLocalSignUpEmptyInput(t *testing.T) {
	l := NewLocal(&fakeDB{})

	if _, err := l.SignUp(context.Background(), "", "hunter2!"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials for empty email, got %v", err)
	}
	if _, err := l.SignUp(context.Background(), "ada@example.com", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials for empty password, got %v", err)
	}
}

func TestLocalSignIn(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2!"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	db := &fakeDB{row: fakeRow{scan: accountRow("u1", hash)}}
	l := NewLocal(db)
	sub := l.Sessions()
	defer sub.Close()

	id, err := l.SignIn(context.Background(), "ada@example.com", "hunter2!")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if id.UID != "u1" {
		t.Errorf("Expected uid u1, got %s", id.UID)
	}

	got := receive(t, sub)
	if got == nil || got.UID != "u1" {
		t.Errorf("Expected session event, got %+v", got)
	}
}

func TestLocalSignInWrongPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2!"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	l := NewLocal(&fakeDB{row: fakeRow{scan: accountRow("u1", hash)}})

	if _, err := l.SignIn(context.Background(), "ada@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLocalSignInUnknownEmail(t *testing.T) {
	l := NewLocal(&fakeDB{row: fakeRow{scan: noRows}})

	if _, err := l.SignIn(context.Background(), "nobody@example.com", "hunter2!"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLocalSignInFederatedNewAccount(t *testing.T) {
	db := &fakeDB{row: fakeRow{scan: noRows}}
	l := NewLocal(db)
	sub := l.Sessions()
	defer sub.Close()

	id, err := l.SignInFederated(context.Background(), Claims{
		Subject:       "google-123",
		Email:         "Ada@Example.com",
		EmailVerified: true,
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if id.Email != "ada@example.com" {
		t.Errorf("Expected normalized email, got %s", id.Email)
	}
	if len(db.execs) != 1 {
		t.Errorf("Expected account insert, got %d execs", len(db.execs))
	}
	if got := receive(t, sub); got == nil {
		t.Error("Expected session event")
	}
}

func TestLocalSignInFederatedUnverifiedEmail(t *testing.T) {
	l := NewLocal(&fakeDB{})

	_, err := l.SignInFederated(context.Background(), Claims{Email: "ada@example.com"})
	if err == nil {
		t.Error("Expected error for unverified email")
	}
}

func TestLocalSignOut(t *testing.T) {
	l := NewLocal(&fakeDB{})
	sub := l.Sessions()
	defer sub.Close()

	if err := l.SignOut(context.Background()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got := receive(t, sub); got != nil {
		t.Errorf("Expected nil session event, got %+v", got)
	}
}

func TestLocalEmailByUID(t *testing.T) {
	l := NewLocal(&fakeDB{row: fakeRow{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "ada@example.com"
		return nil
	}}})

	email, err := l.EmailByUID(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if email != "ada@example.com" {
		t.Errorf("Expected ada@example.com, got %s", email)
	}
}

func TestSessionSubCoalesces(t *testing.T) {
	db := &fakeDB{}
	l := NewLocal(db)
	sub := l.Sessions()
	defer sub.Close()

	// Two sessions before the consumer reads; only the latest matters.
	if _, err := l.SignUp(context.Background(), "first@example.com", "pw1"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if _, err := l.SignUp(context.Background(), "second@example.com", "pw2"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	got := receive(t, sub)
	if got == nil || got.Email != "second@example.com" {
		t.Errorf("Expected latest session, got %+v", got)
	}
}

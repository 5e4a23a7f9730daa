package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/therapy-clinic-scheduling/internal/authz"
)

var ErrAccountNotFound = errors.New("account not found")

// Account is a login identity: a supervisor or a therapist.
type Account struct {
	ID           uuid.UUID
	Name         string
	Email        string
	Role         authz.Role
	PasswordHash string
	Active       bool
}

type CredentialStore interface {
	FindByEmail(ctx context.Context, email string) (*Account, error)
}

// PgCredentialStore looks accounts up in the supervisors and therapists
// tables. Emails are unique per table; supervisors win a cross-table tie.
type PgCredentialStore struct {
	pool *pgxpool.Pool
}

func NewPgCredentialStore(pool *pgxpool.Pool) *PgCredentialStore {
	return &PgCredentialStore{pool: pool}
}

func (s *PgCredentialStore) FindByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, email, role, password_hash, active FROM (
			SELECT id, name, email, 'supervisor' AS role, password_hash, true AS active, 0 AS rank
			FROM supervisors WHERE lower(email) = lower($1)
			UNION ALL
			SELECT id, name, email, 'terapeuta', password_hash, status = 'active', 1
			FROM therapists WHERE lower(email) = lower($1)
		) accounts
		ORDER BY rank
		LIMIT 1`, email)

	var a Account
	var role string
	if err := row.Scan(&a.ID, &a.Name, &a.Email, &role, &a.PasswordHash, &a.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("find account: %w", err)
	}
	a.Role = authz.Role(role)
	return &a, nil
}

// StaticCredentials is an in-memory CredentialStore for tests and the
// memory-backed dev server.
type StaticCredentials struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewStaticCredentials(accounts ...Account) *StaticCredentials {
	s := &StaticCredentials{accounts: make(map[string]Account)}
	for _, a := range accounts {
		s.Put(a)
	}
	return s
}

func (s *StaticCredentials) Put(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[strings.ToLower(a.Email)] = a
}

func (s *StaticCredentials) FindByEmail(_ context.Context, email string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[strings.ToLower(email)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &a, nil
}

type Authenticator struct {
	creds  CredentialStore
	tokens *Tokens
}

func NewAuthenticator(creds CredentialStore, tokens *Tokens) *Authenticator {
	return &Authenticator{creds: creds, tokens: tokens}
}

type Session struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	UserID    uuid.UUID  `json:"user_id"`
	Name      string     `json:"name"`
	Role      authz.Role `json:"role"`
}

// Login checks email and password and issues a token. Unknown emails,
// wrong passwords and inactive therapists all fail the same way.
func (a *Authenticator) Login(ctx context.Context, email, password string) (*Session, error) {
	acct, err := a.creds.FindByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, ErrAccountNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !acct.Active || !CheckPassword(acct.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}

	caller := authz.Caller{ID: acct.ID, Role: acct.Role}
	token, expires, err := a.tokens.Issue(caller)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: expires, UserID: acct.ID, Name: acct.Name, Role: acct.Role}, nil
}

func (a *Authenticator) Verify(raw string) (authz.Caller, error) {
	return a.tokens.Verify(raw)
}

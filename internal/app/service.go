package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"queuedeck/server/internal/auth"
	"queuedeck/server/internal/queue"
	"queuedeck/server/internal/rbac"
	"queuedeck/server/internal/session"
	"queuedeck/server/internal/store"
)

// UserStore is the account persistence collaborator.
type UserStore interface {
	GetUserByName(ctx context.Context, name string) (store.User, error)
	CreateUser(ctx context.Context, name, role, passwordHash string) (store.User, error)
	Ping(ctx context.Context) error
}

// Session is one authenticated caller, resolved from a bearer token.
type Session struct {
	UserID   string
	UserName string
	Role     rbac.Role
}

type SignInResult struct {
	Token     string
	UserID    string
	UserName  string
	Role      rbac.Role
	ExpiresAt time.Time
}

type Service struct {
	users     UserStore
	sessions  *session.RedisStore
	secret    []byte
	accessTTL time.Duration
	perms     *rolePerms
}

func NewService(users UserStore, sessions *session.RedisStore, secret string, accessTTL time.Duration) *Service {
	return &Service{
		users:     users,
		sessions:  sessions,
		secret:    []byte(secret),
		accessTTL: accessTTL,
		perms:     &rolePerms{roles: make(map[queue.UserID]rbac.Role)},
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.users.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// Perms exposes the per-user role table as the slice authorities' RBAC
// collaborator. Roles are registered when a socket authenticates.
func (s *Service) Perms() *rolePerms {
	return s.perms
}

func (s *Service) SignIn(ctx context.Context, name, password string) (SignInResult, error) {
	name = strings.TrimSpace(name)
	if name == "" || password == "" {
		return SignInResult{}, domainError(http.StatusBadRequest, "INVALID_BODY", "name and password are required", nil)
	}

	user, err := s.users.GetUserByName(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return SignInResult{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid name or password", nil)
		}
		return SignInResult{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return SignInResult{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid name or password", nil)
	}

	expiresAt := time.Now().Add(s.accessTTL)
	token, err := auth.IssueToken(s.secret, auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return SignInResult{}, err
	}

	err = s.sessions.Save(ctx, auth.HashToken(token), session.TokenData{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Role:        user.Role,
	}, expiresAt)
	if err != nil {
		return SignInResult{}, err
	}

	return SignInResult{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      rbac.Normalize(user.Role),
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	return s.sessions.Revoke(ctx, auth.HashToken(token))
}

// SessionFromToken verifies the token signature and expiry, then checks the
// session store so revoked tokens stop working before they expire.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return Session{}, err
	}
	data, err := s.sessions.Lookup(ctx, auth.HashToken(token))
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if data.UserID != claims.Sub {
		// The stored session was written for a different token; trust
		// neither side.
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		UserID:   data.UserID,
		UserName: data.DisplayName,
		Role:     rbac.Normalize(data.Role),
	}, nil
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

// RegisterRole records a connected user's role for authority-side checks.
func (s *Service) RegisterRole(user queue.UserID, role rbac.Role) {
	s.perms.set(user, role)
}

// EnsureUser creates an account if the name is free. Used for the bootstrap
// admin; an existing account is left untouched.
func (s *Service) EnsureUser(ctx context.Context, name, role, password string) error {
	if _, err := s.users.GetUserByName(ctx, name); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = s.users.CreateUser(ctx, name, string(rbac.Normalize(role)), string(hash))
	return err
}

// rolePerms maps users seen on the socket to their token role. Unknown users
// get no permissions.
type rolePerms struct {
	mu    sync.RWMutex
	roles map[queue.UserID]rbac.Role
}

func (p *rolePerms) set(user queue.UserID, role rbac.Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roles[user] = role
}

func (p *rolePerms) Can(user queue.UserID, action rbac.Action) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	role, ok := p.roles[user]
	if !ok {
		return false
	}
	return rbac.Can(role, action)
}

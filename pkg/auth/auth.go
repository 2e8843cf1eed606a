// Package auth registers accounts, verifies passwords and issues opaque,
// time-limited session tokens. Only token hashes are persisted.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/NicolasHaas/skylink/pkg/crypto"
	"github.com/NicolasHaas/skylink/pkg/datastore"
	"github.com/NicolasHaas/skylink/pkg/model"
)

var (
	ErrUsernameTaken      = errors.New("auth: username already taken")
	ErrInvalidCredentials = errors.New("auth: invalid username or password")
	ErrInvalidToken       = errors.New("auth: invalid or expired token")
)

// DefaultTokenTTL is the lifetime of issued tokens.
const DefaultTokenTTL = 24 * time.Hour

// Options configures a Provider.
type Options struct {
	TokenTTL time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Identity is the authenticated principal behind a token.
type Identity struct {
	Username string
	Role     model.Role
}

// Provider is the identity provider backed by a datastore.
type Provider struct {
	store datastore.DataProviderFactory
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger

	newSalt func() ([]byte, error)
}

// New creates a provider on store.
func New(store datastore.DataProviderFactory, opts Options) *Provider {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Provider{
		store:   store,
		ttl:     opts.TokenTTL,
		now:     opts.Now,
		log:     opts.Logger,
		newSalt: crypto.GenerateSalt,
	}
}

// Register creates an account and returns a fresh token for it.
func (p *Provider) Register(ctx context.Context, username, password string, role model.Role) (string, error) {
	if err := model.ValidateUsername(username); err != nil {
		return "", fmt.Errorf("auth: register: %w", err)
	}
	if err := model.ValidatePassword(password); err != nil {
		return "", fmt.Errorf("auth: register: %w", err)
	}
	if err := role.Validate(); err != nil {
		return "", fmt.Errorf("auth: register: %w", err)
	}

	salt, err := p.newSalt()
	if err != nil {
		return "", fmt.Errorf("auth: register: %w", err)
	}
	acc := &model.Account{
		Username:     username,
		Role:         role,
		PasswordHash: crypto.HashPassword(password, salt),
		Salt:         salt,
	}

	tx, err := p.store.Tx(ctx)
	if err != nil {
		return "", fmt.Errorf("auth: register: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.CreateAccount(ctx, acc); err != nil {
		if errors.Is(err, datastore.ErrAccountExists) {
			return "", fmt.Errorf("auth: register %q: %w", username, ErrUsernameTaken)
		}
		return "", fmt.Errorf("auth: register: %w", err)
	}
	token, err := p.issue(ctx, tx, username)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("auth: register: commit: %w", err)
	}

	p.log.Info("account registered", "user", username, "role", acc.Role)
	return token, nil
}

// Login verifies credentials and returns a fresh token and the account role.
func (p *Provider) Login(ctx context.Context, username, password string) (string, model.Role, error) {
	acc, err := p.store.NonTx().GetAccount(ctx, username)
	if err != nil {
		return "", "", fmt.Errorf("auth: login: %w", err)
	}
	if acc == nil {
		// Spend the same hashing time as a real check.
		salt, err := p.newSalt()
		if err != nil {
			return "", "", fmt.Errorf("auth: login: %w", err)
		}
		_ = crypto.VerifyPassword(password, salt, nil)
		return "", "", ErrInvalidCredentials
	}
	if !crypto.VerifyPassword(password, acc.Salt, acc.PasswordHash) {
		return "", "", ErrInvalidCredentials
	}

	token, err := p.issue(ctx, p.store.NonTx(), username)
	if err != nil {
		return "", "", err
	}
	return token, acc.Role, nil
}

// Validate resolves a raw token to its identity. Expired tokens are removed.
func (p *Provider) Validate(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	hash := crypto.HashToken(token)
	tok, err := p.store.NonTx().GetToken(ctx, hash)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: validate: %w", err)
	}
	if tok == nil {
		return Identity{}, ErrInvalidToken
	}
	if tok.IsExpired(p.now()) {
		if err := p.store.NonTx().DeleteToken(ctx, hash); err != nil {
			p.log.Warn("delete expired token", "err", err)
		}
		return Identity{}, ErrInvalidToken
	}

	acc, err := p.store.NonTx().GetAccount(ctx, tok.Username)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: validate: %w", err)
	}
	if acc == nil {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Username: acc.Username, Role: acc.Role}, nil
}

// Unregister deletes the account of username together with its tokens.
// Unknown usernames are ignored.
func (p *Provider) Unregister(ctx context.Context, username string) error {
	if err := p.store.NonTx().DeleteAccount(ctx, username); err != nil {
		return fmt.Errorf("auth: unregister: %w", err)
	}
	p.log.Info("account removed", "user", username)
	return nil
}

// Revoke deletes a token. Unknown tokens are ignored.
func (p *Provider) Revoke(ctx context.Context, token string) error {
	if err := p.store.NonTx().DeleteToken(ctx, crypto.HashToken(token)); err != nil {
		return fmt.Errorf("auth: revoke: %w", err)
	}
	return nil
}

// Sweep removes expired tokens and returns how many were deleted.
func (p *Provider) Sweep(ctx context.Context) (int64, error) {
	n, err := p.store.NonTx().DeleteExpiredTokens(ctx, p.now())
	if err != nil {
		return 0, fmt.Errorf("auth: sweep: %w", err)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (p *Provider) RunSweeper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := p.Sweep(ctx)
			if err != nil {
				p.log.Warn("token sweep failed", "err", err)
				continue
			}
			if n > 0 {
				p.log.Debug("expired tokens removed", "count", n)
			}
		}
	}
}

// Accounts lists every registered account.
func (p *Provider) Accounts(ctx context.Context) ([]model.Account, error) {
	accounts, err := p.store.NonTx().ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: accounts: %w", err)
	}
	return accounts, nil
}

type tokenWriter interface {
	CreateToken(ctx context.Context, tok *model.Token) error
}

func (p *Provider) issue(ctx context.Context, w tokenWriter, username string) (string, error) {
	raw, err := crypto.GenerateToken()
	if err != nil {
		return "", fmt.Errorf("auth: issue token: %w", err)
	}
	tok := &model.Token{
		Hash:      crypto.HashToken(raw),
		Username:  username,
		ExpiresAt: p.now().Add(p.ttl),
	}
	if err := w.CreateToken(ctx, tok); err != nil {
		return "", fmt.Errorf("auth: issue token: %w", err)
	}
	return raw, nil
}

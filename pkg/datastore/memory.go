package datastore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/skylink/pkg/model"
)

// MemoryStore provides an in-memory DataProviderFactory for tests.
// It mirrors SQLite behavior for validation and error handling. Transactions
// are not isolated: writes are visible immediately and Rollback is a no-op.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextAccountID int64
	accounts      map[string]*model.Account
	tokens        map[string]*model.Token
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:           now,
		nextAccountID: 1,
		accounts:      make(map[string]*model.Account),
		tokens:        make(map[string]*model.Token),
	}
}

func (s *MemoryStore) NonTx() DataStore {
	return s
}

func (s *MemoryStore) Tx(ctx context.Context) (DataStoreTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("datastore: begin: %w", err)
	}
	return memoryTx{s}, nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

type memoryTx struct {
	*MemoryStore
}

func (memoryTx) Rollback() error { return nil }
func (memoryTx) Commit() error   { return nil }

// CreateAccount inserts a new account.
func (s *MemoryStore) CreateAccount(_ context.Context, acc *model.Account) error {
	if err := model.ValidateUsername(acc.Username); err != nil {
		return fmt.Errorf("datastore: create account: %w", err)
	}
	if err := acc.Role.Validate(); err != nil {
		return fmt.Errorf("datastore: create account: %w", err)
	}
	if len(acc.PasswordHash) == 0 || len(acc.Salt) == 0 {
		return errors.New("datastore: create account: missing password hash")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[acc.Username]; exists {
		return fmt.Errorf("datastore: create account %q: %w", acc.Username, ErrAccountExists)
	}
	if acc.Role == "" {
		acc.Role = model.RoleUser
	}
	acc.ID = s.nextAccountID
	acc.CreatedAt = s.now().UTC().Truncate(time.Second)
	s.nextAccountID++
	stored := cloneAccount(*acc)
	s.accounts[acc.Username] = &stored
	return nil
}

// DeleteAccount removes an account and its tokens.
func (s *MemoryStore) DeleteAccount(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, username)
	for hash, tok := range s.tokens {
		if tok.Username == username {
			delete(s.tokens, hash)
		}
	}
	return nil
}

// GetAccount retrieves an account by username.
func (s *MemoryStore) GetAccount(_ context.Context, username string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[username]
	if !ok {
		return nil, nil
	}
	out := cloneAccount(*acc)
	return &out, nil
}

// ListAccounts returns all accounts ordered by username.
func (s *MemoryStore) ListAccounts(context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, cloneAccount(*acc))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Username < out[j].Username
	})
	return out, nil
}

// CreateToken stores an issued token hash.
func (s *MemoryStore) CreateToken(_ context.Context, tok *model.Token) error {
	if tok.Hash == "" || tok.Username == "" {
		return errors.New("datastore: create token: hash and username are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[tok.Username]; !ok {
		return errors.New("datastore: create token: FOREIGN KEY constraint failed")
	}
	if _, exists := s.tokens[tok.Hash]; exists {
		return errors.New("datastore: create token: UNIQUE constraint failed: tokens.hash")
	}
	tok.CreatedAt = s.now().UTC().Truncate(time.Second)
	stored := *tok
	if !stored.ExpiresAt.IsZero() {
		stored.ExpiresAt = stored.ExpiresAt.UTC().Truncate(time.Second)
	}
	s.tokens[tok.Hash] = &stored
	return nil
}

// GetToken retrieves a token by hash.
func (s *MemoryStore) GetToken(_ context.Context, hash string) (*model.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[hash]
	if !ok {
		return nil, nil
	}
	out := *tok
	return &out, nil
}

// DeleteToken removes a token. Unknown hashes are ignored.
func (s *MemoryStore) DeleteToken(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, hash)
	return nil
}

// DeleteExpiredTokens removes tokens that expired at or before now.
func (s *MemoryStore) DeleteExpiredTokens(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for hash, tok := range s.tokens {
		if tok.IsExpired(now) {
			delete(s.tokens, hash)
			n++
		}
	}
	return n, nil
}

func cloneAccount(a model.Account) model.Account {
	a.PasswordHash = slices.Clone(a.PasswordHash)
	a.Salt = slices.Clone(a.Salt)
	return a
}

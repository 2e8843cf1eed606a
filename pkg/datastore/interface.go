package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/NicolasHaas/skylink/pkg/model"
)

var ErrAccountExists = errors.New("datastore: account already exists")

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
	Close() error
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for SkyLink credentials.
// Implementations include the default SQLite store and an in-memory store
// for tests.
type DataStore interface {
	AccountReadProvider
	AccountWriteProvider

	TokenReadProvider
	TokenWriteProvider
}

// Compile-time checks.
var (
	_ DataProviderFactory = (*ProviderFactory)(nil)
	_ DataProviderFactory = (*MemoryStore)(nil)
)

type AccountReadProvider interface {
	// GetAccount returns nil, nil when username does not exist.
	GetAccount(ctx context.Context, username string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
}

type AccountWriteProvider interface {
	// CreateAccount inserts acc and sets its ID and CreatedAt.
	CreateAccount(ctx context.Context, acc *model.Account) error
	// DeleteAccount removes username and its tokens. Unknown usernames are ignored.
	DeleteAccount(ctx context.Context, username string) error
}

type TokenReadProvider interface {
	// GetToken returns nil, nil when hash is unknown.
	GetToken(ctx context.Context, hash string) (*model.Token, error)
}

type TokenWriteProvider interface {
	CreateToken(ctx context.Context, tok *model.Token) error
	DeleteToken(ctx context.Context, hash string) error
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

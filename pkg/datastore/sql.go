package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/skylink/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory provides database access for SkyLink credentials.
type ProviderFactory struct {
	DB *sql.DB
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("datastore: begin: %w", err)
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	DB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := DB.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	if _, err := DB.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: enable FK: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := DB.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &ProviderFactory{DB: DB}
	if err := s.migrate(ctx); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (sf *ProviderFactory) Close() error {
	return sf.DB.Close()
}

func (sf *ProviderFactory) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT    NOT NULL UNIQUE CHECK(length(username) >= 3 AND length(username) <= 30),
		role          TEXT    NOT NULL DEFAULT 'user',
		password_hash BLOB    NOT NULL,
		salt          BLOB    NOT NULL,
		created_at    TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS tokens (
		hash       TEXT    PRIMARY KEY,
		username   TEXT    NOT NULL REFERENCES accounts(username) ON DELETE CASCADE,
		expires_at TEXT,
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);
	`
	if err := sf.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := sf.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS tokens_expires_at ON tokens(expires_at)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := sf.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := sf.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (sf *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := sf.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := sf.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := sf.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (sf *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := sf.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (sf *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := sf.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (sf *ProviderFactory) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := sf.DB.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ---- Accounts ----

// CreateAccount inserts a new account. It validates the username and role
// before inserting.
func (s *baseProvider) CreateAccount(ctx context.Context, acc *model.Account) error {
	if err := model.ValidateUsername(acc.Username); err != nil {
		return fmt.Errorf("datastore: create account: %w", err)
	}
	if err := acc.Role.Validate(); err != nil {
		return fmt.Errorf("datastore: create account: %w", err)
	}
	if len(acc.PasswordHash) == 0 || len(acc.Salt) == 0 {
		return errors.New("datastore: create account: missing password hash")
	}
	role := acc.Role
	if role == "" {
		role = model.RoleUser
	}

	now := time.Now().UTC().Truncate(time.Second)
	res, err := s.ExecContext(ctx,
		"INSERT INTO accounts (username, role, password_hash, salt, created_at) VALUES (?, ?, ?, ?, ?)",
		acc.Username, string(role), acc.PasswordHash, acc.Salt, formatDBTime(now))
	if isUniqueViolation(err) {
		return fmt.Errorf("datastore: create account %q: %w", acc.Username, ErrAccountExists)
	}
	if err != nil {
		return fmt.Errorf("datastore: create account: %w", err)
	}
	acc.ID, _ = res.LastInsertId()
	acc.Role = role
	acc.CreatedAt = now
	return nil
}

// DeleteAccount removes an account and its tokens.
func (s *baseProvider) DeleteAccount(ctx context.Context, username string) error {
	if _, err := s.ExecContext(ctx, "DELETE FROM tokens WHERE username = ?", username); err != nil {
		return fmt.Errorf("datastore: delete account tokens: %w", err)
	}
	if _, err := s.ExecContext(ctx, "DELETE FROM accounts WHERE username = ?", username); err != nil {
		return fmt.Errorf("datastore: delete account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by username.
func (s *baseProvider) GetAccount(ctx context.Context, username string) (*model.Account, error) {
	row := s.QueryRowContext(ctx,
		"SELECT id, username, role, password_hash, salt, created_at FROM accounts WHERE username = ?", username)
	acc, err := scanAccount(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get account: %w", err)
	}
	return acc, nil
}

// ListAccounts returns all accounts ordered by username.
func (s *baseProvider) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.QueryContext(ctx,
		"SELECT id, username, role, password_hash, salt, created_at FROM accounts ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("datastore: list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []model.Account
	for rows.Next() {
		acc, err := scanAccount(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan account: %w", err)
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

func scanAccount(scan func(dest ...any) error) (*model.Account, error) {
	acc := &model.Account{}
	var role, createdAt string
	if err := scan(&acc.ID, &acc.Username, &role, &acc.PasswordHash, &acc.Salt, &createdAt); err != nil {
		return nil, err
	}
	acc.Role = model.Role(role)
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	acc.CreatedAt = parsed
	return acc, nil
}

// ---- Tokens ----

// CreateToken stores an issued token hash.
func (s *baseProvider) CreateToken(ctx context.Context, tok *model.Token) error {
	if tok.Hash == "" || tok.Username == "" {
		return errors.New("datastore: create token: hash and username are required")
	}
	now := time.Now().UTC().Truncate(time.Second)
	var expires any
	if !tok.ExpiresAt.IsZero() {
		expires = formatDBTime(tok.ExpiresAt)
	}
	_, err := s.ExecContext(ctx,
		"INSERT INTO tokens (hash, username, expires_at, created_at) VALUES (?, ?, ?, ?)",
		tok.Hash, tok.Username, expires, formatDBTime(now))
	if err != nil {
		return fmt.Errorf("datastore: create token: %w", err)
	}
	tok.CreatedAt = now
	return nil
}

// GetToken retrieves a token by hash. Expired tokens are returned as-is;
// callers check IsExpired.
func (s *baseProvider) GetToken(ctx context.Context, hash string) (*model.Token, error) {
	tok := &model.Token{}
	var expires sql.NullString
	var createdAt string
	err := s.QueryRowContext(ctx,
		"SELECT hash, username, expires_at, created_at FROM tokens WHERE hash = ?", hash).
		Scan(&tok.Hash, &tok.Username, &expires, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get token: %w", err)
	}
	if expires.Valid {
		tok.ExpiresAt, err = parseDBTime(expires.String)
		if err != nil {
			return nil, fmt.Errorf("datastore: get token: %w", err)
		}
	}
	tok.CreatedAt, err = parseDBTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: get token: %w", err)
	}
	return tok, nil
}

// DeleteToken removes a token. Unknown hashes are ignored.
func (s *baseProvider) DeleteToken(ctx context.Context, hash string) error {
	if _, err := s.ExecContext(ctx, "DELETE FROM tokens WHERE hash = ?", hash); err != nil {
		return fmt.Errorf("datastore: delete token: %w", err)
	}
	return nil
}

// DeleteExpiredTokens removes tokens that expired at or before now.
func (s *baseProvider) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.ExecContext(ctx,
		"DELETE FROM tokens WHERE expires_at IS NOT NULL AND expires_at <= ?", formatDBTime(now))
	if err != nil {
		return 0, fmt.Errorf("datastore: delete expired tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

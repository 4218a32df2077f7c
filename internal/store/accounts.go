package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/warren/mailmirror/pkg/types"
)

// ErrAccountNotFound is returned when an account id or name is unknown.
var ErrAccountNotFound = errors.New("store: account not found")

type accountRow struct {
	types.Account
	Folders string `db:"folders"`
}

func (r *accountRow) toAccount() *types.Account {
	acc := r.Account
	for _, f := range strings.Split(r.Folders, ",") {
		if f = strings.TrimSpace(f); f != "" {
			acc.SyncFolders = append(acc.SyncFolders, f)
		}
	}
	return &acc
}

// Timestamps are kept in the table for operators but not scanned; SQLite
// returns them as text.
const accountColumns = "id, name, host, port, username, password_enc, security, folders"

// UpsertAccount inserts or refreshes an account row and returns its id.
// The password must already be vault ciphertext.
func (s *Store) UpsertAccount(ctx context.Context, acc *types.Account) (int64, error) {
	query := `
		INSERT INTO accounts (name, host, port, username, password_enc, security, folders, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			username = excluded.username,
			password_enc = excluded.password_enc,
			security = excluded.security,
			folders = excluded.folders,
			updated_at = CURRENT_TIMESTAMP
	`
	folders := strings.Join(acc.SyncFolders, ",")
	if folders == "" {
		folders = "INBOX"
	}
	if _, err := s.db.ExecContext(ctx, query, acc.Name, acc.Host, acc.Port, acc.Username, acc.Password, acc.Security, folders); err != nil {
		return 0, fmt.Errorf("failed to upsert account: %w", err)
	}

	var id int64
	if err := s.db.GetContext(ctx, &id, "SELECT id FROM accounts WHERE name = ?", acc.Name); err != nil {
		return 0, fmt.Errorf("failed to get account id: %w", err)
	}
	return id, nil
}

// GetAccount returns an account by id. The password field still holds the
// vault ciphertext; callers decrypt it through the vault when connecting.
func (s *Store) GetAccount(ctx context.Context, id int64) (*types.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrAccountNotFound, id)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return row.toAccount(), nil
}

// GetAccountByName returns an account by its unique name.
func (s *Store) GetAccountByName(ctx context.Context, name string) (*types.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+accountColumns+" FROM accounts WHERE name = ?", name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, name)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return row.toAccount(), nil
}

// ListAccounts returns all configured accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]*types.Account, error) {
	var rows []accountRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+accountColumns+" FROM accounts ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	accounts := make([]*types.Account, 0, len(rows))
	for i := range rows {
		accounts = append(accounts, rows[i].toAccount())
	}
	return accounts, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warren/mailmirror/pkg/types"
)

// GetCursor returns the sync cursor for (account, folder), or a zero cursor
// if the folder has never been synced.
func (s *Store) GetCursor(ctx context.Context, accountID int64, folder string) (*types.SyncCursor, error) {
	var cur types.SyncCursor
	err := s.db.GetContext(ctx, &cur, `
		SELECT account_id, folder_name, last_seen_uid, uid_validity
		FROM sync_cursors WHERE account_id = ? AND folder_name = ?`, accountID, folder)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &types.SyncCursor{AccountID: accountID, FolderName: folder}, nil
		}
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return &cur, nil
}

// AdvanceCursor moves last_seen_uid forward for (account, folder) under the
// given validity token. The cursor is monotonic: an update with a smaller UID
// under the same validity is ignored rather than regressing.
func (s *Store) AdvanceCursor(ctx context.Context, accountID int64, folder string, uid, validity uint32) error {
	query := `
		INSERT INTO sync_cursors (account_id, folder_name, last_seen_uid, uid_validity, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id, folder_name) DO UPDATE SET
			last_seen_uid = excluded.last_seen_uid,
			uid_validity = excluded.uid_validity,
			updated_at = CURRENT_TIMESTAMP
		WHERE excluded.last_seen_uid > sync_cursors.last_seen_uid
		   OR excluded.uid_validity != sync_cursors.uid_validity
	`
	if _, err := s.db.ExecContext(ctx, query, accountID, folder, uid, validity); err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}

// ResetCursor zeroes the cursor for (account, folder) and records the new
// validity token. Called when the remote folder was recreated.
func (s *Store) ResetCursor(ctx context.Context, accountID int64, folder string, validity uint32) error {
	query := `
		INSERT INTO sync_cursors (account_id, folder_name, last_seen_uid, uid_validity, updated_at)
		VALUES (?, ?, 0, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id, folder_name) DO UPDATE SET
			last_seen_uid = 0,
			uid_validity = excluded.uid_validity,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, accountID, folder, validity); err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}

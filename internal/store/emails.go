package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/warren/mailmirror/pkg/types"
)

// Outcome reports what an upsert did to the mirror.
type Outcome int

const (
	OutcomeInserted Outcome = iota
	OutcomeUpdated
	OutcomeMoved
)

const moveCacheSize = 4096

// moveCache fronts the message-id lookup used for move detection so that
// re-syncing a large folder does not hit the index for every message.
type moveCache struct {
	cache *lru.Cache[string, moveRef]
}

type moveRef struct {
	ID     int64
	Folder string
	UID    uint32
}

func newMoveCache() (*moveCache, error) {
	c, err := lru.New[string, moveRef](moveCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create move cache: %w", err)
	}
	return &moveCache{cache: c}, nil
}

func moveKey(accountID int64, messageID string) string {
	return fmt.Sprintf("%d|%s", accountID, messageID)
}

// UpsertEmail stores a normalized email. The upsert key is
// (account_id, folder_name, uid); a row never gets duplicated. If a row with
// the same message_id already exists in a different folder of the same
// account, that row's folder reference is updated instead (best-effort move
// detection; message_id is sender-controlled and may collide).
func (s *Store) UpsertEmail(ctx context.Context, email *types.NormalizedEmail) (Outcome, error) {
	toJSON, err := json.Marshal(email.To)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal recipients: %w", err)
	}
	flagsJSON, err := json.Marshal(email.Flags)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal flags: %w", err)
	}
	attachJSON, err := json.Marshal(email.Attachments)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal attachments: %w", err)
	}

	if email.MessageID != "" {
		if ref, ok := s.findByMessageID(ctx, email.AccountID, email.MessageID); ok {
			if ref.Folder != email.FolderName || ref.UID != email.UID {
				moved, err := s.moveExisting(ctx, ref.ID, email, string(flagsJSON))
				if err != nil {
					return 0, err
				}
				if moved {
					s.moveCache.cache.Add(moveKey(email.AccountID, email.MessageID),
						moveRef{ID: ref.ID, Folder: email.FolderName, UID: email.UID})
					return OutcomeMoved, nil
				}
			}
		}
	}

	var existingID int64
	fresh := false
	err = s.db.GetContext(ctx, &existingID,
		"SELECT id FROM emails WHERE account_id = ? AND folder_name = ? AND uid = ?",
		email.AccountID, email.FolderName, email.UID)
	if errors.Is(err, sql.ErrNoRows) {
		fresh = true
	} else if err != nil {
		return 0, fmt.Errorf("failed to check existing email: %w", err)
	}

	query := `
		INSERT INTO emails (account_id, folder_name, uid, message_id, subject, sender_name, sender_email,
		                    to_addrs, date, body_text, body_html, flags, attachments, deleted_at, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id, folder_name, uid) DO UPDATE SET
			message_id = excluded.message_id,
			subject = excluded.subject,
			sender_name = excluded.sender_name,
			sender_email = excluded.sender_email,
			to_addrs = excluded.to_addrs,
			date = excluded.date,
			body_text = excluded.body_text,
			body_html = excluded.body_html,
			flags = excluded.flags,
			attachments = excluded.attachments,
			deleted_at = NULL,
			stored_at = CURRENT_TIMESTAMP
	`
	_, err = s.db.ExecContext(ctx, query,
		email.AccountID, email.FolderName, email.UID, email.MessageID,
		email.Subject, email.SenderName, email.SenderEmail,
		string(toJSON), email.Date.UTC().Format(time.RFC3339), email.BodyText, email.BodyHTML,
		string(flagsJSON), string(attachJSON))
	if err != nil {
		return 0, fmt.Errorf("failed to upsert email: %w", err)
	}

	if email.MessageID != "" {
		var id int64
		if err := s.db.GetContext(ctx, &id,
			"SELECT id FROM emails WHERE account_id = ? AND folder_name = ? AND uid = ?",
			email.AccountID, email.FolderName, email.UID); err == nil {
			s.moveCache.cache.Add(moveKey(email.AccountID, email.MessageID),
				moveRef{ID: id, Folder: email.FolderName, UID: email.UID})
		}
	}

	if fresh {
		return OutcomeInserted, nil
	}
	return OutcomeUpdated, nil
}

// findByMessageID locates an existing row for (account, message_id), first
// through the LRU cache, then through the secondary index.
func (s *Store) findByMessageID(ctx context.Context, accountID int64, messageID string) (moveRef, bool) {
	if ref, ok := s.moveCache.cache.Get(moveKey(accountID, messageID)); ok {
		return ref, true
	}

	var ref moveRef
	err := s.db.QueryRowxContext(ctx,
		"SELECT id, folder_name, uid FROM emails WHERE account_id = ? AND message_id = ? LIMIT 1",
		accountID, messageID).Scan(&ref.ID, &ref.Folder, &ref.UID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.WithError(err).Warn("Move detection lookup failed")
		}
		return moveRef{}, false
	}
	return ref, true
}

// moveExisting retargets a stored row to a new folder/uid. Returns false if
// the update would collide with an existing row at the destination, in which
// case the caller falls back to a plain upsert.
func (s *Store) moveExisting(ctx context.Context, id int64, email *types.NormalizedEmail, flagsJSON string) (bool, error) {
	var clash int
	err := s.db.GetContext(ctx, &clash,
		"SELECT COUNT(*) FROM emails WHERE account_id = ? AND folder_name = ? AND uid = ? AND id != ?",
		email.AccountID, email.FolderName, email.UID, id)
	if err != nil {
		return false, fmt.Errorf("failed to check move destination: %w", err)
	}
	if clash > 0 {
		return false, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE emails SET folder_name = ?, uid = ?, flags = ?, deleted_at = NULL, stored_at = CURRENT_TIMESTAMP
		WHERE id = ?`, email.FolderName, email.UID, flagsJSON, id)
	if err != nil {
		return false, fmt.Errorf("failed to move email: %w", err)
	}
	return true, nil
}

// UpdateFlags is the cheap path for flag-only reconciliation: it rewrites the
// flag set without touching the mapped body.
func (s *Store) UpdateFlags(ctx context.Context, accountID int64, folder string, uid uint32, flags []string) error {
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE emails SET flags = ?, stored_at = CURRENT_TIMESTAMP WHERE account_id = ? AND folder_name = ? AND uid = ?",
		string(flagsJSON), accountID, folder, uid)
	if err != nil {
		return fmt.Errorf("failed to update flags: %w", err)
	}
	return nil
}

// KnownMessages returns the UIDs currently mirrored for (account, folder),
// each with its canonical flag string, for diffing against a remote listing.
// Soft-deleted rows are excluded so a re-appearing UID is fetched again.
func (s *Store) KnownMessages(ctx context.Context, accountID int64, folder string) (map[uint32]string, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT uid, flags FROM emails WHERE account_id = ? AND folder_name = ? AND deleted_at IS NULL",
		accountID, folder)
	if err != nil {
		return nil, fmt.Errorf("failed to query known messages: %w", err)
	}
	defer rows.Close()

	known := make(map[uint32]string)
	for rows.Next() {
		var uid uint32
		var flagsJSON sql.NullString
		if err := rows.Scan(&uid, &flagsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan known message: %w", err)
		}

		var flags []string
		if flagsJSON.Valid && flagsJSON.String != "" {
			if err := json.Unmarshal([]byte(flagsJSON.String), &flags); err != nil {
				s.logger.WithError(err).WithField("uid", uid).Warn("Unreadable flag set, treating as empty")
			}
		}
		known[uid] = CanonicalFlags(flags)
	}
	return known, rows.Err()
}

// MarkMissing soft-deletes rows whose UIDs vanished from the remote folder.
// The rows stay in place: a later observation of the same message_id in
// another folder turns the disappearance into a move.
func (s *Store) MarkMissing(ctx context.Context, accountID int64, folder string, uids []uint32) error {
	for _, uid := range uids {
		_, err := s.db.ExecContext(ctx,
			"UPDATE emails SET deleted_at = CURRENT_TIMESTAMP WHERE account_id = ? AND folder_name = ? AND uid = ? AND deleted_at IS NULL",
			accountID, folder, uid)
		if err != nil {
			return fmt.Errorf("failed to mark uid %d missing: %w", uid, err)
		}
	}
	return nil
}

// CountEmails returns the number of live rows for (account, folder).
func (s *Store) CountEmails(ctx context.Context, accountID int64, folder string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM emails WHERE account_id = ? AND folder_name = ? AND deleted_at IS NULL",
		accountID, folder)
	if err != nil {
		return 0, fmt.Errorf("failed to count emails: %w", err)
	}
	return count, nil
}

// GetEmailByUID returns one mirrored message, or nil when no live row exists
// for (account, folder, uid).
func (s *Store) GetEmailByUID(ctx context.Context, accountID int64, folder string, uid uint32) (*types.NormalizedEmail, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, account_id, folder_name, uid, message_id, subject, sender_name, sender_email,
		       to_addrs, date, body_text, body_html, flags, attachments
		FROM emails
		WHERE account_id = ? AND folder_name = ? AND uid = ? AND deleted_at IS NULL`,
		accountID, folder, uid)

	var email types.NormalizedEmail
	var toJSON, flagsJSON, attachJSON sql.NullString
	var dateStr sql.NullString

	err := row.Scan(
		&email.ID, &email.AccountID, &email.FolderName, &email.UID, &email.MessageID,
		&email.Subject, &email.SenderName, &email.SenderEmail,
		&toJSON, &dateStr, &email.BodyText, &email.BodyHTML, &flagsJSON, &attachJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get email: %w", err)
	}

	if dateStr.Valid {
		if t, err := time.Parse(time.RFC3339, dateStr.String); err == nil {
			email.Date = t
		}
	}
	unmarshalInto(s, toJSON, &email.To)
	unmarshalInto(s, flagsJSON, &email.Flags)
	unmarshalInto(s, attachJSON, &email.Attachments)

	return &email, nil
}

func unmarshalInto[T any](s *Store, src sql.NullString, dst *T) {
	if !src.Valid || src.String == "" {
		return
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		s.logger.WithError(err).Debug("Unreadable JSON column")
	}
}

// CanonicalFlags returns a normalized representation of a flag set suitable
// for change comparison, independent of ordering.
func CanonicalFlags(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	sorted := make([]string, len(flags))
	copy(sorted, flags)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

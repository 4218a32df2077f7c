package email

import (
	"context"
	"time"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"

	"github.com/warren/mailmirror/internal/vault"
	"github.com/warren/mailmirror/pkg/types"
)

// Watcher is the lightweight, long-lived listener for one account. It only
// detects that something changed remotely and triggers a fresh orchestrator
// run; it never fetches or persists anything itself. It runs on its own
// connection so it does not occupy the account's sync session slot.
type Watcher struct {
	account  *types.Account
	vault    *vault.Vault
	folders  []string
	interval time.Duration
	trigger  func(accountID int64)
	logger   *logrus.Logger

	connectTimeout time.Duration
}

// NewWatcher creates a watcher that polls the given folders and calls trigger
// when their message counts or UIDNEXT move.
func NewWatcher(account *types.Account, v *vault.Vault, folders []string, interval time.Duration, trigger func(accountID int64), logger *logrus.Logger) *Watcher {
	return &Watcher{
		account:        account,
		vault:          v,
		folders:        folders,
		interval:       interval,
		trigger:        trigger,
		logger:         logger,
		connectTimeout: 30 * time.Second,
	}
}

type folderState struct {
	messages uint32
	uidNext  uint32
}

// Run polls until the context is cancelled, reconnecting with backoff on any
// connection failure.
func (w *Watcher) Run(ctx context.Context) {
	log := w.logger.WithField("account", w.account.Name)

	backoff := time.Second
	const maxBackoff = 2 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		password, err := w.vault.Decrypt(w.account.Password)
		if err != nil {
			// A broken credential will not fix itself; stop watching and let
			// the next explicit sync surface the error to the user.
			log.WithError(err).Error("Watcher cannot resolve credentials, stopping")
			return
		}

		sess, err := dial(w.account, password, w.connectTimeout, w.logger)
		if err != nil {
			log.WithError(err).Warn("Watcher connect failed")
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		backoff = time.Second
		err = w.poll(ctx, sess)
		sess.Close() //nolint:errcheck

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.WithError(err).Warn("Watcher poll loop ended, reconnecting")
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
		}
	}
}

// poll watches folder counters over one connection until it breaks.
func (w *Watcher) poll(ctx context.Context, sess *Session) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	seen := make(map[string]folderState)
	first := true

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		changed := false
		for _, folder := range w.folders {
			sess.client.Timeout = w.connectTimeout
			status, err := sess.client.Status(folder, []imap.StatusItem{imap.StatusMessages, imap.StatusUidNext})
			sess.client.Timeout = 0
			if err != nil {
				return err
			}

			next := folderState{messages: status.Messages, uidNext: status.UidNext}
			if prev, ok := seen[folder]; ok && prev != next {
				changed = true
			}
			seen[folder] = next
		}

		// First pass only establishes the baseline.
		if changed && !first {
			w.logger.WithField("account", w.account.Name).Debug("Remote change detected")
			w.trigger(w.account.ID)
		}
		first = false
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * 1.5)
	if next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

package email

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warren/mailmirror/internal/vault"
	"github.com/warren/mailmirror/pkg/types"
)

// ErrAccountBusy is returned when a session is requested for an account that
// already holds one. The caller treats it as "a sync is already in flight".
var ErrAccountBusy = errors.New("email: account busy")

const connectRetries = 2

// Manager hands out at most one live session per account and owns the
// connect timeout and retry policy for the transport.
type Manager struct {
	vault          *vault.Vault
	connectTimeout time.Duration
	fetchTimeout   time.Duration
	logger         *logrus.Logger

	mu     sync.Mutex
	active map[int64]struct{}
}

// NewManager creates a connection manager backed by the credential vault.
func NewManager(v *vault.Vault, connectTimeout, fetchTimeout time.Duration, logger *logrus.Logger) *Manager {
	return &Manager{
		vault:          v,
		connectTimeout: connectTimeout,
		fetchTimeout:   fetchTimeout,
		logger:         logger,
		active:         make(map[int64]struct{}),
	}
}

// Acquire opens an authenticated session for the account. A second Acquire
// while the first session is live fails fast with ErrAccountBusy; two syncs
// must never race on the same mailbox. Transient dial errors are retried a
// small number of times; authentication failures are never retried.
func (m *Manager) Acquire(ctx context.Context, account *types.Account) (*Session, error) {
	m.mu.Lock()
	if _, busy := m.active[account.ID]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: account %d", ErrAccountBusy, account.ID)
	}
	m.active[account.ID] = struct{}{}
	m.mu.Unlock()

	sess, err := m.connect(ctx, account)
	if err != nil {
		m.release(account.ID)
		return nil, err
	}

	sess.SetFetchTimeout(m.fetchTimeout)
	return sess, nil
}

// Release closes the session and frees the account's slot. It runs on every
// exit path of a sync run and is safe to call with a nil session.
func (m *Manager) Release(accountID int64, sess *Session) {
	if sess != nil {
		if err := sess.Close(); err != nil {
			m.logger.WithError(err).WithField("account_id", accountID).Debug("Logout failed during release")
		}
	}
	m.release(accountID)
}

func (m *Manager) release(accountID int64) {
	m.mu.Lock()
	delete(m.active, accountID)
	m.mu.Unlock()
}

func (m *Manager) connect(ctx context.Context, account *types.Account) (*Session, error) {
	password, err := m.vault.Decrypt(account.Password)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials for %s: %w", account.Name, err)
	}

	var lastErr error
	for attempt := 0; attempt <= connectRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sess, err := dial(account, password, m.connectTimeout, m.logger)
		if err == nil {
			return sess, nil
		}
		lastErr = err

		if errors.Is(err, ErrAuthFailed) {
			return nil, err
		}

		m.logger.WithError(err).WithFields(logrus.Fields{
			"account": account.Name,
			"attempt": attempt + 1,
		}).Warn("IMAP connect failed")
	}

	return nil, lastErr
}

// Package email holds the IMAP side of the mirror: scoped sessions, the
// per-account connection manager, the message mapper and the change watcher.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/warren/mailmirror/pkg/types"
)

// Error taxonomy for the connection layer. Auth failures are fatal and never
// retried; network errors are transient and retried by the manager.
var (
	ErrAuthFailed         = errors.New("email: authentication failed")
	ErrNetworkUnavailable = errors.New("email: network unavailable")
	ErrProtocolError      = errors.New("email: protocol error")
)

const defaultFetchTimeout = 60 * time.Second

// Session is an opaque handle on a live IMAP connection. It is obtained
// through Manager.Acquire and must be returned through Manager.Release on
// every exit path.
type Session struct {
	account *types.Account
	client  *client.Client
	logger  *logrus.Logger

	fetchTimeout time.Duration
	selected     string
}

// dial opens and authenticates an IMAP connection for the account. The
// password is plaintext here; it never leaves this call path.
func dial(account *types.Account, password string, connectTimeout time.Duration, logger *logrus.Logger) (*Session, error) {
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	var c *client.Client
	var err error

	switch account.Security {
	case types.SecurityNone:
		c, err = client.DialWithDialer(dialer, account.Addr())
	case types.SecurityStartTLS:
		c, err = client.DialWithDialer(dialer, account.Addr())
		if err == nil {
			err = c.StartTLS(&tls.Config{ServerName: account.Host, MinVersion: tls.VersionTLS12})
		}
	default:
		c, err = client.DialWithDialerTLS(dialer, account.Addr(), &tls.Config{
			ServerName: account.Host,
			MinVersion: tls.VersionTLS12,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	c.Timeout = connectTimeout
	if err := c.Login(account.Username, password); err != nil {
		c.Logout() //nolint:errcheck
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	c.Timeout = 0

	logger.WithFields(logrus.Fields{
		"account": account.Name,
		"server":  account.Addr(),
	}).Info("IMAP session established")

	return &Session{
		account:      account,
		client:       c,
		logger:       logger,
		fetchTimeout: defaultFetchTimeout,
	}, nil
}

// SetFetchTimeout overrides the per-window fetch timeout.
func (s *Session) SetFetchTimeout(d time.Duration) {
	if d > 0 {
		s.fetchTimeout = d
	}
}

// ListFolders lists the mailbox names available on the server.
func (s *Session) ListFolders() ([]string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	var folders []string
	for m := range mailboxes {
		folders = append(folders, m.Name)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("%w: list folders: %v", ErrProtocolError, err)
	}
	s.selected = ""
	return folders, nil
}

// ListMessages returns the full set of remote message refs for the folder
// together with its UIDVALIDITY token. Refs are sorted by ascending UID.
func (s *Session) ListMessages(folder string) ([]types.RemoteMessageRef, uint32, error) {
	mbox, err := s.selectFolder(folder)
	if err != nil {
		return nil, 0, err
	}

	if mbox.Messages == 0 {
		return nil, mbox.UidValidity, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, mbox.Messages)

	items := []imap.FetchItem{imap.FetchFlags, imap.FetchUid}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	s.client.Timeout = s.fetchTimeout
	go func() {
		done <- s.client.Fetch(seqSet, items, messages)
	}()

	var refs []types.RemoteMessageRef
	for msg := range messages {
		if msg.Uid == 0 {
			continue
		}
		refs = append(refs, types.RemoteMessageRef{
			UID:   msg.Uid,
			Flags: append([]string(nil), msg.Flags...),
		})
	}
	s.client.Timeout = 0

	if err := <-done; err != nil {
		return nil, 0, fmt.Errorf("%w: list messages in %s: %v", ErrProtocolError, folder, err)
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].UID < refs[j].UID })
	return refs, mbox.UidValidity, nil
}

// FetchWindow fetches full messages for the given UIDs and converts them into
// transport-neutral raw messages at this boundary. The context deadline, when
// present, bounds the fetch.
func (s *Session) FetchWindow(ctx context.Context, folder string, uids []uint32) ([]types.RawMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	if _, err := s.selectFolder(folder); err != nil {
		return nil, err
	}

	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchUid,
		section.FetchItem(),
	}

	timeout := s.fetchTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: fetch deadline exceeded before start", ErrNetworkUnavailable)
	}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	s.client.Timeout = timeout
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var raws []types.RawMessage
	for msg := range messages {
		raws = append(raws, rawFromIMAP(msg, section))
	}
	s.client.Timeout = 0

	if err := <-done; err != nil {
		return nil, fmt.Errorf("%w: fetch window in %s: %v", ErrNetworkUnavailable, folder, err)
	}

	return raws, nil
}

// Close logs out of the server. Safe to call once per session.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	s.client.Timeout = 5 * time.Second
	err := s.client.Logout()
	s.client = nil
	return err
}

func (s *Session) selectFolder(folder string) (*imap.MailboxStatus, error) {
	s.client.Timeout = 30 * time.Second
	mbox, err := s.client.Select(folder, true)
	s.client.Timeout = 0
	if err != nil {
		return nil, fmt.Errorf("%w: select %s: %v", ErrProtocolError, folder, err)
	}
	s.selected = folder
	return mbox, nil
}

// rawFromIMAP is the single place where go-imap message shapes are allowed to
// appear; everything downstream sees types.RawMessage.
func rawFromIMAP(msg *imap.Message, section *imap.BodySectionName) types.RawMessage {
	raw := types.RawMessage{
		UID:   msg.Uid,
		Flags: append([]string(nil), msg.Flags...),
	}

	if env := msg.Envelope; env != nil {
		raw.MessageID = env.MessageId
		raw.Subject = env.Subject
		raw.Date = env.Date
		if len(env.From) > 0 {
			raw.SenderName = env.From[0].PersonalName
			raw.SenderEmail = env.From[0].Address()
		}
		for _, to := range env.To {
			raw.To = append(raw.To, to.Address())
		}
		for _, cc := range env.Cc {
			raw.To = append(raw.To, cc.Address())
		}
	}

	if literal := msg.GetBody(section); literal != nil {
		body, err := io.ReadAll(literal)
		if err == nil {
			raw.Body = body
		}
	}

	return raw
}

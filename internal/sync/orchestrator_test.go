package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warren/mailmirror/internal/email"
	"github.com/warren/mailmirror/internal/notify"
	"github.com/warren/mailmirror/internal/store"
	"github.com/warren/mailmirror/pkg/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newSyncStore(t *testing.T) (*store.Store, int64) {
	t.Helper()

	st, err := store.Open(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	id, err := st.UpsertAccount(context.Background(), &types.Account{
		Name:        "acct",
		Host:        "imap.example.com",
		Port:        993,
		Username:    "user@example.com",
		Password:    "enc",
		Security:    types.SecurityTLS,
		SyncFolders: []string{"INBOX"},
	})
	require.NoError(t, err)
	return st, id
}

func rawFor(uid uint32) types.RawMessage {
	body := fmt.Sprintf("From: s@example.com\r\nSubject: msg %d\r\nMessage-Id: <u%d@example.com>\r\nContent-Type: text/plain\r\n\r\nbody %d",
		uid, uid, uid)
	return types.RawMessage{
		UID:         uid,
		Flags:       []string{"\\Seen"},
		MessageID:   fmt.Sprintf("<u%d@example.com>", uid),
		Subject:     fmt.Sprintf("msg %d", uid),
		SenderEmail: "s@example.com",
		Date:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Body:        []byte(body),
	}
}

func refsRange(lo, hi uint32) []types.RemoteMessageRef {
	var refs []types.RemoteMessageRef
	for uid := lo; uid <= hi; uid++ {
		refs = append(refs, types.RemoteMessageRef{UID: uid, Flags: []string{"\\Seen"}})
	}
	return refs
}

// fakeMailbox serves a configurable remote folder state. failFetch, when set,
// decides per fetch call whether the window errors; mangle rewrites raw
// messages before they are returned.
type fakeMailbox struct {
	mu         sync.Mutex
	refs       map[string][]types.RemoteMessageRef
	validity   map[string]uint32
	failFetch  func(call int, uids []uint32) error
	mangle     func(raw *types.RawMessage)
	fetchCalls int
}

func newFakeMailbox(folder string, refs []types.RemoteMessageRef, validity uint32) *fakeMailbox {
	return &fakeMailbox{
		refs:     map[string][]types.RemoteMessageRef{folder: refs},
		validity: map[string]uint32{folder: validity},
	}
}

func (m *fakeMailbox) ListFolders() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var folders []string
	for f := range m.refs {
		folders = append(folders, f)
	}
	return folders, nil
}

func (m *fakeMailbox) ListMessages(folder string) ([]types.RemoteMessageRef, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[folder], m.validity[folder], nil
}

func (m *fakeMailbox) FetchWindow(ctx context.Context, folder string, uids []uint32) ([]types.RawMessage, error) {
	m.mu.Lock()
	m.fetchCalls++
	call := m.fetchCalls
	fail := m.failFetch
	mangle := m.mangle
	m.mu.Unlock()

	if fail != nil {
		if err := fail(call, uids); err != nil {
			return nil, err
		}
	}

	raws := make([]types.RawMessage, 0, len(uids))
	for _, uid := range uids {
		raw := rawFor(uid)
		if mangle != nil {
			mangle(&raw)
		}
		raws = append(raws, raw)
	}
	return raws, nil
}

// fakePool hands out a single mailbox and enforces the busy rule. gate, when
// set, blocks Acquire until the test releases it; started signals each
// Acquire attempt; errs is a queue of one-shot Acquire failures.
type fakePool struct {
	mu      sync.Mutex
	mbox    Mailbox
	busy    map[int64]bool
	errs    []error
	gate    chan struct{}
	started chan struct{}
}

func newFakePool(mbox Mailbox) *fakePool {
	return &fakePool{mbox: mbox, busy: make(map[int64]bool)}
}

func (p *fakePool) Acquire(ctx context.Context, account *types.Account) (Mailbox, error) {
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.gate:
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return nil, err
	}
	if p.busy[account.ID] {
		return nil, email.ErrAccountBusy
	}
	p.busy[account.ID] = true
	return p.mbox, nil
}

func (p *fakePool) Release(accountID int64, _ Mailbox) {
	p.mu.Lock()
	delete(p.busy, accountID)
	p.mu.Unlock()
}

// recordSink captures every published event; onEvent fires outside the lock.
type recordSink struct {
	mu      sync.Mutex
	events  []notify.Event
	onEvent func(notify.Event)
}

func (s *recordSink) Publish(_ int64, e notify.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	cb := s.onEvent
	s.mu.Unlock()
	if cb != nil {
		cb(e)
	}
}

func (s *recordSink) countType(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (s *recordSink) hasStatus(status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Type == notify.TypeSyncStatus && e.Payload.Status == status {
			return true
		}
	}
	return false
}

func TestRunFullSync(t *testing.T) {
	st, id := newSyncStore(t)
	mbox := newFakeMailbox("INBOX", refsRange(101, 150), 9)
	sink := &recordSink{}
	orch := NewOrchestrator(st, newFakePool(mbox), sink, 0, testLogger())

	report, err := orch.Run(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, 50, report.Fetched())
	assert.False(t, report.Partial())
	require.Len(t, report.Folders, 1)
	assert.Equal(t, 50, report.Folders[0].Total)
	assert.Equal(t, uint32(150), report.Folders[0].CursorUID)
	assert.False(t, report.Folders[0].CursorReset)

	cur, err := st.GetCursor(context.Background(), id, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(150), cur.LastSeenUID)
	assert.Equal(t, uint32(9), cur.UIDValidity)

	count, err := st.CountEmails(context.Background(), id, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 50, count)

	assert.True(t, sink.hasStatus(notify.StatusSyncing))
	assert.True(t, sink.hasStatus(notify.StatusCompleted))
	assert.False(t, sink.hasStatus(notify.StatusFailed))
	assert.Equal(t, 50, sink.countType(notify.TypeEmailNew))
}

func TestRunIsIdempotent(t *testing.T) {
	st, id := newSyncStore(t)
	mbox := newFakeMailbox("INBOX", refsRange(1, 10), 9)
	orch := NewOrchestrator(st, newFakePool(mbox), &recordSink{}, 0, testLogger())

	report, err := orch.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 10, report.Fetched())

	report, err = orch.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Fetched())

	count, err := st.CountEmails(context.Background(), id, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 10, count)
}

func TestWindowRetriesAtHalfSize(t *testing.T) {
	st, id := newSyncStore(t)
	mbox := newFakeMailbox("INBOX", refsRange(1, 20), 9)
	// First call (the full window) fails; the two half windows succeed.
	mbox.failFetch = func(call int, _ []uint32) error {
		if call == 1 {
			return errors.New("fetch timeout")
		}
		return nil
	}
	orch := NewOrchestrator(st, newFakePool(mbox), &recordSink{}, 25, testLogger())

	report, err := orch.Run(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, 20, report.Fetched())
	assert.False(t, report.Partial())
	assert.Equal(t, uint32(20), report.Folders[0].CursorUID)
}

func TestFailedWindowDoesNotBlockLaterOnes(t *testing.T) {
	st, id := newSyncStore(t)
	mbox := newFakeMailbox("INBOX", refsRange(1, 75), 9)
	// Any window touching 26..50 fails, full size and halves alike.
	mbox.failFetch = func(_ int, uids []uint32) error {
		for _, uid := range uids {
			if uid >= 26 && uid <= 50 {
				return errors.New("server dropped connection")
			}
		}
		return nil
	}
	orch := NewOrchestrator(st, newFakePool(mbox), &recordSink{}, 25, testLogger())

	report, err := orch.Run(context.Background(), id)
	require.NoError(t, err)

	// Windows 1-25 and 51-75 landed; 26-50 is pending retry and the cursor
	// stops at the last contiguous committed window.
	assert.Equal(t, 50, report.Fetched())
	assert.True(t, report.Partial())
	fr := report.Folders[0]
	require.Len(t, fr.SkippedRanges, 1)
	assert.Equal(t, UIDRange{Lo: 26, Hi: 50}, fr.SkippedRanges[0])
	assert.Equal(t, uint32(25), fr.CursorUID)

	cur, err := st.GetCursor(context.Background(), id, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(25), cur.LastSeenUID)

	later, err := st.GetEmailByUID(context.Background(), id, "INBOX", 60)
	require.NoError(t, err)
	assert.NotNil(t, later)

	assert.Contains(t, report.Summary(), "skipped pending retry")
}

func TestValidityChangeResetsCursor(t *testing.T) {
	st, id := newSyncStore(t)
	ctx := context.Background()
	mbox := newFakeMailbox("INBOX", refsRange(1, 5), 9)
	orch := NewOrchestrator(st, newFakePool(mbox), &recordSink{}, 0, testLogger())

	_, err := orch.Run(ctx, id)
	require.NoError(t, err)

	// The remote folder is recreated: new validity token, fresh UID space.
	mbox.mu.Lock()
	mbox.refs["INBOX"] = refsRange(11, 13)
	mbox.validity["INBOX"] = 10
	mbox.mu.Unlock()

	report, err := orch.Run(ctx, id)
	require.NoError(t, err)
	assert.True(t, report.Folders[0].CursorReset)
	assert.Equal(t, 3, report.Fetched())

	cur, err := st.GetCursor(ctx, id, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(10), cur.UIDValidity)
	assert.Equal(t, uint32(13), cur.LastSeenUID)

	// The next run under the new validity sees the old rows as vanished.
	report, err = orch.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Folders[0].Missing)
}

func TestFlagReconcileAndMissing(t *testing.T) {
	st, id := newSyncStore(t)
	ctx := context.Background()
	mbox := newFakeMailbox("INBOX", refsRange(1, 3), 9)
	orch := NewOrchestrator(st, newFakePool(mbox), &recordSink{}, 0, testLogger())

	_, err := orch.Run(ctx, id)
	require.NoError(t, err)

	mbox.mu.Lock()
	mbox.refs["INBOX"] = []types.RemoteMessageRef{
		{UID: 1, Flags: []string{"\\Seen", "\\Flagged"}},
		{UID: 2, Flags: []string{"\\Seen"}},
	}
	mbox.mu.Unlock()

	report, err := orch.Run(ctx, id)
	require.NoError(t, err)
	fr := report.Folders[0]
	assert.Equal(t, 0, fr.Fetched)
	assert.Equal(t, 1, fr.FlagUpdates)
	assert.Equal(t, 1, fr.Missing)

	known, err := st.KnownMessages(ctx, id, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, store.CanonicalFlags([]string{"\\Flagged", "\\Seen"}), known[1])
	assert.NotContains(t, known, uint32(3))
}

func TestBusyAccountSurfacesWithoutFailureEvent(t *testing.T) {
	st, id := newSyncStore(t)
	mbox := newFakeMailbox("INBOX", refsRange(1, 2), 9)
	pool := newFakePool(mbox)
	pool.busy[id] = true
	sink := &recordSink{}
	orch := NewOrchestrator(st, pool, sink, 0, testLogger())

	_, err := orch.Run(context.Background(), id)
	assert.ErrorIs(t, err, email.ErrAccountBusy)
	assert.False(t, sink.hasStatus(notify.StatusFailed))
	assert.False(t, sink.hasStatus(notify.StatusSyncing))
}

func TestMappingFailureIsolated(t *testing.T) {
	st, id := newSyncStore(t)
	mbox := newFakeMailbox("INBOX", refsRange(1, 3), 9)
	mbox.mangle = func(raw *types.RawMessage) {
		if raw.UID == 2 {
			raw.UID = 0 // unusable message
		}
	}
	orch := NewOrchestrator(st, newFakePool(mbox), &recordSink{}, 0, testLogger())

	report, err := orch.Run(context.Background(), id)
	require.NoError(t, err)

	fr := report.Folders[0]
	assert.Equal(t, 2, fr.Fetched)
	assert.Equal(t, 1, fr.MappingErrors)
	assert.Empty(t, fr.SkippedRanges)
	assert.Equal(t, uint32(3), fr.CursorUID)
	assert.Contains(t, report.Summary(), "failed mapping")
}

func TestCancelStopsAtWindowBoundary(t *testing.T) {
	st, id := newSyncStore(t)
	mbox := newFakeMailbox("INBOX", refsRange(1, 50), 9)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordSink{}
	sink.onEvent = func(e notify.Event) {
		// Cancel once the first window reports progress.
		if e.Type == notify.TypeSyncStatus && e.Payload.Total > 0 {
			cancel()
		}
	}
	orch := NewOrchestrator(st, newFakePool(mbox), sink, 25, testLogger())

	report, err := orch.Run(ctx, id)
	require.NoError(t, err)

	fr := report.Folders[0]
	assert.Equal(t, 25, fr.Fetched)
	require.Len(t, fr.SkippedRanges, 1)
	assert.Equal(t, UIDRange{Lo: 26, Hi: 50}, fr.SkippedRanges[0])
	assert.Equal(t, uint32(25), fr.CursorUID)

	cur, err := st.GetCursor(context.Background(), id, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(25), cur.LastSeenUID)
}

func TestFoldersListedWhenUnconfigured(t *testing.T) {
	st, _ := newSyncStore(t)
	id, err := st.UpsertAccount(context.Background(), &types.Account{
		Name: "bare", Host: "imap.example.com", Port: 993,
		Username: "bare@example.com", Password: "enc", Security: types.SecurityTLS,
	})
	require.NoError(t, err)

	_, err = st.DB().Exec("UPDATE accounts SET folders = '' WHERE id = ?", id)
	require.NoError(t, err)

	mbox := newFakeMailbox("Archive", refsRange(1, 4), 3)
	orch := NewOrchestrator(st, newFakePool(mbox), &recordSink{}, 0, testLogger())

	report, err := orch.Run(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, report.Folders, 1)
	assert.Equal(t, "Archive", report.Folders[0].Folder)
	assert.Equal(t, 4, report.Fetched())
}

// Package sync contains the mailbox synchronization state machine and the
// dispatcher that schedules its runs.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warren/mailmirror/internal/email"
	"github.com/warren/mailmirror/internal/notify"
	"github.com/warren/mailmirror/internal/store"
	"github.com/warren/mailmirror/pkg/types"
)

// Run states, in the order a healthy run passes through them.
const (
	StateIdle       = "idle"
	StateConnecting = "connecting"
	StateListing    = "listing"
	StateDiffing    = "diffing"
	StateBatching   = "batching"
	StatePersisting = "persisting"
	StatePublishing = "publishing"
	StateDone       = "done"
	StateError      = "error"
)

const defaultWindowSize = 25

// Mailbox is the remote session surface the orchestrator needs. The IMAP
// session satisfies it; tests substitute fakes.
type Mailbox interface {
	ListFolders() ([]string, error)
	ListMessages(folder string) ([]types.RemoteMessageRef, uint32, error)
	FetchWindow(ctx context.Context, folder string, uids []uint32) ([]types.RawMessage, error)
}

// ConnectionPool acquires and releases scoped sessions, enforcing the
// one-session-per-account rule.
type ConnectionPool interface {
	Acquire(ctx context.Context, account *types.Account) (Mailbox, error)
	Release(accountID int64, mbox Mailbox)
}

// EventSink receives sync events. Implementations are fire-and-forget.
type EventSink interface {
	Publish(accountID int64, event notify.Event)
}

// Orchestrator drives one synchronization run per invocation:
// acquire session, diff remote against local, fetch in bounded windows,
// map, persist, advance the cursor, publish.
type Orchestrator struct {
	store      *store.Store
	pool       ConnectionPool
	events     EventSink
	windowSize int
	logger     *logrus.Logger
}

// NewOrchestrator wires the state machine. windowSize <= 0 selects the
// default of 25 UIDs per fetch window.
func NewOrchestrator(st *store.Store, pool ConnectionPool, events EventSink, windowSize int, logger *logrus.Logger) *Orchestrator {
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	return &Orchestrator{
		store:      st,
		pool:       pool,
		events:     events,
		windowSize: windowSize,
		logger:     logger,
	}
}

// Run synchronizes one account. Only account-level failures (credentials,
// connect, folder listing) return an error; window and per-message failures
// degrade into the report. A concurrent run for the same account surfaces
// email.ErrAccountBusy.
func (o *Orchestrator) Run(ctx context.Context, accountID int64) (*Report, error) {
	report := &Report{AccountID: accountID, Started: time.Now()}
	log := o.logger.WithField("account_id", accountID)
	log.WithField("state", StateConnecting).Debug("Sync run starting")

	account, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, o.fail(accountID, log, fmt.Errorf("load account: %w", err))
	}

	mbox, err := o.pool.Acquire(ctx, account)
	if err != nil {
		if errors.Is(err, email.ErrAccountBusy) {
			// A run is already in flight; this invocation is a no-op.
			return nil, err
		}
		return nil, o.fail(accountID, log, err)
	}
	defer o.pool.Release(accountID, mbox)

	o.events.Publish(accountID, notify.StatusEvent(accountID, notify.StatusSyncing, "synchronization started"))

	folders := account.SyncFolders
	if len(folders) == 0 {
		folders, err = mbox.ListFolders()
		if err != nil {
			return nil, o.fail(accountID, log, err)
		}
	}

	for _, folder := range folders {
		fr, err := o.syncFolder(ctx, mbox, accountID, folder, log)
		if err != nil {
			// Listing or storage failure: no per-folder progress is possible.
			return nil, o.fail(accountID, log, fmt.Errorf("folder %s: %w", folder, err))
		}
		report.Folders = append(report.Folders, *fr)

		if ctx.Err() != nil {
			break
		}
	}

	report.Finished = time.Now()
	log.WithFields(logrus.Fields{
		"state":   StateDone,
		"fetched": report.Fetched(),
		"partial": report.Partial(),
	}).Info("Sync run finished")

	o.events.Publish(accountID, notify.StatusEvent(accountID, notify.StatusCompleted, report.Summary()))
	return report, nil
}

func (o *Orchestrator) fail(accountID int64, log *logrus.Entry, err error) error {
	log.WithError(err).WithField("state", StateError).Error("Sync run failed")
	o.events.Publish(accountID, notify.StatusEvent(accountID, notify.StatusFailed, err.Error()))
	return err
}

// syncFolder runs the Listing→Diffing→Batching→Persisting→Publishing leg for
// one folder. Windows are processed in ascending UID order and the cursor
// only ever reflects contiguous committed progress.
func (o *Orchestrator) syncFolder(ctx context.Context, mbox Mailbox, accountID int64, folder string, log *logrus.Entry) (*FolderReport, error) {
	flog := log.WithField("folder", folder)
	fr := &FolderReport{Folder: folder}

	flog.WithField("state", StateListing).Debug("Listing remote folder")
	refs, validity, err := mbox.ListMessages(folder)
	if err != nil {
		return nil, err
	}

	flog.WithField("state", StateDiffing).Debug("Diffing remote against mirror")
	cursor, err := o.store.GetCursor(ctx, accountID, folder)
	if err != nil {
		return nil, err
	}

	var known map[uint32]string
	if cursor.UIDValidity != 0 && cursor.UIDValidity != validity {
		// The remote folder was recreated; the cursor is no longer
		// trustworthy and every remote message counts as new.
		flog.WithFields(logrus.Fields{
			"stored_validity": cursor.UIDValidity,
			"remote_validity": validity,
		}).Warn("UIDVALIDITY changed, resetting cursor")
		if err := o.store.ResetCursor(ctx, accountID, folder, validity); err != nil {
			return nil, err
		}
		fr.CursorReset = true
		cursor.LastSeenUID = 0
		known = make(map[uint32]string)
	} else {
		known, err = o.store.KnownMessages(ctx, accountID, folder)
		if err != nil {
			return nil, err
		}
	}

	remote := make(map[uint32]struct{}, len(refs))
	var toFetch []uint32
	type flagUpdate struct {
		uid   uint32
		flags []string
	}
	var toReconcile []flagUpdate

	for _, ref := range refs {
		remote[ref.UID] = struct{}{}
		storedFlags, ok := known[ref.UID]
		if !ok {
			toFetch = append(toFetch, ref.UID)
			continue
		}
		if store.CanonicalFlags(ref.Flags) != storedFlags {
			toReconcile = append(toReconcile, flagUpdate{uid: ref.UID, flags: ref.Flags})
		}
	}

	var missing []uint32
	for uid := range known {
		if _, ok := remote[uid]; !ok {
			missing = append(missing, uid)
		}
	}

	sort.Slice(toFetch, func(i, j int) bool { return toFetch[i] < toFetch[j] })
	fr.Total = len(toFetch)

	flog.WithFields(logrus.Fields{
		"state":     StateBatching,
		"to_fetch":  len(toFetch),
		"reconcile": len(toReconcile),
		"missing":   len(missing),
	}).Info("Folder diff computed")

	cursorUID := cursor.LastSeenUID
	advance := true

	for start := 0; start < len(toFetch); start += o.windowSize {
		// Cancellation is only observed at window boundaries; an in-flight
		// window always finishes.
		if ctx.Err() != nil {
			rest := toFetch[start:]
			fr.SkippedRanges = append(fr.SkippedRanges, UIDRange{Lo: rest[0], Hi: rest[len(rest)-1]})
			advance = false
			break
		}

		end := start + o.windowSize
		if end > len(toFetch) {
			end = len(toFetch)
		}
		window := toFetch[start:end]

		raws, failed := o.fetchWindow(ctx, mbox, folder, window, flog)

		flog.WithField("state", StatePersisting).Debug("Persisting window")
		persisted := 0
		windowClean := len(failed) == 0

		for _, raw := range raws {
			mapped, err := email.MapMessage(raw, accountID, folder)
			if err != nil {
				// One malformed message fails alone, never its window.
				flog.WithError(err).WithField("uid", raw.UID).Warn("Message mapping failed")
				fr.MappingErrors++
				continue
			}

			outcome, err := o.store.UpsertEmail(ctx, mapped)
			if err != nil {
				flog.WithError(err).WithField("uid", raw.UID).Error("Upsert failed")
				failed = append(failed, raw.UID)
				windowClean = false
				continue
			}
			persisted++

			eventType := notify.TypeEmailNew
			if outcome != store.OutcomeInserted {
				eventType = notify.TypeEmailUpdated
			}
			o.events.Publish(accountID, notify.Event{
				Type: eventType,
				Payload: notify.Payload{
					AccountID: accountID,
					Folder:    folder,
					Message:   mapped.MessageID,
				},
			})
		}
		fr.Fetched += persisted

		if len(failed) > 0 {
			sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
			fr.SkippedRanges = append(fr.SkippedRanges, UIDRange{Lo: failed[0], Hi: failed[len(failed)-1]})
		}

		if windowClean && advance {
			// The window is durably stored; commit the cursor past it. A
			// crash before this point re-fetches the window next run, which
			// the idempotent upsert absorbs.
			cursorUID = window[len(window)-1]
			if err := o.store.AdvanceCursor(ctx, accountID, folder, cursorUID, validity); err != nil {
				return nil, err
			}
		} else {
			advance = false
		}

		flog.WithField("state", StatePublishing).Debug("Publishing window progress")
		o.events.Publish(accountID, notify.ProgressEvent(accountID, folder, fr.Fetched, fr.Total))
	}

	if ctx.Err() != nil {
		fr.CursorUID = cursorUID
		return fr, nil
	}

	for _, fu := range toReconcile {
		if err := o.store.UpdateFlags(ctx, accountID, folder, fu.uid, fu.flags); err != nil {
			flog.WithError(err).WithField("uid", fu.uid).Warn("Flag reconcile failed")
			continue
		}
		fr.FlagUpdates++
		o.events.Publish(accountID, notify.Event{
			Type:    notify.TypeEmailUpdated,
			Payload: notify.Payload{AccountID: accountID, Folder: folder},
		})
	}

	if len(missing) > 0 {
		if err := o.store.MarkMissing(ctx, accountID, folder, missing); err != nil {
			flog.WithError(err).Warn("Marking vanished messages failed")
		} else {
			fr.Missing = len(missing)
		}
	}

	// Record the validity token even when nothing was fetched, so the next
	// run can detect folder recreation.
	if err := o.store.AdvanceCursor(ctx, accountID, folder, cursorUID, validity); err != nil {
		return nil, err
	}
	fr.CursorUID = cursorUID

	o.events.Publish(accountID, notify.ProgressEvent(accountID, folder, fr.Fetched, fr.Total))
	return fr, nil
}

// fetchWindow fetches one window, retrying once at half the window size on
// failure. Returns the raw messages that arrived and the UIDs that did not.
func (o *Orchestrator) fetchWindow(ctx context.Context, mbox Mailbox, folder string, uids []uint32, log *logrus.Entry) ([]types.RawMessage, []uint32) {
	raws, err := mbox.FetchWindow(ctx, folder, uids)
	if err == nil {
		return raws, nil
	}

	log.WithError(err).WithFields(logrus.Fields{
		"window_lo": uids[0],
		"window_hi": uids[len(uids)-1],
	}).Warn("Window fetch failed, retrying at half size")

	half := len(uids) / 2
	if half == 0 {
		return nil, uids
	}

	var got []types.RawMessage
	var failed []uint32
	for _, part := range [][]uint32{uids[:half], uids[half:]} {
		raws, err := mbox.FetchWindow(ctx, folder, part)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"window_lo": part[0],
				"window_hi": part[len(part)-1],
			}).Warn("Half-window fetch failed, skipping range")
			failed = append(failed, part...)
			continue
		}
		got = append(got, raws...)
	}
	return got, failed
}

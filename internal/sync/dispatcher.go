package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warren/mailmirror/internal/email"
)

// Hook receives the terminal outcome of a dispatched run: a nil error plus a
// human-readable summary on success, or the failure.
type Hook func(err error, summary string)

const busyRetryDelay = 2 * time.Second

type task struct {
	accountID int64
	hook      Hook
}

// Dispatcher schedules orchestrator runs with at-least-once semantics. An
// account with a run already queued is coalesced rather than queued twice;
// an account whose run is in flight is retried shortly after, so a change
// signal arriving mid-run is never lost.
type Dispatcher struct {
	orch   *Orchestrator
	logger *logrus.Logger

	queue  chan task
	mu     sync.Mutex
	queued map[int64]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given worker count.
func NewDispatcher(orch *Orchestrator, workers, queueSize int, logger *logrus.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	d := &Dispatcher{
		orch:   orch,
		logger: logger,
		queue:  make(chan task, queueSize),
		queued: make(map[int64]bool),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue schedules a sync run for the account. Returns false when a run for
// the account is already queued (the pending run covers this request) or the
// queue is full.
func (d *Dispatcher) Enqueue(accountID int64, hook Hook) bool {
	if d.ctx.Err() != nil {
		return false
	}

	d.mu.Lock()
	if d.queued[accountID] {
		d.mu.Unlock()
		return false
	}
	d.queued[accountID] = true
	d.mu.Unlock()

	select {
	case d.queue <- task{accountID: accountID, hook: hook}:
		return true
	default:
		d.mu.Lock()
		delete(d.queued, accountID)
		d.mu.Unlock()
		d.logger.WithField("account_id", accountID).Warn("Dispatch queue full, dropping sync request")
		return false
	}
}

// Trigger is the change-watcher entry point: enqueue without a hook.
func (d *Dispatcher) Trigger(accountID int64) {
	d.Enqueue(accountID, nil)
}

// Stop cancels in-flight runs at their next window boundary and waits for
// the workers to exit.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		var t task
		select {
		case <-d.ctx.Done():
			return
		case t = <-d.queue:
		}

		// Clear the queued mark before running so a change observed during
		// the run schedules a follow-up instead of being coalesced away.
		d.mu.Lock()
		delete(d.queued, t.accountID)
		d.mu.Unlock()

		report, err := d.orch.Run(d.ctx, t.accountID)
		if errors.Is(err, email.ErrAccountBusy) {
			// Another worker holds the account's session. Retry shortly so
			// the triggering change is still picked up.
			d.logger.WithField("account_id", t.accountID).Debug("Account busy, rescheduling")
			d.retryLater(t)
			continue
		}

		if t.hook != nil {
			if err != nil {
				t.hook(err, "")
			} else {
				t.hook(nil, report.Summary())
			}
		}
		if err != nil {
			d.logger.WithError(err).WithField("account_id", t.accountID).Error("Sync run failed")
		}
	}
}

func (d *Dispatcher) retryLater(t task) {
	go func() {
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(busyRetryDelay):
		}
		d.Enqueue(t.accountID, t.hook)
	}()
}

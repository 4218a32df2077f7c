// Package notify emits structured sync events toward the pub/sub fabric.
// Delivery is best-effort: a publish failure is logged and swallowed, never
// propagated back into the sync state machine.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Event types and statuses of the wire envelope.
const (
	TypeSyncStatus   = "sync_status"
	TypeEmailNew     = "email_new"
	TypeEmailUpdated = "email_updated"

	StatusListening = "listening"
	StatusSyncing   = "syncing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Event is the JSON envelope consumed by the websocket layer.
type Event struct {
	Type    string  `json:"type"`
	Payload Payload `json:"payload"`
}

// Payload carries the per-account status and optional progress fields.
type Payload struct {
	AccountID int64  `json:"accountId"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Folder    string `json:"folder,omitempty"`
	Fetched   int    `json:"fetched,omitempty"`
	Total     int    `json:"total,omitempty"`
}

// StatusEvent builds a sync_status envelope.
func StatusEvent(accountID int64, status, message string) Event {
	return Event{
		Type:    TypeSyncStatus,
		Payload: Payload{AccountID: accountID, Status: status, Message: message},
	}
}

// ProgressEvent builds a sync_status envelope carrying folder progress.
func ProgressEvent(accountID int64, folder string, fetched, total int) Event {
	return Event{
		Type: TypeSyncStatus,
		Payload: Payload{
			AccountID: accountID,
			Status:    StatusSyncing,
			Folder:    folder,
			Fetched:   fetched,
			Total:     total,
		},
	}
}

const (
	streamName = "MAIL_EVENTS"
	subjectFmt = "mailmirror.account.%d"
)

// Publisher delivers events to a NATS JetStream stream, one logical channel
// per account.
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Logger
}

// NewPublisher connects to NATS and ensures the events stream exists.
func NewPublisher(url string, logger *logrus.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	p := &Publisher{nc: nc, js: js, logger: logger}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureStream() error {
	if info, err := p.js.StreamInfo(streamName); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"mailmirror.account.*"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish emits one event on the account's channel. Fire-and-forget.
func (p *Publisher) Publish(accountID int64, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).Warn("Failed to encode event")
		return
	}

	subject := fmt.Sprintf(subjectFmt, accountID)
	if _, err := p.js.Publish(subject, payload, nats.MsgId(uuid.NewString())); err != nil {
		p.logger.WithError(err).WithField("subject", subject).Warn("Failed to publish event")
	}
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// LogSink is a stand-in publisher for setups without a NATS fabric; events
// only land in the log.
type LogSink struct {
	Logger *logrus.Logger
}

// Publish logs the event.
func (l *LogSink) Publish(accountID int64, event Event) {
	l.Logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"type":       event.Type,
		"status":     event.Payload.Status,
		"message":    event.Payload.Message,
	}).Info("Sync event")
}

package types

import (
	"fmt"
	"time"
)

// TLS modes for the IMAP transport.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

// Account identifies a remote mailbox. The password field holds vault
// ciphertext at rest; it is only decrypted while a session is being opened.
type Account struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Host        string    `db:"host" json:"host"`
	Port        int       `db:"port" json:"port"`
	Username    string    `db:"username" json:"username"`
	Password    string    `db:"password_enc" json:"-"`
	Security    string    `db:"security" json:"security"`
	SyncFolders []string  `db:"-" json:"sync_folders"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Addr returns the host:port dial address.
func (a *Account) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// RemoteMessageRef is a lightweight identifier returned by a folder listing.
// It lives only for the duration of a diff and is never persisted.
type RemoteMessageRef struct {
	UID   uint32
	Flags []string
}

// SyncCursor records, per (account, folder), the highest UID that has been
// durably persisted. The cursor is only trustworthy while the folder's
// UIDVALIDITY token is unchanged; a token change invalidates it.
type SyncCursor struct {
	AccountID   int64     `db:"account_id"`
	FolderName  string    `db:"folder_name"`
	LastSeenUID uint32    `db:"last_seen_uid"`
	UIDValidity uint32    `db:"uid_validity"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// RawMessage is the transport-neutral shape produced at the IMAP boundary.
// The mapper only ever sees this, never go-imap types.
type RawMessage struct {
	UID         uint32
	Flags       []string
	MessageID   string
	Subject     string
	SenderName  string
	SenderEmail string
	To          []string
	Date        time.Time
	Body        []byte // full RFC822 message, may be empty
}

// AttachmentMeta describes an attachment without its content.
type AttachmentMeta struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// NormalizedEmail is the storage-ready record produced by the mapper.
type NormalizedEmail struct {
	ID          int64            `json:"id"`
	AccountID   int64            `json:"account_id"`
	FolderName  string           `json:"folder_name"`
	UID         uint32           `json:"uid"`
	MessageID   string           `json:"message_id"`
	Subject     string           `json:"subject"`
	SenderName  string           `json:"sender_name"`
	SenderEmail string           `json:"sender_email"`
	To          []string         `json:"to"`
	Date        time.Time        `json:"date"`
	BodyText    string           `json:"body_text,omitempty"`
	BodyHTML    string           `json:"body_html,omitempty"`
	Flags       []string         `json:"flags,omitempty"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
	StoredAt    time.Time        `json:"stored_at"`
}

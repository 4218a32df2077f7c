package email

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"

	"github.com/warren/mailmirror/pkg/types"
)

// ErrUnmappable marks a raw message that cannot produce a stored record at
// all. Header and MIME defects never cause it; those degrade to empty or
// fallback fields so one malformed message cannot take down its window.
var ErrUnmappable = errors.New("email: message cannot be mapped")

// MapMessage converts a raw fetched message into the normalized storage
// record. Pure: no I/O, no shared state.
func MapMessage(raw types.RawMessage, accountID int64, folder string) (*types.NormalizedEmail, error) {
	if raw.UID == 0 {
		return nil, fmt.Errorf("%w: missing uid", ErrUnmappable)
	}
	if folder == "" {
		return nil, fmt.Errorf("%w: missing folder", ErrUnmappable)
	}

	email := &types.NormalizedEmail{
		AccountID:   accountID,
		FolderName:  folder,
		UID:         raw.UID,
		MessageID:   strings.TrimSpace(raw.MessageID),
		Subject:     raw.Subject,
		SenderName:  raw.SenderName,
		SenderEmail: raw.SenderEmail,
		To:          append([]string(nil), raw.To...),
		Date:        raw.Date,
		Flags:       append([]string(nil), raw.Flags...),
	}

	// A missing date is substituted rather than rejected; the remote server
	// remains the source of truth on the next full re-fetch.
	if email.Date.IsZero() {
		email.Date = time.Unix(0, 0).UTC()
	}

	if len(raw.Body) > 0 {
		fillBody(email, raw.Body)
	}

	return email, nil
}

// fillBody parses the RFC822 payload. Preference order: keep both text and
// HTML when present, derive text from HTML when only HTML exists, and fall
// back to the raw payload when MIME parsing fails outright.
func fillBody(email *types.NormalizedEmail, body []byte) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(body))
	if err != nil {
		email.BodyText = string(body)
		return
	}

	email.BodyText = env.Text
	email.BodyHTML = env.HTML

	if email.BodyText == "" && email.BodyHTML != "" {
		if text, err := html2text.FromString(email.BodyHTML, html2text.Options{TextOnly: true}); err == nil {
			email.BodyText = text
		}
	}

	// Envelope headers win over MIME part headers only when the envelope was
	// empty; some servers omit envelope data for damaged messages.
	if email.Subject == "" {
		email.Subject = env.GetHeader("Subject")
	}
	if email.MessageID == "" {
		email.MessageID = strings.Trim(env.GetHeader("Message-Id"), "<> ")
	}

	for _, att := range env.Attachments {
		email.Attachments = append(email.Attachments, types.AttachmentMeta{
			Filename:    att.FileName,
			ContentType: att.ContentType,
			Size:        len(att.Content),
		})
	}
}

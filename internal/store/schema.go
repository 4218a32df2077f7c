package store

// Schema contains the SQL schema for the local mailbox mirror.
const Schema = `
-- Accounts table. Passwords are vault ciphertext, never plaintext.
CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    host TEXT NOT NULL,
    port INTEGER NOT NULL,
    username TEXT NOT NULL,
    password_enc TEXT NOT NULL,
    security TEXT NOT NULL DEFAULT 'tls',
    folders TEXT NOT NULL DEFAULT 'INBOX',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- One sync cursor per (account, folder). last_seen_uid only moves forward
-- while uid_validity is stable; a validity change resets it.
CREATE TABLE IF NOT EXISTS sync_cursors (
    account_id INTEGER NOT NULL,
    folder_name TEXT NOT NULL,
    last_seen_uid INTEGER NOT NULL DEFAULT 0,
    uid_validity INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (account_id, folder_name),
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
);

-- Mirrored messages. Exactly one row per (account, folder, uid).
CREATE TABLE IF NOT EXISTS emails (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL,
    folder_name TEXT NOT NULL,
    uid INTEGER NOT NULL,
    message_id TEXT NOT NULL DEFAULT '',
    subject TEXT,
    sender_name TEXT,
    sender_email TEXT,
    to_addrs TEXT,
    date DATETIME,
    body_text TEXT,
    body_html TEXT,
    flags TEXT,
    attachments TEXT,
    deleted_at DATETIME,
    stored_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    UNIQUE(account_id, folder_name, uid)
);

CREATE INDEX IF NOT EXISTS idx_emails_account_id ON emails(account_id);
CREATE INDEX IF NOT EXISTS idx_emails_date ON emails(date);
-- Secondary lookup for move detection.
CREATE INDEX IF NOT EXISTS idx_emails_message_id ON emails(account_id, message_id);
`

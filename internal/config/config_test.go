package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/data/mailmirror.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 25, cfg.WindowSize)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 60*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 2, cfg.Workers)
	assert.Empty(t, cfg.Accounts)
}

func TestLoadSingleAccountBlock(t *testing.T) {
	t.Setenv("IMAP_HOST", "imap.example.com")
	t.Setenv("IMAP_USERNAME", "user@example.com")
	t.Setenv("IMAP_PASSWORD", "hunter2")
	t.Setenv("IMAP_FOLDERS", "INBOX, Archive")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 1)

	acc := cfg.Accounts[0]
	assert.Equal(t, "default", acc.Name)
	assert.Equal(t, "imap.example.com", acc.Host)
	assert.Equal(t, 993, acc.Port)
	assert.Equal(t, "tls", acc.Security)
	assert.Equal(t, []string{"INBOX", "Archive"}, acc.Folders)
}

func TestLoadNumberedAccountBlocks(t *testing.T) {
	t.Setenv("ACCOUNT_1_NAME", "work")
	t.Setenv("ACCOUNT_1_IMAP_HOST", "imap.work.example.com")
	t.Setenv("ACCOUNT_1_IMAP_USERNAME", "a@work.example.com")
	t.Setenv("ACCOUNT_1_IMAP_PASSWORD", "pw1")
	t.Setenv("ACCOUNT_2_NAME", "home")
	t.Setenv("ACCOUNT_2_IMAP_HOST", "imap.home.example.com")
	t.Setenv("ACCOUNT_2_IMAP_USERNAME", "a@home.example.com")
	t.Setenv("ACCOUNT_2_IMAP_PASSWORD", "pw2")
	t.Setenv("ACCOUNT_2_IMAP_SECURITY", "starttls")
	t.Setenv("ACCOUNT_2_IMAP_PORT", "143")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 2)

	assert.Equal(t, "work", cfg.Accounts[0].Name)
	assert.Equal(t, "home", cfg.Accounts[1].Name)
	assert.Equal(t, "starttls", cfg.Accounts[1].Security)
	assert.Equal(t, 143, cfg.Accounts[1].Port)
}

func TestLoadSingleAccountRequiresCredentials(t *testing.T) {
	t.Setenv("IMAP_HOST", "imap.example.com")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			DBPath:     "/tmp/x.db",
			VaultKey:   "abc",
			WindowSize: 25,
			Workers:    2,
		}
	}

	assert.NoError(t, base().Validate())

	c := base()
	c.VaultKey = ""
	assert.Error(t, c.Validate())

	c = base()
	c.WindowSize = 0
	assert.Error(t, c.Validate())

	c = base()
	c.WindowSize = 501
	assert.Error(t, c.Validate())

	c = base()
	c.Accounts = []AccountConfig{{Name: "x", Host: "h", Port: 993, Security: "ssl"}}
	assert.Error(t, c.Validate())

	c = base()
	c.Accounts = []AccountConfig{{Name: "x", Host: "h", Port: 993, Security: "tls"}}
	assert.NoError(t, c.Validate())
}

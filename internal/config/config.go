package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the daemon configuration, loaded from environment variables.
type Config struct {
	DBPath   string
	NATSURL  string
	VaultKey string
	LogLevel string

	WindowSize     int
	ConnectTimeout time.Duration
	FetchTimeout   time.Duration
	WatchInterval  time.Duration
	Workers        int

	Accounts []AccountConfig
}

// AccountConfig seeds one mailbox account at startup. The password here is
// plaintext from the environment; it is encrypted by the vault before it
// ever reaches the database.
type AccountConfig struct {
	Name     string
	Host     string
	Port     int
	Username string
	Password string
	Security string
	Folders  []string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DBPath:         getEnv("DB_PATH", "/data/mailmirror.db"),
		NATSURL:        getEnv("NATS_URL", ""),
		VaultKey:       getEnv("VAULT_KEY", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		WindowSize:     getEnvInt("SYNC_WINDOW_SIZE", 25),
		ConnectTimeout: getEnvDuration("CONNECT_TIMEOUT", 30*time.Second),
		FetchTimeout:   getEnvDuration("FETCH_TIMEOUT", 60*time.Second),
		WatchInterval:  getEnvDuration("WATCH_INTERVAL", 30*time.Second),
		Workers:        getEnvInt("SYNC_WORKERS", 2),
	}

	accounts, err := loadAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	cfg.Accounts = accounts

	return cfg, nil
}

// loadAccounts reads account seeds from the environment: either a single
// IMAP_* block or numbered ACCOUNT_1_*, ACCOUNT_2_*, ... blocks.
func loadAccounts() ([]AccountConfig, error) {
	if getEnv("IMAP_HOST", "") != "" {
		account, err := loadSingleAccount()
		if err != nil {
			return nil, err
		}
		return []AccountConfig{*account}, nil
	}

	var accounts []AccountConfig
	for num := 1; ; num++ {
		account, err := loadAccountByNumber(num)
		if err != nil {
			break // no more accounts
		}
		accounts = append(accounts, *account)
	}
	return accounts, nil
}

func loadSingleAccount() (*AccountConfig, error) {
	host := getEnv("IMAP_HOST", "")
	username := getEnv("IMAP_USERNAME", "")
	password := getEnv("IMAP_PASSWORD", "")

	if username == "" || password == "" {
		return nil, fmt.Errorf("IMAP_USERNAME and IMAP_PASSWORD are required")
	}

	name := getEnv("ACCOUNT_NAME", "default")

	return &AccountConfig{
		Name:     name,
		Host:     host,
		Port:     getEnvInt("IMAP_PORT", 993),
		Username: username,
		Password: password,
		Security: getEnv("IMAP_SECURITY", "tls"),
		Folders:  splitList(getEnv("IMAP_FOLDERS", "INBOX")),
	}, nil
}

func loadAccountByNumber(num int) (*AccountConfig, error) {
	prefix := fmt.Sprintf("ACCOUNT_%d_", num)

	name := getEnv(prefix+"NAME", "")
	if name == "" {
		return nil, fmt.Errorf("account %d: NAME is required", num)
	}

	host := getEnv(prefix+"IMAP_HOST", "")
	username := getEnv(prefix+"IMAP_USERNAME", "")
	password := getEnv(prefix+"IMAP_PASSWORD", "")

	if host == "" || username == "" || password == "" {
		return nil, fmt.Errorf("account %d: IMAP_HOST, IMAP_USERNAME and IMAP_PASSWORD are required", num)
	}

	return &AccountConfig{
		Name:     name,
		Host:     host,
		Port:     getEnvInt(prefix+"IMAP_PORT", 993),
		Username: username,
		Password: password,
		Security: getEnv(prefix+"IMAP_SECURITY", "tls"),
		Folders:  splitList(getEnv(prefix+"IMAP_FOLDERS", "INBOX")),
	}, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.VaultKey == "" {
		return fmt.Errorf("VAULT_KEY is required")
	}
	if c.WindowSize < 1 || c.WindowSize > 500 {
		return fmt.Errorf("SYNC_WINDOW_SIZE must be between 1 and 500")
	}
	if c.Workers < 1 {
		return fmt.Errorf("SYNC_WORKERS must be at least 1")
	}

	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.Host == "" {
			return fmt.Errorf("account %s: IMAP_HOST is required", acc.Name)
		}
		if acc.Port < 1 || acc.Port > 65535 {
			return fmt.Errorf("account %s: invalid IMAP_PORT", acc.Name)
		}
		switch acc.Security {
		case "tls", "starttls", "none":
		default:
			return fmt.Errorf("account %s: IMAP_SECURITY must be tls, starttls or none", acc.Name)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration gets an environment variable as a duration or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

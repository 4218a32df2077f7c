package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/warren/mailmirror/internal/config"
	"github.com/warren/mailmirror/internal/email"
	"github.com/warren/mailmirror/internal/notify"
	"github.com/warren/mailmirror/internal/store"
	syncpkg "github.com/warren/mailmirror/internal/sync"
	"github.com/warren/mailmirror/internal/vault"
	"github.com/warren/mailmirror/pkg/types"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
)

// imapPool adapts the connection manager to the orchestrator's pool surface.
type imapPool struct {
	manager *email.Manager
}

func (p imapPool) Acquire(ctx context.Context, account *types.Account) (syncpkg.Mailbox, error) {
	sess, err := p.manager.Acquire(ctx, account)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (p imapPool) Release(accountID int64, mbox syncpkg.Mailbox) {
	sess, _ := mbox.(*email.Session)
	p.manager.Release(accountID, sess)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailmirrord version %s\n", version)
		os.Exit(0)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Info("Starting mailmirror daemon")

	credVault, err := vault.New(cfg.VaultKey)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize credential vault")
	}

	mirror, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open mirror database")
	}
	defer mirror.Close()

	var events syncpkg.EventSink
	if cfg.NATSURL != "" {
		publisher, err := notify.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to NATS")
		}
		defer publisher.Close()
		events = publisher
	} else {
		logger.Warn("NATS_URL not set, sync events will only be logged")
		events = &notify.LogSink{Logger: logger}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Seed accounts from the environment; passwords are encrypted before
	// they reach the database.
	for _, seed := range cfg.Accounts {
		encrypted, err := credVault.Encrypt(seed.Password)
		if err != nil {
			logger.WithError(err).WithField("account", seed.Name).Fatal("Failed to encrypt account password")
		}
		acc := &types.Account{
			Name:        seed.Name,
			Host:        seed.Host,
			Port:        seed.Port,
			Username:    seed.Username,
			Password:    encrypted,
			Security:    seed.Security,
			SyncFolders: seed.Folders,
		}
		if _, err := mirror.UpsertAccount(ctx, acc); err != nil {
			logger.WithError(err).WithField("account", seed.Name).Fatal("Failed to seed account")
		}
	}

	manager := email.NewManager(credVault, cfg.ConnectTimeout, cfg.FetchTimeout, logger)
	orchestrator := syncpkg.NewOrchestrator(mirror, imapPool{manager: manager}, events, cfg.WindowSize, logger)
	dispatcher := syncpkg.NewDispatcher(orchestrator, cfg.Workers, 64, logger)

	accounts, err := mirror.ListAccounts(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to list accounts")
	}
	if len(accounts) == 0 {
		logger.Warn("No accounts configured, nothing to synchronize")
	}

	// One change watcher per account, plus an initial sync for each.
	for _, account := range accounts {
		account := account
		go email.NewWatcher(account, credVault, account.SyncFolders, cfg.WatchInterval, dispatcher.Trigger, logger).Run(ctx)
		events.Publish(account.ID, notify.StatusEvent(account.ID, notify.StatusListening, "watching for changes"))

		accLog := logger.WithField("account", account.Name)
		dispatcher.Enqueue(account.ID, func(err error, summary string) {
			if err != nil {
				accLog.WithError(err).Error("Initial sync failed")
				return
			}
			accLog.WithField("result", summary).Info("Initial sync completed")
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.WithField("signal", sig).Info("Received shutdown signal")

	cancel()
	dispatcher.Stop()
	logger.Info("Shutting down mailmirror daemon")
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/harvest/catalog"
	"github.com/hazyhaar/harvest/config"
	"github.com/hazyhaar/harvest/dbopen"
	"github.com/hazyhaar/harvest/dispatch"
	"github.com/hazyhaar/harvest/engine"
	"github.com/hazyhaar/harvest/internal/browser"
	"github.com/hazyhaar/harvest/ledger"
	"github.com/hazyhaar/harvest/login"
	"github.com/hazyhaar/harvest/login/otpmail"
	"github.com/hazyhaar/harvest/notify"
	"github.com/hazyhaar/harvest/profile"
	"github.com/hazyhaar/harvest/secrets"
	"github.com/hazyhaar/harvest/tracker"
	"github.com/hazyhaar/harvest/vtq"
)

// wiring selects the optional parts of an app.
type wiring struct {
	noKeyring bool
	prompt    bool
	queue     bool
}

// app holds the wired components of one process.
type app struct {
	cfg        *config.Config
	db         *sql.DB
	profiles   *profile.SQLiteStore
	secrets    *secrets.Resolver
	ledger     *ledger.Ledger
	queue      *vtq.Q
	engine     *engine.Engine
	dispatcher *dispatch.Dispatcher

	closers []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func setup(ctx context.Context, logger *slog.Logger, configPath string, w wiring) (_ *app, err error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, err
	}
	for _, p := range []*string{&cfg.OutputRoot, &cfg.DownloadDir, &cfg.ProfilesRoot, &cfg.DataDB} {
		*p = cfg.Resolve(*p)
	}
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	cat, err := loadCatalog(cfg.Resolve(cfg.Catalog))
	if err != nil {
		return nil, err
	}

	a.db, err = dbopen.Open(cfg.DataDB, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("open data db: %w", err)
	}
	a.closers = append(a.closers, a.db.Close)

	var sealer *profile.Sealer
	if key := config.SealKey(nil); key != nil {
		if sealer, err = profile.NewSealer(key); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("harvest: cookie snapshots are stored unsealed", "env", config.SealKeyEnv)
	}
	a.profiles = profile.NewSQLiteStore(a.db, profile.SQLiteOptions{
		Root:   cfg.ProfilesRoot,
		Sealer: sealer,
		MaxAge: cfg.SessionMaxAge,
		Region: cfg.Region,
		Logger: logger,
	})
	a.ledger = ledger.New(a.db, ledger.Options{Logger: logger})
	for _, ensure := range []func(context.Context) error{a.profiles.EnsureTable, a.ledger.EnsureTable} {
		if err := ensure(ctx); err != nil {
			return nil, err
		}
	}

	a.secrets = secrets.New(secrets.Options{SkipKeyring: w.noKeyring, Logger: logger})

	var trk *tracker.Tracker
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, rdb.Close)
		trk = tracker.New(rdb, tracker.Options{
			Prefix:      cfg.Redis.Prefix,
			LoginBudget: cfg.Redis.LoginBudget,
			Window:      cfg.Redis.Window,
			Logger:      logger,
		})
	}

	var notifier *notify.Notifier
	if cfg.NATS.URL != "" {
		n, nc, err := notify.Connect(cfg.NATS.URL, cfg.NATS.Prefix, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, nc.Drain)
		notifier = n
	}

	codes := []login.CodeSource{login.Env(os.LookupEnv)}
	if cfg.IMAP.Addr != "" {
		codes = append(codes, otpmail.New(otpmail.Options{
			Addr:     cfg.IMAP.Addr,
			Username: cfg.IMAP.Username,
			Password: cfg.IMAP.Password,
			Mailbox:  cfg.IMAP.Mailbox,
			MaxAge:   cfg.IMAP.MaxAge,
			Wait:     cfg.IMAP.Wait,
			Logger:   logger,
		}))
	}
	if w.prompt {
		codes = append(codes, login.Prompt(os.Stdin, os.Stderr, ""))
	}

	a.engine, err = engine.New(engine.Options{
		Config:   cfg,
		Catalog:  cat,
		Profiles: a.profiles,
		Launcher: browser.New(browser.Config{
			RemoteURL:      cfg.Browser.Remote,
			Bin:            cfg.Browser.Bin,
			Headless:       cfg.Browser.Headless,
			Stealth:        cfg.Browser.Stealth,
			BlockResources: cfg.Browser.BlockResources,
			Logger:         logger,
		}),
		Tracker:   trk,
		Notifier:  notifier,
		Recorder:  a.ledger,
		Passwords: a.secrets,
		Codes:     codes,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	opts := dispatch.Options{
		Workers:     cfg.Queue.Workers,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Logger:      logger,
	}
	if w.queue {
		a.queue = vtq.New(a.db, vtq.Options{
			Visibility:   cfg.Queue.Visibility,
			PollInterval: cfg.Queue.PollInterval,
			Logger:       logger,
		})
		if err := a.queue.EnsureTable(ctx); err != nil {
			return nil, err
		}
		opts.Queue = a.queue
	}
	a.dispatcher = dispatch.New(a.engine, a.ledger, opts)
	return a, nil
}

// loadCatalog reads a single catalog file or every file of a directory.
func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return nil, errors.New("config: catalog is not set")
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if fi.IsDir() {
		return catalog.LoadDir(path)
	}
	return catalog.LoadFile(path)
}

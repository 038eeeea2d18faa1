// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command inboxsheet copies new unread Gmail messages into a Google
// Sheets spreadsheet, one row per message.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/matta/inboxsheet/internal/auth"
	"github.com/matta/inboxsheet/internal/config"
	"github.com/matta/inboxsheet/internal/gmail"
	"github.com/matta/inboxsheet/internal/logging"
	"github.com/matta/inboxsheet/internal/message"
	"github.com/matta/inboxsheet/internal/normalize"
	"github.com/matta/inboxsheet/internal/persist"
	"github.com/matta/inboxsheet/internal/retry"
	"github.com/matta/inboxsheet/internal/sheets"
	"github.com/matta/inboxsheet/internal/state"
	"github.com/matta/inboxsheet/internal/sync"
	"github.com/matta/inboxsheet/internal/tracehttp"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var (
	flagConfig = flag.String("config", config.DefaultPath(), "configuration file")
	flagTrace  = flag.Bool("T", false, "request debug tracing")
	flagStatus = flag.Bool("status", false, "print the delivery state and exit")
)

// openState returns the configured durable store.  The *persist.DB is
// non-nil for the sqlite backend and must be closed by the caller.
func openState(ctx context.Context, cfg *config.Config, log *slog.Logger) (state.DurableStore, *persist.DB, error) {
	if cfg.State.Backend != config.BackendSQLite {
		return state.NewFileStore(cfg.State.Path), nil, nil
	}
	db, err := persist.Open(ctx, cfg.State.Path, persist.WithLogger(log))
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to initialize database")
	}
	return db, db, nil
}

func openTokenStore(cfg *config.Config) (auth.TokenStore, error) {
	if cfg.Credentials.TokenStore != config.TokenStoreKeyring {
		return auth.NewFileTokenStore(cfg.Credentials.TokenFile), nil
	}
	ring, err := auth.OpenKeyring(filepath.Join(config.Dir(), "keyring"))
	if err != nil {
		return nil, err
	}
	return auth.NewKeyringTokenStore(ring), nil
}

func run(ctx context.Context) error {
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if *flagTrace {
		level = "debug"
	}
	logger, closeLog, err := logging.New(level, cfg.Log.File, os.Stderr)
	if err != nil {
		return errors.Wrap(err, "unable to initialize logging")
	}
	defer closeLog()
	if *flagTrace {
		tracehttp.WrapDefaultTransport(logger)
	}

	durable, db, err := openState(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	store := state.New(durable, state.WithLogger(logger))

	if *flagStatus {
		return printStatus(ctx, os.Stdout, store, db)
	}

	if err := cfg.Validate(); err != nil {
		return errors.Wrapf(err, "invalid configuration in %s", *flagConfig)
	}
	norm, err := normalize.New(cfg.SignatureDelimiters)
	if err != nil {
		return err
	}

	oauthCfg, err := auth.ConfigFromFile(cfg.Credentials.ClientSecretFile,
		gmail.ModifyScope, sheets.Scope)
	if err != nil {
		return err
	}
	tokens, err := openTokenStore(cfg)
	if err != nil {
		return err
	}
	client, err := auth.NewClient(ctx, oauthCfg, tokens,
		auth.TerminalPrompter(os.Stdin, os.Stderr), logger)
	if err != nil {
		return errors.Wrap(err, "unable to initialize Google API HTTP client")
	}

	src, err := gmail.New(ctx, client, gmail.Options{
		Query:   cfg.Query,
		Archive: cfg.Gmail.Archive,
		Logger:  logger,
	})
	if err != nil {
		return errors.Wrap(err, "unable to initialize GMail")
	}
	sink, err := sheets.New(ctx, client, sheets.Options{
		SpreadsheetID: cfg.Spreadsheet.ID,
		Sheet:         cfg.Spreadsheet.Sheet,
		Logger:        logger,
	})
	if err != nil {
		return errors.Wrap(err, "unable to initialize Sheets")
	}

	exec := retry.New(cfg.RetryPolicy(), retry.WithLogger(logger))
	title, err := retry.Do(ctx, exec, "check", sink.Check)
	if err != nil {
		return errors.Wrap(err, "spreadsheet is not usable")
	}
	mailbox, err := retry.Do(ctx, exec, "profile", src.Profile)
	if err != nil {
		return errors.Wrap(err, "mailbox is not usable")
	}
	logger.Info("starting sync", "mailbox", mailbox, "spreadsheet", title,
		"sheet", cfg.Spreadsheet.Sheet, "max_items", cfg.MaxItems)

	syncer := sync.New(src, sink, store, sync.Options{
		Executor:   exec,
		Normalizer: norm,
		Keywords:   cfg.FilterKeywords,
		Row: message.RowOptions{
			MaxBodyLength:  cfg.MaxBodyLength,
			KeywordsColumn: cfg.Spreadsheet.KeywordsColumn,
		},
		MaxItems:   cfg.MaxItems,
		UnreadOnly: cfg.Gmail.UnreadOnly,
		Logger:     logger,
	})
	sum, err := syncer.Run(ctx)
	if db != nil {
		if rerr := db.RecordRun(context.WithoutCancel(ctx), sum); rerr != nil {
			logger.Warn("unable to record run history", "err", rerr)
		}
	}
	if err != nil {
		return errors.Wrap(err, "unable to synchronize")
	}
	return nil
}

// watchSignals returns when ctx is done or an interrupt arrives; the
// latter is an error so that the run is cancelled.
func watchSignals(ctx context.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	select {
	case s := <-sigs:
		return errors.Errorf("interrupted by %v", s)
	case <-ctx.Done():
		return nil
	}
}

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return run(gctx)
	})
	g.Go(func() error {
		return watchSignals(gctx)
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("Failed: %v\n", err)
	}
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"nilgw/pkg/bus"
	"nilgw/pkg/db"
	gos3 "nilgw/pkg/s3"
	"nilgw/services/gateway"
	"nilgw/services/gateway/internal/archive"
	"nilgw/services/gateway/internal/compiler"
	"nilgw/services/gateway/internal/config"
	"nilgw/services/gateway/internal/faucet"
	"nilgw/services/gateway/internal/ledger"
	"nilgw/services/gateway/internal/submit"
	"nilgw/services/gateway/internal/toolrun"
)

const defaultGrantRetention = 24 * time.Hour

// app is every adapter built from one Config.
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	redactor toolrun.Redactor

	compiler  *compiler.Compiler
	submitter *submit.Client
	funder    *faucet.Funder
	ledger    ledger.Ledger
	archiver  *archive.Archiver
	bus       *bus.Bus

	readyChecks map[string]func(context.Context) error
	closers     []func()
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{
		cfg:         cfg,
		logger:      logger,
		redactor:    toolrun.NewRedactor(cfg.Keys.Faucet.Reveal(), cfg.Keys.Service.Reveal()),
		readyChecks: map[string]func(context.Context) error{},
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	runner := toolrun.Exec{Logger: logger, Redactor: a.redactor}

	if a.compiler, err = newCompiler(runner, cfg.Tools, cfg.Timeouts, logger); err != nil {
		return nil, err
	}

	a.submitter, err = submit.New(runner, submit.Options{
		Binary:   cfg.Tools.Nillion,
		Cluster:  cfg.Cluster,
		NodeSeed: cfg.Keys.NodeSeed,
		Timeout:  cfg.Timeouts.Submit,
		Redactor: a.redactor,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init submitter: %w", err)
	}

	if err := a.openLedger(ctx); err != nil {
		return nil, err
	}

	a.funder, err = faucet.New(runner, faucet.Options{
		Binary:   cfg.Tools.Cast,
		Key:      cfg.Keys.Faucet,
		RPCURL:   cfg.Faucet.RPCURL,
		Amount:   cfg.Faucet.Amount,
		Timeout:  cfg.Timeouts.Faucet,
		Redactor: a.redactor,
		Cooldown: cfg.Faucet.Cooldown,
		Grants:   a.ledger,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init funder: %w", err)
	}

	if cfg.Archive.Enabled {
		if err := a.openArchive(ctx); err != nil {
			return nil, err
		}
	}

	if cfg.Events.NATSURL != "" {
		if a.bus, err = openBus(cfg.Events.NATSURL); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.bus.Close)
	}

	return a, nil
}

func newCompiler(runner toolrun.Runner, tools config.ToolsConfig, timeouts config.TimeoutsConfig, logger zerolog.Logger) (*compiler.Compiler, error) {
	c, err := compiler.New(runner, compiler.Options{
		Binary:     tools.Pynadac,
		ScratchDir: tools.ScratchDir,
		TargetDir:  tools.TargetDir,
		Timeout:    timeouts.Compile,
		KeepFiles:  tools.KeepScratch,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init compiler: %w", err)
	}
	return c, nil
}

func (a *app) openLedger(ctx context.Context) error {
	if a.cfg.Ledger.DSN == "" {
		retention := defaultGrantRetention
		if a.cfg.Faucet.Cooldown > retention {
			retention = a.cfg.Faucet.Cooldown
		}
		a.ledger = ledger.NewMemory(retention)
		return nil
	}

	pool, err := db.Open(ctx, a.cfg.Ledger.DSN)
	if err != nil {
		return fmt.Errorf("open ledger database: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	version, err := db.Migrate(ctx, pool)
	if err != nil {
		return fmt.Errorf("migrate ledger database: %w", err)
	}
	a.logger.Info().Int64("schema_version", version).Msg("ledger database ready")

	pg, err := ledger.NewPostgres(pool)
	if err != nil {
		return err
	}
	a.ledger = pg
	a.readyChecks["ledger"] = pg.Ping
	return nil
}

func (a *app) openArchive(ctx context.Context) error {
	client, err := gos3.New(ctx, gos3.OptionsFromEnv())
	if err != nil {
		return fmt.Errorf("init s3 client: %w", err)
	}
	a.archiver, err = archive.New(client, archive.Options{
		Bucket:     a.cfg.Archive.Bucket,
		Recipients: a.cfg.Archive.Recipient,
	})
	if err != nil {
		return fmt.Errorf("init archive: %w", err)
	}
	bucket := a.cfg.Archive.Bucket
	a.readyChecks["archive"] = func(ctx context.Context) error {
		return client.HeadBucket(ctx, bucket)
	}
	return nil
}

func openBus(url string) (*bus.Bus, error) {
	return bus.Connect(bus.Options{
		URL:      url,
		Name:     "nilgw",
		Stream:   gateway.EventStream,
		Subjects: gateway.EventSubjects,
	})
}

// deps converts the app into gateway.Deps, leaving optional adapters as nil
// interfaces when they are not configured.
func (a *app) deps() gateway.Deps {
	d := gateway.Deps{
		Compiler:  a.compiler,
		Submitter: a.submitter,
		Funder:    a.funder,
		Ledger:    a.ledger,
	}
	if a.archiver != nil {
		d.Archiver = a.archiver
	}
	if a.bus != nil {
		d.Events = a.bus
	}
	return d
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

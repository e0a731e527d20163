package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"nilgw/pkg/bus"
	"nilgw/pkg/db"
	"nilgw/pkg/telemetry"
	"nilgw/services/gateway"
	"nilgw/services/gateway/internal/config"
	"nilgw/services/gateway/internal/toolrun"
)

const serviceName = "nilgw"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Gateway that compiles Nada programs, stores them on Nillion and runs the testnet faucet",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile, cmd.Flags().Changed("env-file"))
		},
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newCompileCommand())
	cmd.AddCommand(newFaucetCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newEventsCommand())
	return cmd
}

// loadEnvFile loads path without overriding variables already set. A missing
// default file is fine; a missing explicit one is not.
func loadEnvFile(path string, explicit bool) error {
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func newLogger(cfg config.TelemetryConfig, out io.Writer) (zerolog.Logger, error) {
	return telemetry.NewLogger(telemetry.Options{
		ServiceName: serviceName,
		Pretty:      cfg.LogPretty,
		Level:       cfg.LogLevel,
		Out:         out,
	})
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	tel, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Pretty:      cfg.Telemetry.LogPretty,
		Level:       cfg.Telemetry.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	logger := tel.Logger
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown")
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gw, err := gateway.New(a.deps(), gateway.Options{
		MaxSourceBytes:      cfg.Server.MaxSourceBytes,
		CORSOrigins:         cfg.Server.CORSOrigins,
		FaucetRatePerMinute: cfg.Server.FaucetRatePerMinute,
		RequestTimeout:      cfg.Timeouts.Compile + cfg.Timeouts.Submit + 30*time.Second,
		Redactor:            a.redactor,
		ReadyChecks:         a.readyChecks,
		Registry:            registry,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           tel.Middleware(gw.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          telemetry.StdLogger(logger),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().
		Str("addr", server.Addr).
		Str("cluster_id", cfg.Cluster.ClusterID).
		Bool("archive", cfg.Archive.Enabled).
		Bool("events", cfg.Events.NATSURL != "").
		Bool("postgres_ledger", cfg.Ledger.DSN != "").
		Msg("listening")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func newCompileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compile <file>",
		Short: "Compile a Nada source file and print the compiled program path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tools, timeouts, err := config.LoadTools(ctx, envconfig.OsLookuper())
			if err != nil {
				return err
			}
			source, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			logger, err := newLogger(config.TelemetryConfig{LogPretty: true}, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			tools.KeepScratch = true
			c, err := newCompiler(toolrun.Exec{Logger: logger}, tools, timeouts, logger)
			if err != nil {
				return err
			}
			build, err := c.Compile(ctx, string(source))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), build.ArtifactPath)
			return nil
		},
	}
}

func newFaucetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "faucet <address>",
		Short: "Send testnet funds to an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(ctx)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Telemetry, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.funder.Fund(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", a.funder.Amount(), args[0])
			return nil
		},
	}
}

type dbEnv struct {
	DSN string `env:"NILGW_DB_DSN,required"`
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply ledger database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var e dbEnv
			if err := envconfig.Process(ctx, &e); err != nil {
				return err
			}
			pool, err := db.Open(ctx, e.DSN)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer pool.Close()

			version, err := db.Migrate(ctx, pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ledger schema at version %d\n", version)
			return nil
		},
	}
}

type natsEnv struct {
	URL string `env:"NATS_URL,required"`
}

func newEventsCommand() *cobra.Command {
	var durable string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print gateway events as JSON lines until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var e natsEnv
			if err := envconfig.Process(ctx, &e); err != nil {
				return err
			}
			b, err := openBus(e.URL)
			if err != nil {
				return err
			}
			defer b.Close()
			return tailEvents(ctx, b, durable, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&durable, "durable", "nilgw-events", "durable consumer name prefix")
	return cmd
}

// tailEvents writes every received event as one JSON line until ctx is done.
func tailEvents(ctx context.Context, b *bus.Bus, durable string, out io.Writer) error {
	lines := make(chan []byte, 64)
	for _, subject := range gateway.EventSubjects {
		name := durable + "-" + subjectToken(subject)
		sub, err := b.Subscribe(ctx, subject, name, func(ctx context.Context, m bus.Message) error {
			line, err := eventLine(m)
			if err != nil {
				return nil
			}
			select {
			case lines <- line:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			return err
		}
		defer sub.Close()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			if _, err := fmt.Fprintf(out, "%s\n", line); err != nil {
				return err
			}
		}
	}
}

// eventLine renders m as a JSON object; payloads that are not JSON are skipped.
func eventLine(m bus.Message) ([]byte, error) {
	if !json.Valid(m.Data) {
		return nil, fmt.Errorf("event %s is not JSON", m.ID)
	}
	return json.Marshal(m)
}

// subjectToken makes a subject usable in a durable name, which may not contain dots.
func subjectToken(subject string) string {
	out := []byte(subject)
	for i, c := range out {
		if c == '.' || c == '*' || c == '>' {
			out[i] = '_'
		}
	}
	return string(out)
}

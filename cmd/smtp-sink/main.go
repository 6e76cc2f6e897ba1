// Package main is the entry point for the SMTP sink.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/smtp-sink-lite/internal/api"
	"github.com/shineum/smtp-sink-lite/internal/config"
	"github.com/shineum/smtp-sink-lite/internal/events"
	"github.com/shineum/smtp-sink-lite/internal/notify"
	"github.com/shineum/smtp-sink-lite/internal/notify/amqprelay"
	"github.com/shineum/smtp-sink-lite/internal/notify/console"
	"github.com/shineum/smtp-sink-lite/internal/notify/redisrelay"
	"github.com/shineum/smtp-sink-lite/internal/smtp"
	"github.com/shineum/smtp-sink-lite/internal/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	smtpListen string
	httpListen string
	dbPath     string
	banner     string
	logLevel   string
	print      bool
}

func newRootCommand() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:           "smtp-sink",
		Short:         "Accept any SMTP mail, archive it in SQLite and expose it over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f.configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, &f, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			cleanup, err := setupLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return run(ctx, cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "path to YAML configuration file (optional)")
	fl.StringVar(&f.smtpListen, "smtp-listen", "", "SMTP listen address (default :2525)")
	fl.StringVar(&f.httpListen, "http-listen", "", "HTTP listen address (default :2526)")
	fl.StringVar(&f.dbPath, "db", "", "SQLite database path, or :memory:")
	fl.StringVar(&f.banner, "banner", "", "text following the hostname in the SMTP greeting")
	fl.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
	fl.BoolVar(&f.print, "print", false, "print every captured message to stdout")

	return cmd
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// applyFlags overrides configuration with flags given on the command line.
func applyFlags(cmd *cobra.Command, f *flags, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("smtp-listen") {
		cfg.SMTP.Listen = f.smtpListen
	}
	if changed("http-listen") {
		cfg.HTTP.Listen = f.httpListen
	}
	if changed("db") {
		cfg.Storage.Path = f.dbPath
	}
	if changed("banner") {
		cfg.SMTP.Banner = f.banner
	}
	if changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if changed("print") {
		cfg.Console.Enabled = f.print
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close archive", "error", err)
		}
	}()
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}

	bus := events.New()
	defer bus.Close()

	notifiers, closers, err := buildNotifiers(cfg)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	if err != nil {
		return err
	}
	if len(notifiers) > 0 {
		stopNotify := notify.NewDispatcher(notifiers...).Start(bus)
		defer stopNotify()
	}

	smtpServer := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Banner:         cfg.SMTP.Banner,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		Archive:        st,
		Publisher:      bus,
	})
	apiServer := api.New(st, bus)

	slog.Info("starting smtp-sink-lite",
		"smtp_listen", cfg.SMTP.Listen,
		"http_listen", cfg.HTTP.Listen,
		"storage", cfg.Storage.Path,
		"notifiers", len(notifiers),
	)

	// Either server failing takes the other down with it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- serve("smtp", cancel, func() error { return smtpServer.ListenAndServe(ctx) })
	}()
	go func() {
		errCh <- serve("http", cancel, func() error { return apiServer.ListenAndServe(ctx, cfg.HTTP.Listen) })
	}()

	err = errors.Join(<-errCh, <-errCh)
	if err != nil {
		return err
	}

	slog.Info("smtp-sink-lite stopped")
	return nil
}

func serve(name string, cancel context.CancelFunc, fn func() error) error {
	err := fn()
	if err != nil {
		slog.Error("server error", "server", name, "error", err)
		cancel()
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func buildNotifiers(cfg *config.Config) ([]notify.Notifier, []io.Closer, error) {
	var (
		notifiers []notify.Notifier
		closers   []io.Closer
	)

	if cfg.Console.Enabled {
		notifiers = append(notifiers, console.New())
	}

	if cfg.RedisRelayEnabled() {
		r, err := redisrelay.New(cfg.Relay.Redis.URL, cfg.Relay.Redis.Channel)
		if err != nil {
			return nil, closers, err
		}
		closers = append(closers, r)
		notifiers = append(notifiers, r)
		slog.Info("relaying events to redis", "channel", cfg.Relay.Redis.Channel)
	}

	if cfg.AMQPRelayEnabled() {
		r, err := amqprelay.New(cfg.Relay.AMQP.URL, cfg.Relay.AMQP.Exchange, cfg.Relay.AMQP.RoutingKey)
		if err != nil {
			return nil, closers, err
		}
		closers = append(closers, r)
		notifiers = append(notifiers, r)
		slog.Info("relaying events to amqp",
			"exchange", cfg.Relay.AMQP.Exchange,
			"routing_key", cfg.Relay.AMQP.RoutingKey,
		)
	}

	return notifiers, closers, nil
}

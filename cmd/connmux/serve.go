package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/connmux/internal/config"
	"github.com/vango-dev/connmux/internal/errors"
	"github.com/vango-dev/connmux/pkg/archive"
	"github.com/vango-dev/connmux/pkg/middleware"
	"github.com/vango-dev/connmux/pkg/server"
	"github.com/vango-dev/connmux/pkg/transport/wsconn"
)

func serveCmd(global *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a connmux echo server",
		Long: `Run a connmux server with the built-in echo application.

Every login whose credential matches a configured token gets a new
connection; anything else is rejected. Events sent on a connection are
echoed back on it. With no tokens configured every login is accepted.

Examples:
  connmux serve
  connmux serve --address=:9000 --token=secret --metrics
  connmux serve --archive-bucket=events --archive-region=eu-west-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			applyServeFlags(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, newLogger(cmd.ErrOrStderr(), cfg.Log))
		},
	}

	f := cmd.Flags()
	f.StringP("address", "a", "", "Listen address (default from config, :8080)")
	f.String("path", "", "WebSocket endpoint path (default from config, /socket)")
	f.Int("max-sockets", 0, "Maximum concurrent sockets, 0 for no limit")
	f.StringArray("token", nil, "Accepted login token (repeatable)")
	f.Bool("metrics", false, "Serve Prometheus metrics on /metrics")
	f.Bool("tracing", false, "Trace handshakes with the global OpenTelemetry provider")
	f.String("archive-bucket", "", "Upload recorded events to this S3 bucket")
	f.String("archive-prefix", "", "S3 key prefix for recorded events")
	f.String("archive-region", "", "S3 region (default AWS_REGION)")
	f.String("archive-endpoint", "", "S3-compatible endpoint URL")

	return cmd
}

// applyServeFlags copies explicitly set flags over file values.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if f.Changed(name) {
			*dst, _ = f.GetBool(name)
		}
	}

	str("address", &cfg.Server.Address)
	str("path", &cfg.Server.Path)
	if f.Changed("max-sockets") {
		cfg.Server.MaxSockets, _ = f.GetInt("max-sockets")
	}
	if f.Changed("token") {
		cfg.Auth.Tokens, _ = f.GetStringArray("token")
	}
	boolean("metrics", &cfg.Server.Metrics)
	boolean("tracing", &cfg.Server.Tracing)
	str("archive-bucket", &cfg.Archive.Bucket)
	str("archive-prefix", &cfg.Archive.Prefix)
	str("archive-region", &cfg.Archive.Region)
	str("archive-endpoint", &cfg.Archive.Endpoint)
}

// serverConfig converts the file config into a server.Config.
func serverConfig(cfg *config.Config, logger *slog.Logger) *server.Config {
	tc := wsconn.DefaultConfig()
	tc.WriteTimeout = cfg.WriteTimeout()
	tc.ReadTimeout = cfg.ReadTimeout()
	tc.PingInterval = cfg.PingInterval()
	tc.MaxMessageSize = cfg.Transport.MaxMessageSize
	tc.Logger = logger.With("component", "wsconn")

	sc := server.DefaultConfig().
		WithAddress(cfg.Server.Address).
		WithPath(cfg.Server.Path).
		WithMaxSockets(cfg.Server.MaxSockets).
		WithTransport(tc).
		WithMetrics(cfg.Server.Metrics)
	sc.TrustedProxies = cfg.Server.TrustedProxies
	sc.ShutdownTimeout = cfg.ShutdownTimeout()
	return sc
}

// buildServer assembles the server, the echo app and the optional archive
// recorder from cfg.
func buildServer(cfg *config.Config, logger *slog.Logger) (*server.Server, *archive.Recorder, error) {
	slog.SetDefault(logger)

	srv := server.New(serverConfig(cfg, logger))
	srv.SetLogger(logger.With("component", "server"))

	if cfg.Server.Metrics {
		srv.Use(middleware.Prometheus())
	}
	if cfg.Server.Tracing {
		srv.Use(middleware.OpenTelemetry())
	}

	var rec *archive.Recorder
	if cfg.ArchiveEnabled() {
		client := archive.NewS3Client(archive.ClientOptions{
			Region:       cfg.Archive.Region,
			Endpoint:     cfg.Archive.Endpoint,
			UsePathStyle: cfg.Archive.PathStyle,
		})
		var err error
		rec, err = archive.NewRecorder(client, archive.Config{
			Bucket: cfg.Archive.Bucket,
			Prefix: cfg.Archive.Prefix,
			Logger: logger.With("component", "archive"),
		})
		if err != nil {
			return nil, nil, errors.New("C303").Wrap(err)
		}
		srv.Use(rec.Attach())
	}

	if len(cfg.Auth.Tokens) == 0 {
		logger.Warn("no auth tokens configured, every login is accepted")
	}
	srv.OnSocket(newEchoApp(cfg.Auth.Tokens, logger.With("component", "app")).Attach)

	return srv, rec, nil
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	srv, rec, err := buildServer(cfg, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil {
			return errors.New("C302").Wrap(err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if rec != nil {
			if ferr := rec.Flush(shutdownCtx); ferr != nil {
				logger.Error("archive flush failed", "error", ferr)
			}
			stats := rec.Stats()
			logger.Info("archive flushed", "uploaded", stats.Uploaded, "failed", stats.Failed)
		}
		return err
	})

	info(os.Stderr, "listening on %s%s", cfg.Server.Address, cfg.Server.Path)
	if err := g.Wait(); err != nil {
		return err
	}
	success(os.Stderr, "server stopped")
	return nil
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/oblivion/oblivion/internal/config"
	"github.com/oblivion/oblivion/internal/inspect"
	"github.com/oblivion/oblivion/internal/logging"
	"github.com/oblivion/oblivion/internal/observability"
	"github.com/oblivion/oblivion/internal/proxy"
	"github.com/oblivion/oblivion/internal/ratelimit"
	"github.com/oblivion/oblivion/internal/signature"
)

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Oblivion proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return errors.New("config path is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runProxy(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	return cmd
}

func runProxy(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg)

	sigs := signature.Builtin()
	if cfg.Signatures.ExtraFile != "" {
		extra, err := signature.LoadExtra(cfg.ResolvePath(cfg.Signatures.ExtraFile))
		if err != nil {
			return err
		}
		sigs = append(sigs, extra...)
	}
	set, err := signature.NewSet(sigs)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(cfg.Limiter.Rate, cfg.Limiter.Burst, cfg.Limiter.IdleTTL.Std())

	server, err := proxy.New(cfg, inspect.NewEngine(set), limiter, log)
	if err != nil {
		return err
	}

	if cfg.Logging.DecisionLog != "" {
		decisions, closer, err := logging.OpenDecisionLog(cfg.ResolvePath(cfg.Logging.DecisionLog))
		if err != nil {
			return err
		}
		defer func() { _ = closer() }()
		server.SetDecisionLogger(decisions)
	}

	metricsSrv := startMetricsServer(cfg, server)
	defer func() {
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(context.Background())
		}
	}()

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go limiter.Run(signalCtx, cfg.Limiter.SweepInterval.Std())

	log.Info().Int("signatures", set.Len()).Msg("starting")
	return server.ListenAndServe(signalCtx)
}

func startMetricsServer(cfg *config.Config, server *proxy.Server) *http.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	server.SetMetrics(metrics)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))

	srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}

func newLogger(cfg *config.Config) zerolog.Logger {
	levelText := cfg.Logging.Level
	if env := os.Getenv("OBLIVION_LOG_LEVEL"); env != "" {
		levelText = env
	}
	level, err := zerolog.ParseLevel(levelText)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/patient-queue/internal/config"
	"qms/patient-queue/internal/httpapi"
	"qms/patient-queue/internal/hub"
	"qms/patient-queue/internal/queue"
	"qms/patient-queue/internal/refresh"
	"qms/patient-queue/internal/telemetry"
	"qms/patient-queue/migrations"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const serviceName = "patient-queue"

func main() {
	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Clinic patient queue service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogger(cfg)
			return runServer(cmd.Context(), cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations to DB_DSN",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogger(cfg)
			if cfg.DatabaseURL == "" {
				return errors.New("DB_DSN is required for migrate")
			}
			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := migrations.Apply(ctx, pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info().Msg("migrations complete")
			return nil
		},
	}
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Str("service", serviceName).Logger()
	}
	log.Logger = logger
}

func runServer(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: serviceName,
		Environment: cfg.Env,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	h := hub.New()
	service := queue.NewService(b.store, b.tokens, b.visits, b.directory, queue.Options{
		Notifier:        h,
		Location:        cfg.Location(),
		UpstreamTimeout: cfg.UpstreamTimeout(),
	})
	handler := httpapi.NewHandler(service, h, httpapi.Options{DashboardRefresh: cfg.DashboardRefresh()})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		BranchPerMinute: cfg.BranchRateLimitPerMinute,
		BranchBurst:     cfg.BranchRateLimitBurst,
	}, func(ctx context.Context, entryID string) (string, error) {
		entry, err := service.Get(ctx, entryID)
		return entry.BranchRef, err
	})

	// No WriteTimeout: sockjs streaming transports hold the response open.
	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(handler.Routes())), serviceName),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("patient-queue listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
		return nil
	})

	if grace := cfg.NoShowGrace(); grace > 0 {
		sweeper := refresh.Start(gctx, refresh.Options{
			Name:     "auto-no-show",
			Interval: cfg.NoShowInterval(),
		}, func(ctx context.Context) error {
			_, err := service.SweepNoShows(ctx, grace)
			return err
		})
		g.Go(func() error {
			<-sweeper.Done()
			return nil
		})
	}

	err = g.Wait()
	log.Info().Msg("patient-queue stopped")
	return err
}

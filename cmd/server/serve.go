package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-server/internal/config"
	"github.com/lexiqai/voice-server/internal/grpchealth"
	"github.com/lexiqai/voice-server/internal/history"
	"github.com/lexiqai/voice-server/internal/llm"
	"github.com/lexiqai/voice-server/internal/observability"
	"github.com/lexiqai/voice-server/internal/registry"
	"github.com/lexiqai/voice-server/internal/session"
	"github.com/lexiqai/voice-server/internal/stt"
	"github.com/lexiqai/voice-server/internal/transport"
	"github.com/lexiqai/voice-server/internal/tts"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the voice server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("port", cfg.Port).
		Str("grpc_port", cfg.GRPCPort).
		Str("stt", cfg.STTBackend).
		Str("llm", cfg.LLMProvider).
		Str("tts", cfg.TTSBackend).
		Str("history", cfg.HistoryBackend).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice server starting")

	transcriber, err := stt.NewFromConfig(cfg, observability.WithComponent("stt"))
	if err != nil {
		return fmt.Errorf("failed to create transcriber: %w", err)
	}
	defer transcriber.Close()

	generator, err := llm.NewFromConfig(ctx, cfg, profile.Instructions(), observability.WithComponent("llm"))
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}

	speaker, err := tts.NewFromConfig(cfg, observability.WithComponent("tts"))
	if err != nil {
		return fmt.Errorf("failed to create synthesizer: %w", err)
	}

	store, err := history.Open(history.Options{
		Backend:  cfg.HistoryBackend,
		MaxTurns: cfg.HistoryMaxTurns,
		Dir:      cfg.HistoryDir,
	})
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer store.Close()

	opts, err := session.OptionsFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("invalid session settings: %w", err)
	}
	reg := registry.New(session.Deps{
		Transcriber: transcriber,
		Generator:   generator,
		Speaker:     speaker,
		History:     store,
		Profile:     profile,
	}, opts, cfg.MaxSessions, logger)

	checks := map[string]observability.HealthCheckFunc{
		"transcription": pingCheck(transcriber),
		"history":       pingCheck(store),
		"sessions": func(context.Context) (bool, error) {
			if cfg.MaxSessions > 0 && reg.Len() >= cfg.MaxSessions {
				return false, registry.ErrRegistryFull
			}
			return true, nil
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(transport.Path, transport.HandleDeviceWS(ctx, reg, transport.OptionsFromConfig(cfg), logger))
	mux.HandleFunc("/health", observability.HealthCheckHandler(reg.Len))
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var healthServer *grpchealth.Server
	var grpcListener net.Listener
	if cfg.GRPCPort != "" {
		grpcListener, err = net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
		if err != nil {
			return fmt.Errorf("failed to listen on gRPC port: %w", err)
		}
		healthServer = grpchealth.NewServer(checks, 15*time.Second, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		endpoint := cfg.PublicURL
		if endpoint == "" {
			endpoint = fmt.Sprintf("ws://localhost:%s", cfg.Port)
		}
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpoint+transport.Path).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if healthServer != nil {
		g.Go(func() error {
			return healthServer.Serve(grpcListener)
		})
		g.Go(func() error {
			healthServer.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server forced to shutdown")
		}
		if err := reg.CloseAll(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Sessions did not close in time")
		}
		if healthServer != nil {
			healthServer.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("Server exited gracefully")
	return nil
}

// pingCheck turns a component with a Ping method into a readiness check.
// Components without one are always ready.
func pingCheck(component any) observability.HealthCheckFunc {
	p, ok := component.(interface{ Ping(context.Context) error })
	if !ok {
		return func(context.Context) (bool, error) { return true, nil }
	}
	return func(ctx context.Context) (bool, error) {
		if err := p.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
}

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samsaffron/claude-proxy/internal/config"
	"github.com/samsaffron/claude-proxy/internal/llm"
	"github.com/samsaffron/claude-proxy/internal/logging"
	"github.com/samsaffron/claude-proxy/internal/serve"
	"github.com/samsaffron/claude-proxy/internal/signal"
	"github.com/samsaffron/claude-proxy/internal/telemetry"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var (
	serveHost        string
	servePort        int
	serveToken       string
	serveCORSOrigins []string
	serveMaxTurns    int
	serveTimeout     time.Duration
	serveClaudeBin   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the OpenAI-compatible HTTP server",
	Long: `Run an OpenAI-compatible HTTP server backed by the claude CLI.

Endpoints:
  POST /v1/chat/completions
  GET  /v1/models
  GET  /healthz

Every request spawns one claude process. Requests carrying function tools
are answered through claude's structured output and returned as tool_calls.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Bind port (overrides config)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Bearer token required on API routes")
	serveCmd.Flags().StringArrayVar(&serveCORSOrigins, "cors-origin", nil, "Allowed CORS origin glob (repeatable, or '*' for all)")
	AddMaxTurnsFlag(serveCmd, &serveMaxTurns)
	AddTimeoutFlag(serveCmd, &serveTimeout)
	AddClaudeBinFlag(serveCmd, &serveClaudeBin)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(config.Overrides{
		Host:        serveHost,
		Port:        servePort,
		Token:       serveToken,
		CORSOrigins: serveCORSOrigins,
		ClaudeBin:   serveClaudeBin,
		MaxTurns:    serveMaxTurns,
		Timeout:     serveTimeout,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context())
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn().Err(err).Msg("failed to flush traces")
		}
	}()

	backend := llm.NewClaudeBin(cfg.LLM())
	srv, err := serve.New(serve.Config{
		Addr:        cfg.Addr(),
		Token:       cfg.Server.Token,
		CORSOrigins: cfg.Server.CORSOrigins,
		ModelID:     cfg.Model.ID,
		ModelName:   cfg.Model.DisplayName,
		Version:     Version,
	}, backend)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	claude := backend.Config()
	log.Info().
		Str("addr", cfg.Addr()).
		Str("claude_bin", claude.Bin).
		Int("max_turns", claude.MaxTurns).
		Dur("timeout", claude.Timeout).
		Bool("auth", cfg.Server.Token != "").
		Str("version", Version).
		Msg("claude-proxy listening")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// loadConfig loads settings, applies command-line overrides, validates the
// result, and configures logging from it.
func loadConfig(o config.Overrides) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

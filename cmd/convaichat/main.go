package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/convaichat/internal/chat"
	"github.com/user/convaichat/internal/config"
	"github.com/user/convaichat/internal/state"
	"github.com/user/convaichat/internal/tokens"
	"github.com/user/convaichat/pkg/llm"
	"github.com/user/convaichat/pkg/llm/convai"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "convaichat",
	Short:         "Chat client for streaming assistant agents",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads the config or exits.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// stack is the wired chat service and its stores.
type stack struct {
	service  *chat.Service
	threads  *state.ThreadStore
	messages *state.MessageStore
}

func buildStack(cfg *config.Config) (*stack, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	threads := state.NewThreadStore(cfg.DataDir)
	messages := state.NewMessageStore(cfg.DataDir)

	provider := convai.New(&llm.Config{
		BaseURL: cfg.API.BaseURL,
		APIKey:  cfg.API.APIKey,
		Agent:   cfg.API.Agent,
		Timeout: cfg.Timeout(),
	}).WithLogger(slog.Default())

	opts := []chat.Option{
		chat.WithMaxConcurrent(int64(cfg.MaxConcurrent)),
		chat.WithLogger(slog.Default()),
	}
	if cfg.Retry.MaxAttempts > 0 {
		policy := chat.DefaultRetryPolicy()
		policy.MaxAttempts = cfg.Retry.MaxAttempts
		if cfg.Retry.InitialDelayMs > 0 {
			policy.InitialDelay = time.Duration(cfg.Retry.InitialDelayMs) * time.Millisecond
		}
		if cfg.Retry.MaxDelayMs > 0 {
			policy.MaxDelay = time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond
		}
		opts = append(opts, chat.WithRetryPolicy(policy))
	}
	if cfg.Tokens.Encoding != "" {
		est, err := tokens.New(cfg.Tokens.Encoding)
		if err != nil {
			slog.Warn("usage estimation disabled", "encoding", cfg.Tokens.Encoding, "error", err)
		} else {
			opts = append(opts, chat.WithEstimator(est))
		}
	}

	return &stack{
		service:  chat.New(provider, threads, messages, opts...),
		threads:  threads,
		messages: messages,
	}, nil
}

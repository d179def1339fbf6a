package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/convaichat/internal/telegram"
	"github.com/user/convaichat/internal/webhook"
)

const pidFileName = "convaichat.pid"

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and Telegram frontends",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	st, err := buildStack(cfg)
	if err != nil {
		return err
	}

	if !cfg.HTTP.Enabled && cfg.Telegram.Token == "" {
		return errors.New("nothing to serve: enable http.enabled or set telegram.token")
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("convaichat started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"base_url", cfg.API.BaseURL,
		"agent", cfg.API.Agent,
		"pid_file", pidPath,
	)

	// Telegram adapter
	telegramDone := make(chan struct{})
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, st.service,
			telegram.WithEditInterval(cfg.EditInterval()),
			telegram.WithLogger(slog.Default()),
		)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go func() {
			defer close(telegramDone)
			adapter.Start(ctx)
		}()
		slog.Info("telegram adapter started")
	} else {
		close(telegramDone)
		slog.Warn("telegram adapter disabled (no token)")
	}

	// HTTP server
	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		httpServer = &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           webhook.NewServer(st.service, st.threads, st.messages, slog.Default()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "error", err)
				cancel()
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("shutting down", "signal", sig)
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	cancel()
	if httpServer != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
	}
	<-telegramDone
	return nil
}

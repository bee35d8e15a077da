package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/drqsatoshi/bitchat/internal/api"
	"github.com/drqsatoshi/bitchat/internal/assistant"
	"github.com/drqsatoshi/bitchat/internal/config"
	"github.com/spf13/pflag"
)

func main() {
	cfg, err := config.ParseServer(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	server := api.NewServer(cfg.Addr, api.Config{
		StaleAfter:    cfg.StaleAfter,
		SweepInterval: cfg.SweepInterval,
		PingInterval:  cfg.WSPingInterval,
	}, logger)

	ac := cfg.Assistant
	if ac.UpstreamURL == "" || ac.APIKey() == "" {
		logger.Warn("assistant upstream not configured, /api/chat will answer 503")
	}
	server.SetAssistant(assistant.NewHandler(assistant.Config{
		UpstreamURL:     ac.UpstreamURL,
		APIKey:          ac.APIKey(),
		Model:           ac.Model,
		SystemPrompt:    ac.SystemPrompt,
		RatePerMinute:   ac.RatePerMinute,
		MaxMessages:     ac.MaxMessages,
		MaxContentChars: ac.MaxContentChars,
	}, nil, logger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/drqsatoshi/bitchat/internal/config"
	"github.com/drqsatoshi/bitchat/internal/mesh"
	"github.com/drqsatoshi/bitchat/internal/session"
	"github.com/drqsatoshi/bitchat/internal/signaling"
	"github.com/spf13/pflag"
)

const reloadDebounce = 500 * time.Millisecond

func main() {
	cfg, path, err := config.ParseClient(os.Args[1:])
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

	in := bufio.NewScanner(os.Stdin)
	if cfg.Nickname == "" {
		fmt.Print("Nickname: ")
		if in.Scan() {
			cfg.Nickname = strings.TrimSpace(in.Text())
		}
		if cfg.Nickname == "" {
			fmt.Fprintln(os.Stderr, "a nickname is required")
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connector := mesh.NewWebRTCConnector(cfg.ICEServers, logger)
	if path != "" {
		err := config.Watch(ctx, path, reloadDebounce, func(c config.ClientConfig) {
			connector.UpdateICEServers(c.ICEServers)
		}, logger)
		if err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		}
	}

	view := newTerminalView(os.Stdout)
	sess, err := session.New(session.Config{
		Nickname: cfg.Nickname,
		Room:     cfg.Room,
		Signaling: signaling.Options{
			URL:               cfg.SignalURL,
			Mode:              signaling.Mode(cfg.Mode),
			ReconnectDelay:    cfg.ReconnectDelay,
			PollInterval:      cfg.PollInterval,
			HeartbeatInterval: cfg.HeartbeatInterval,
		},
		Mesh: mesh.Config{
			MaxHops:      cfg.MaxHops,
			SeenCapacity: cfg.SeenCapacity,
			SeenTTL:      cfg.SeenTTL,
		},
	}, connector, view, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer sess.Close()

	fmt.Printf("meshchat %s as %s in #%s. Type /help for commands.\n", sess.PeerID(), cfg.Nickname, cfg.Room)
	if err := sess.Start(ctx); err != nil {
		logger.Warn("signaling unavailable, retrying in background", "error", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		for in.Scan() {
			lines <- in.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			sess.Input(line)
		}
	}
}

// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Thermoquad/spalink/internal/config"
	"github.com/Thermoquad/spalink/pkg/spa"
	"github.com/Thermoquad/spalink/pkg/transport"
	"golang.org/x/term"
)

// liveTimeout bounds how long one-shot commands wait for the first status
const liveTimeout = 30 * time.Second

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	// First check environment variable
	if pw := os.Getenv(config.EnvPassword); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	// Read password without echo
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %v", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// OpenDialer builds the dialer for the configured connection, prompting
// for a WebSocket password when one is needed
func OpenDialer() (transport.Dialer, error) {
	conn := &cfg.Connection
	if conn.Transport == config.TransportTCP && conn.Host == "" {
		return nil, fmt.Errorf("one of --host, --port or --url must be specified")
	}
	if conn.Transport == config.TransportWebSocket && conn.Username != "" && conn.Password == "" {
		pw, err := GetPassword()
		if err != nil {
			return nil, err
		}
		conn.Password = pw
	}
	return cfg.Dialer()
}

// signalContext is cancelled on Ctrl+C or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// startEngine creates and starts an engine on dialer
func startEngine(ctx context.Context, dialer transport.Dialer) (*spa.Engine, error) {
	engineCfg, err := cfg.EngineConfig(dialer, logger)
	if err != nil {
		return nil, err
	}
	engine, err := spa.NewEngine(engineCfg)
	if err != nil {
		return nil, err
	}
	engine.Start(ctx)
	return engine, nil
}

// connectEngine opens the configured connection and starts an engine
func connectEngine(ctx context.Context) (*spa.Engine, error) {
	dialer, err := OpenDialer()
	if err != nil {
		return nil, err
	}
	logger.Info().Str("target", dialer.String()).Msg("Connecting")
	return startEngine(ctx, dialer)
}

// waitLive blocks until the engine has seen a status update
func waitLive(ctx context.Context, engine *spa.Engine) error {
	live := make(chan struct{}, 1)
	unsub := engine.SubscribeConnectionStatus(func(s spa.ConnectionStatus) {
		if s == spa.Live {
			select {
			case live <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	if engine.ConnectionStatus() == spa.Live {
		return nil
	}

	timer := time.NewTimer(liveTimeout)
	defer timer.Stop()

	select {
	case <-live:
		return nil
	case <-timer.C:
		return fmt.Errorf("no status from the spa after %s", liveTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-engine.Done():
		return spa.ErrEngineClosed
	}
}

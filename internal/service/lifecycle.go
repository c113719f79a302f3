// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/oklog/run"
)

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return logger
}

// Init initializes services in order. When one fails, the services initialized
// before it are shut down in reverse order and the failure is returned.
func Init(logger *slog.Logger, services []Service) error {
	logger = orDefault(logger)

	done := make([]Service, 0, len(services))
	for _, s := range services {
		initializer, ok := s.(Initializer)
		if !ok {
			logger.Debug("service has no init step", "service", s.Name())
			continue
		}

		logger.Info("Initializing service", "service", s.Name())
		if err := initializer.Init(); err != nil {
			logger.Error("service initialization failed, rolling back", "service", s.Name(), "error", err)
			Shutdown(logger, done)
			return fmt.Errorf("failed to initialize service %s: %w", s.Name(), err)
		}
		done = append(done, s)
	}
	return nil
}

// Shutdown shuts down every Shutdowner in reverse order, logging failures
func Shutdown(logger *slog.Logger, services []Service) {
	logger = orDefault(logger)

	for i := len(services) - 1; i >= 0; i-- {
		shutdownService(logger, services[i])
	}
}

func shutdownService(logger *slog.Logger, s Service) {
	shutdowner, ok := s.(Shutdowner)
	if !ok {
		return
	}
	logger.Info("Shutting down service", "service", s.Name())
	if err := shutdowner.Shutdown(); err != nil {
		logger.Warn("service shutdown failed", "service", s.Name(), "error", err)
	}
}

// Run runs every Runner in an oklog/run group until one returns, ctx is done or,
// when signals are given, one of them is received. Runners are shut down as the
// group is interrupted; the remaining Shutdowners are shut down after the group
// has stopped. A received signal is a clean exit.
func Run(ctx context.Context, logger *slog.Logger, services []Service, signals ...os.Signal) error {
	logger = orDefault(logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group
	var passive []Service
	for _, s := range services {
		runner, ok := s.(Runner)
		if !ok {
			passive = append(passive, s)
			continue
		}

		g.Add(
			func() error {
				logger.Info("Running service", "service", runner.Name())
				return runner.Run(ctx)
			},
			func(err error) {
				cancel()
				if err != nil {
					logger.Warn("service terminated", "service", runner.Name(), "reason", err)
				}
				shutdownService(logger, runner)
			},
		)
	}

	if len(signals) > 0 {
		g.Add(run.SignalHandler(ctx, signals...))
	}

	// an empty group returns immediately
	err := g.Run()
	Shutdown(logger, passive)

	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		logger.Info("Received signal, shut down", "signal", sigErr.Signal)
		return nil
	}
	return err
}

// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package profiler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raplprof/raplprof/internal/service"
	"k8s.io/utils/clock"
)

// TickHandler handles one timer tick
type TickHandler interface {
	OnTick()
}

// Timer delivers ticks to a TickHandler at a fixed period, one at a time
type Timer struct {
	logger   *slog.Logger
	handler  TickHandler
	interval time.Duration
	clock    clock.WithTicker
}

var (
	_ service.Initializer = (*Timer)(nil)
	_ service.Runner      = (*Timer)(nil)
)

// NewTimer creates a Timer; a nil clock uses the real clock
func NewTimer(handler TickHandler, interval time.Duration, c clock.WithTicker, logger *slog.Logger) *Timer {
	if c == nil {
		c = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		logger:   logger.With("service", "tick-timer"),
		handler:  handler,
		interval: interval,
		clock:    c,
	}
}

func (t *Timer) Name() string {
	return "tick-timer"
}

func (t *Timer) Init() error {
	if t.interval <= 0 {
		return fmt.Errorf("invalid tick interval %s", t.interval)
	}
	return nil
}

// Run calls OnTick on every tick until ctx is done. Ticks missed while OnTick runs
// are dropped by the ticker, never delivered concurrently.
func (t *Timer) Run(ctx context.Context) error {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("Tick timer running", "interval", t.interval)
	for {
		select {
		case <-ticker.C():
			t.handler.OnTick()
		case <-ctx.Done():
			t.logger.Info("Tick timer stopped")
			return nil
		}
	}
}

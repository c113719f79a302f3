// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"sync"
)

// recorder collects lifecycle events across services in call order
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// plainService implements only Service
type plainService struct {
	name string
}

func (p *plainService) Name() string {
	return p.name
}

// initShutdowner implements Initializer and Shutdowner
type initShutdowner struct {
	plainService
	rec        *recorder
	initErr    error
	shutdownFn func() error
}

func (s *initShutdowner) Init() error {
	s.rec.add("init:" + s.name)
	return s.initErr
}

func (s *initShutdowner) Shutdown() error {
	s.rec.add("shutdown:" + s.name)
	if s.shutdownFn != nil {
		return s.shutdownFn()
	}
	return nil
}

// initOnly implements Initializer only
type initOnly struct {
	plainService
	rec     *recorder
	initErr error
}

func (s *initOnly) Init() error {
	s.rec.add("init:" + s.name)
	return s.initErr
}

// runShutdowner implements Runner and Shutdowner
type runShutdowner struct {
	plainService
	rec   *recorder
	runFn func(ctx context.Context) error
}

func (s *runShutdowner) Run(ctx context.Context) error {
	s.rec.add("run:" + s.name)
	if s.runFn != nil {
		return s.runFn(ctx)
	}
	<-ctx.Done()
	return nil
}

func (s *runShutdowner) Shutdown() error {
	s.rec.add("shutdown:" + s.name)
	return nil
}

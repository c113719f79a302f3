// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import "context"

// Service is implemented by every component wired into the process
type Service interface {
	// Name returns the name used in logs
	Name() string
}

// Initializer is implemented by services that need setup before anything runs.
// Services are initialized in the order they are listed.
type Initializer interface {
	Service
	Init() error
}

// Runner is implemented by services with a background loop
type Runner interface {
	Service
	// Run blocks until ctx is done or the service fails
	Run(ctx context.Context) error
}

// Shutdowner is implemented by services holding resources to release
type Shutdowner interface {
	Service
	Shutdown() error
}

// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package profiler

import (
	"runtime"
	"sync/atomic"
)

// Worker is a unit of execution (a capability) whose profiling ticks are counted
type Worker struct {
	id    int
	ticks atomic.Uint64
}

func NewWorker(id int) *Worker {
	return &Worker{id: id}
}

func (w *Worker) ID() int {
	return w.id
}

// Ticks returns the number of profiling ticks attributed to the worker
func (w *Worker) Ticks() uint64 {
	return w.ticks.Load()
}

func (w *Worker) tick() {
	w.ticks.Add(1)
}

// Registry enumerates the workers whose tick counters are incremented on each
// enabled profiling tick
type Registry interface {
	Workers() []*Worker
}

// StaticRegistry is a Registry with a fixed set of workers
type StaticRegistry struct {
	workers []*Worker
}

var _ Registry = (*StaticRegistry)(nil)

// NewStaticRegistry creates n workers with ids 0..n-1; n <= 0 uses GOMAXPROCS
func NewStaticRegistry(n int) *StaticRegistry {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	workers := make([]*Worker, n)
	for i := range workers {
		workers[i] = NewWorker(i)
	}
	return &StaticRegistry{workers: workers}
}

func (r *StaticRegistry) Workers() []*Worker {
	return r.workers
}

// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package census

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raplprof/raplprof/internal/service"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

// Trigger names what caused a census
type Trigger string

const (
	TriggerTick Trigger = "tick"
	TriggerHTTP Trigger = "http"
)

// Requester is the source of pending census requests
type Requester interface {
	CensusRequested() bool
	ClearCensusRequest()
}

// APIRegistry registers HTTP endpoints
type APIRegistry interface {
	Register(endpoint, summary, description string, handler http.Handler) error
}

// Census is the result of one heap census
type Census struct {
	Seq         uint64    `json:"seq"`
	Time        time.Time `json:"time"`
	Trigger     Trigger   `json:"trigger"`
	HeapAlloc   uint64    `json:"heapAllocBytes"`
	HeapInuse   uint64    `json:"heapInuseBytes"`
	HeapSys     uint64    `json:"heapSysBytes"`
	HeapObjects uint64    `json:"heapObjects"`
	NumGC       uint32    `json:"numGC"`
	ProfilePath string    `json:"profilePath,omitempty"`
}

// Executor performs the heap census requested by the profiler's countdown or over HTTP
type Executor struct {
	logger       *slog.Logger
	requester    Requester
	clock        clock.WithTicker
	pollInterval time.Duration
	profileDir   string
	api          APIRegistry
	readMemStats func(*runtime.MemStats)
	writeProfile func(io.Writer) error

	group  singleflight.Group
	seq    atomic.Uint64
	mu     sync.RWMutex
	latest *Census
}

var (
	_ service.Initializer = (*Executor)(nil)
	_ service.Runner      = (*Executor)(nil)
)

type Opts struct {
	logger       *slog.Logger
	clock        clock.WithTicker
	pollInterval time.Duration
	profileDir   string
	api          APIRegistry
	readMemStats func(*runtime.MemStats)
	writeProfile func(io.Writer) error
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:       slog.Default(),
		clock:        clock.RealClock{},
		pollInterval: 100 * time.Millisecond,
		readMemStats: runtime.ReadMemStats,
		writeProfile: func(w io.Writer) error {
			return pprof.Lookup("heap").WriteTo(w, 0)
		},
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithPollInterval sets how often pending requests are checked
func WithPollInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.pollInterval = d
	}
}

// WithProfileDir writes a heap profile per census into dir; empty disables files
func WithProfileDir(dir string) OptionFn {
	return func(o *Opts) {
		o.profileDir = dir
	}
}

// WithAPIServer exposes POST /debug/census on the given server
func WithAPIServer(api APIRegistry) OptionFn {
	return func(o *Opts) {
		o.api = api
	}
}

// WithMemStatsReader replaces runtime.ReadMemStats
func WithMemStatsReader(fn func(*runtime.MemStats)) OptionFn {
	return func(o *Opts) {
		o.readMemStats = fn
	}
}

// WithProfileWriter replaces the heap profile writer
func WithProfileWriter(fn func(io.Writer) error) OptionFn {
	return func(o *Opts) {
		o.writeProfile = fn
	}
}

// NewExecutor creates an Executor acting on the requests of r
func NewExecutor(r Requester, applyOpts ...OptionFn) *Executor {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Executor{
		logger:       opts.logger.With("service", "heap-census"),
		requester:    r,
		clock:        opts.clock,
		pollInterval: opts.pollInterval,
		profileDir:   opts.profileDir,
		api:          opts.api,
		readMemStats: opts.readMemStats,
		writeProfile: opts.writeProfile,
	}
}

func (e *Executor) Name() string {
	return "heap-census"
}

func (e *Executor) Init() error {
	if e.pollInterval <= 0 {
		return fmt.Errorf("invalid census poll interval %s", e.pollInterval)
	}
	if e.profileDir != "" {
		if err := os.MkdirAll(e.profileDir, 0o755); err != nil {
			return fmt.Errorf("failed to create heap profile dir: %w", err)
		}
	}
	if e.api != nil {
		if err := e.api.Register("/debug/census", "Heap census", "POST to take a heap census now", e.Handler()); err != nil {
			return err
		}
	}
	return nil
}

// Run polls for pending requests until ctx is done
func (e *Executor) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			e.Poll()
		case <-ctx.Done():
			return nil
		}
	}
}

// Poll takes a census if one is pending and acknowledges the request.
// A request raised while the census runs is folded into it.
func (e *Executor) Poll() {
	if !e.requester.CensusRequested() {
		return
	}
	if _, err := e.Take(TriggerTick); err != nil {
		e.logger.Warn("Heap census failed", "error", err)
	}
	e.requester.ClearCensusRequest()
}

// Take performs a census now. Concurrent callers share a single census.
func (e *Executor) Take(trigger Trigger) (Census, error) {
	v, err, shared := e.group.Do("census", func() (any, error) {
		return e.take(trigger)
	})
	if err != nil {
		return Census{}, err
	}
	if shared {
		e.logger.Debug("Joined census in progress", "trigger", trigger)
	}
	return v.(Census), nil
}

func (e *Executor) take(trigger Trigger) (Census, error) {
	var ms runtime.MemStats
	e.readMemStats(&ms)

	c := Census{
		Seq:         e.seq.Add(1),
		Time:        e.clock.Now(),
		Trigger:     trigger,
		HeapAlloc:   ms.HeapAlloc,
		HeapInuse:   ms.HeapInuse,
		HeapSys:     ms.HeapSys,
		HeapObjects: ms.HeapObjects,
		NumGC:       ms.NumGC,
	}

	if e.profileDir != "" {
		path, err := e.saveProfile(c.Seq)
		if err != nil {
			return Census{}, err
		}
		c.ProfilePath = path
	}

	e.mu.Lock()
	e.latest = &c
	e.mu.Unlock()

	e.logger.Info("Heap census taken",
		"seq", c.Seq,
		"trigger", trigger,
		"heap_alloc", c.HeapAlloc,
		"heap_objects", c.HeapObjects,
		"profile", c.ProfilePath)
	return c, nil
}

func (e *Executor) saveProfile(seq uint64) (path string, err error) {
	path = filepath.Join(e.profileDir, fmt.Sprintf("heap-%06d.pb.gz", seq))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create heap profile: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close heap profile: %w", cerr)
		}
	}()

	if err := e.writeProfile(f); err != nil {
		return "", fmt.Errorf("failed to write heap profile: %w", err)
	}
	return path, nil
}

// Latest returns the most recent census; ok is false before the first one
func (e *Executor) Latest() (Census, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.latest == nil {
		return Census{}, false
	}
	return *e.latest, true
}

// Count returns the number of censuses taken
func (e *Executor) Count() uint64 {
	return e.seq.Load()
}

// Handler serves POST requests by taking a census and returning it as JSON
func (e *Executor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		c, err := e.Take(TriggerHTTP)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(c); err != nil {
			e.logger.Error("failed to write census response", "error", err)
		}
	})
}

// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"

	"github.com/raplprof/raplprof/internal/service"
)

// TickReporter reports the profiler progress
type TickReporter interface {
	TotalTicks() uint64
}

// EnergyReporter reports whether energy counters could be calibrated
type EnergyReporter interface {
	Available() bool
}

type probe struct {
	api    APIService
	ticks  TickReporter
	energy EnergyReporter
}

type probeStatus struct {
	Status          string `json:"status"`
	Ticks           uint64 `json:"ticks"`
	EnergyAvailable bool   `json:"energyAvailable"`
}

var (
	_ service.Service     = (*probe)(nil)
	_ service.Initializer = (*probe)(nil)
)

// NewProbe creates the /probe/livez and /probe/readyz endpoints. The process is
// ready once the timer has delivered a tick; missing energy counters do not make
// it unready since profiling continues without them.
func NewProbe(api APIService, ticks TickReporter, energy EnergyReporter) *probe {
	return &probe{
		api:    api,
		ticks:  ticks,
		energy: energy,
	}
}

func (p *probe) Name() string {
	return "probe"
}

func (p *probe) Init() error {
	return p.api.Register("/probe/", "probe", "Health check endpoints", p.handlers())
}

func (p *probe) handlers() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/probe/livez", p.livez)
	mux.HandleFunc("/probe/readyz", p.readyz)
	return mux
}

func (p *probe) livez(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeStatus(w, http.StatusOK, p.status("ok"))
}

func (p *probe) readyz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	st := p.status("ok")
	if st.Ticks == 0 {
		st.Status = "not ready"
		writeStatus(w, http.StatusServiceUnavailable, st)
		return
	}
	writeStatus(w, http.StatusOK, st)
}

func (p *probe) status(s string) probeStatus {
	return probeStatus{
		Status:          s,
		Ticks:           p.ticks.TotalTicks(),
		EnergyAvailable: p.energy.Available(),
	}
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeStatus(w http.ResponseWriter, code int, st probeStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(st)
}

// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeTicks uint64

func (f fakeTicks) TotalTicks() uint64 { return uint64(f) }

type fakeEnergy bool

func (f fakeEnergy) Available() bool { return bool(f) }

func serveProbe(t *testing.T, p *probe, method, path string) (*httptest.ResponseRecorder, probeStatus) {
	t.Helper()
	rec := httptest.NewRecorder()
	p.handlers().ServeHTTP(rec, httptest.NewRequest(method, path, nil))

	var st probeStatus
	if rec.Code != http.StatusMethodNotAllowed {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	}
	return rec, st
}

func TestProbe_Init(t *testing.T) {
	api := &MockAPIService{}
	api.On("Register", "/probe/", "probe", "Health check endpoints", mock.Anything).Return(nil)

	p := NewProbe(api, fakeTicks(0), fakeEnergy(false))
	assert.Equal(t, "probe", p.Name())
	require.NoError(t, p.Init())
	api.AssertExpectations(t)
}

func TestProbe_Livez(t *testing.T) {
	rec, st := serveProbe(t, NewProbe(&MockAPIService{}, fakeTicks(0), fakeEnergy(false)), http.MethodGet, "/probe/livez")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ok", st.Status)
}

func TestProbe_Readyz(t *testing.T) {
	tests := []struct {
		name     string
		ticks    fakeTicks
		energy   fakeEnergy
		code     int
		expected probeStatus
	}{
		{"no ticks yet", 0, true, http.StatusServiceUnavailable, probeStatus{Status: "not ready", EnergyAvailable: true}},
		{"ticking", 12, true, http.StatusOK, probeStatus{Status: "ok", Ticks: 12, EnergyAvailable: true}},
		{"ticking without energy", 3, false, http.StatusOK, probeStatus{Status: "ok", Ticks: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, st := serveProbe(t, NewProbe(&MockAPIService{}, tt.ticks, tt.energy), http.MethodGet, "/probe/readyz")
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.expected, st)
		})
	}
}

func TestProbe_MethodNotAllowed(t *testing.T) {
	p := NewProbe(&MockAPIService{}, fakeTicks(1), fakeEnergy(true))
	for _, path := range []string{"/probe/livez", "/probe/readyz"} {
		rec, _ := serveProbe(t, p, http.MethodPost, path)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
		assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
	}
}

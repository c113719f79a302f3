// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/exporter-toolkit/web"
	"github.com/raplprof/raplprof/config"
	"github.com/raplprof/raplprof/internal/service"
)

// APIService is the HTTP server the other services register endpoints on
type APIService interface {
	service.Service
	Register(endpoint, summary, description string, handler http.Handler) error
}

// APIServer implements APIService
type APIServer struct {
	logger *slog.Logger

	server    *http.Server
	mux       *http.ServeMux
	webConfig *web.FlagConfig

	mu        sync.Mutex
	endpoints []endpoint
}

type endpoint struct {
	path, summary, description string
}

var (
	_ APIService          = (*APIServer)(nil)
	_ service.Initializer = (*APIServer)(nil)
	_ service.Runner      = (*APIServer)(nil)
	_ service.Shutdowner  = (*APIServer)(nil)
)

type Opts struct {
	logger    *slog.Logger
	webConfig *web.FlagConfig
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the APIServer
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithListen sets the listening addresses and the web config file
func WithListen(addr []string, path string) OptionFn {
	return func(o *Opts) {
		o.webConfig = &web.FlagConfig{
			WebListenAddresses: &addr,
			WebConfigFile:      &path,
		}
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	noConfig := ""
	return Opts{
		logger: slog.Default(),
		webConfig: &web.FlagConfig{
			WebListenAddresses: &[]string{config.DefaultPort},
			WebConfigFile:      &noConfig,
		},
	}
}

// NewAPIServer creates a new APIServer
func NewAPIServer(applyOpts ...OptionFn) *APIServer {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	mux := http.NewServeMux()
	return &APIServer{
		logger:    opts.logger.With("service", "api-server"),
		mux:       mux,
		server:    &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		webConfig: opts.webConfig,
	}
}

func (s *APIServer) Name() string {
	return "api-server"
}

// Init installs the landing page listing the registered endpoints
func (s *APIServer) Init() error {
	s.logger.Info("Initializing raplprof server")
	s.mux.HandleFunc("/", s.landingPage)
	return nil
}

func (s *APIServer) landingPage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	var items []byte
	for _, ep := range s.endpoints {
		items = fmt.Appendf(items, "\t<li><a href=\"%s\">%s</a> %s</li>\n", ep.path, ep.summary, ep.description)
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, err := w.Write(fmt.Appendf(nil, `<html>
<head><title>raplprof</title></head>
<body>
<h1>raplprof</h1>
<p>Available endpoints:</p>
<ul>
%s</ul>
</body>
</html>`, items))
	if err != nil {
		s.logger.Error("failed to write landing page", "error", err)
	}
}

func (s *APIServer) Run(ctx context.Context) error {
	s.logger.Info("Running raplprof server", "listen", *s.webConfig.WebListenAddresses)
	errCh := make(chan error, 1)
	go func() {
		errCh <- web.ListenAndServe(s.server, s.webConfig, s.logger)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down raplprof server on context done")
		return nil

	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		s.logger.Error("raplprof server returned an error", "error", err)
		return err
	}
}

func (s *APIServer) Shutdown() error {
	s.logger.Info("shutting down API server on request")

	// NOTE: ensure http server shuts down within 5 seconds
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Register mounts handler at endpoint and lists it on the landing page
func (s *APIServer) Register(path, summary, description string, handler http.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ep := range s.endpoints {
		if ep.path == path {
			return fmt.Errorf("endpoint %s already registered", path)
		}
	}

	s.logger.Debug("Endpoint Registered", "endpoint", path)
	s.mux.Handle(path, handler)
	s.endpoints = append(s.endpoints, endpoint{path: path, summary: summary, description: description})
	return nil
}

/*
SPDX-License-Identifier: Apache-2.0

Copyright 2026 Genome Research Ltd.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package api serves the admin HTTP API: queue inspection, forced
// reprocessing and direct cookie access. All responses are JSON; clients
// that cannot accept JSON are turned away with 406.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/munnerz/goautoneg"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wtsi-hgi/cookiemonster/internal/cookiejar"
	"github.com/wtsi-hgi/cookiemonster/internal/metrics"
)

// DefaultPort is the listen port used when none is configured.
const DefaultPort = 5000

// shutdownTimeout bounds how long Stop waits for in-flight requests.
const shutdownTimeout = 10 * time.Second

// Server exposes a cookie jar over HTTP.
type Server struct {
	jar cookiejar.CookieJar
	srv *http.Server
	log logr.Logger

	mu         sync.Mutex
	started    bool
	listener   net.Listener
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewServer creates a server for jar listening on port. Port zero asks the
// kernel for a free port; Addr reports the bound address once started.
func NewServer(jar cookiejar.CookieJar, port int, log logr.Logger) *Server {
	s := &Server{jar: jar, log: log}
	s.srv = &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: s.router(),
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.countRequests)
	r.Use(requireJSON)

	r.Get("/queue", s.getQueueLength)
	r.Post("/queue/reprocess", s.postReprocess)
	r.Route("/cookiejar", func(r chi.Router) {
		r.Get("/*", s.getCookie)
		r.Delete("/*", s.deleteCookie)
	})

	return r
}

// Start binds the listener and begins serving. Serving stops, draining
// in-flight requests, when parentCtx is cancelled or Stop is called. The
// listener is bound synchronously, so a port clash surfaces here rather
// than in the background.
func (s *Server) Start(parentCtx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("api server already started")
	}

	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("binding admin api listener: %w", err)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	s.listener = listener
	s.cancelFunc = cancel
	s.started = true
	s.mu.Unlock()

	s.log.Info("starting admin api", "addr", listener.Addr().String())

	s.wg.Add(2)

	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(err, "serving admin api")
		}
	}()

	go func() {
		defer s.wg.Done()
		<-ctx.Done()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()

		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error(err, "shutting down admin api")
		}
	}()

	return nil
}

// Addr returns the address the server is listening on, or the empty
// string before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancelFunc
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Info("admin api stopped")
}

// requireJSON turns away clients that cannot accept a JSON response. An
// absent Accept header counts as acceptance.
func requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept := r.Header.Get("Accept")
		if accept != "" && goautoneg.Negotiate(accept, []string{"application/json"}) == "" {
			http.Error(w, "I only understand JSON", http.StatusNotAcceptable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// countRequests records one sample per request, tagged with the matched
// route pattern rather than the raw path.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if metrics.APIRequestsTotal == nil {
			return
		}

		metrics.APIRequestsTotal.Add(r.Context(), 1, metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", chi.RouteContext(r.Context()).RoutePattern()),
			attribute.String("status", strconv.Itoa(ww.Status())),
		))
	})
}

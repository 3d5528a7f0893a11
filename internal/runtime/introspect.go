package runtime

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/unitkernel/internal/runtime/jsoncodec"
	"github.com/drblury/unitkernel/internal/runtime/logging"
)

// KernelStatus is served on /api/kernel.
type KernelStatus struct {
	State     KernelState `json:"state"`
	BootOrder []string    `json:"bootOrder"`
	Running   []string    `json:"running"`
	Workers   []string    `json:"workers"`
	Watched   int         `json:"watched"`
	Pending   int         `json:"pendingTasks"`
}

type httpServers struct {
	mu      sync.Mutex
	muxes   map[int]*http.ServeMux
	servers []*http.Server
}

// RegisterHTTPHandler mounts handler on port. Servers start on Wake.
func (k *Kernel) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	if k.servers == nil {
		k.servers = &httpServers{}
	}
	s := k.servers
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.muxes == nil {
		s.muxes = make(map[int]*http.ServeMux)
	}
	mux, ok := s.muxes[port]
	if !ok {
		mux = http.NewServeMux()
		s.muxes[port] = mux
	}
	mux.Handle(pattern, handler)
}

func (k *Kernel) startHTTP() error {
	if k.Conf.IntrospectionEnabled {
		k.RegisterHTTPHandler(k.Conf.IntrospectionPort, "/api/", k.IntrospectionHandler())
	}
	if k.Conf.MetricsEnabled {
		gatherer := prometheus.DefaultGatherer
		if g, ok := k.deps.Registerer.(prometheus.Gatherer); ok {
			gatherer = g
		}
		k.RegisterHTTPHandler(k.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	if k.servers == nil {
		return nil
	}

	s := k.servers
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for port, mux := range s.muxes {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("listen %s: %w", addr, err))
			continue
		}
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		s.servers = append(s.servers, srv)
		k.Logger.Info("starting HTTP server", logging.LogFields{"address": ln.Addr().String()})
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				k.Logger.Error("HTTP server stopped", err, logging.LogFields{"address": addr})
			}
		}()
	}
	s.muxes = nil
	return errors.Join(errs...)
}

func (k *Kernel) stopHTTP(ctx context.Context) error {
	if k.servers == nil {
		return nil
	}
	s := k.servers
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IntrospectionHandler serves read-only JSON views of the kernel:
// /api/kernel, /api/units, /api/history and /api/routes?topic=.
func (k *Kernel) IntrospectionHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/kernel", k.handleKernel)
	mux.HandleFunc("/api/units", k.handleUnits)
	mux.HandleFunc("/api/history", k.handleHistory)
	mux.HandleFunc("/api/routes", k.handleRoutes)
	return k.withCORS(k.withToken(mux))
}

func (k *Kernel) handleKernel(w http.ResponseWriter, _ *http.Request) {
	status := KernelStatus{State: k.State(), Workers: k.Workers()}
	if k.registry != nil {
		status.BootOrder = k.registry.BootOrder()
	}
	if k.lifecycle != nil {
		status.Running = k.lifecycle.Running()
	}
	if k.watchdog != nil {
		status.Watched = len(k.watchdog.Heartbeats())
	}
	if k.scheduler != nil {
		status.Pending = k.scheduler.Pending()
	}
	k.writeJSON(w, status)
}

func (k *Kernel) handleUnits(w http.ResponseWriter, _ *http.Request) {
	if k.lifecycle == nil {
		k.writeJSON(w, []any{})
		return
	}
	k.writeJSON(w, k.lifecycle.Snapshot())
}

func (k *Kernel) handleHistory(w http.ResponseWriter, _ *http.Request) {
	if k.bus == nil {
		k.writeJSON(w, []any{})
		return
	}
	k.writeJSON(w, k.bus.History())
}

func (k *Kernel) handleRoutes(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		http.Error(w, "topic query parameter is required", http.StatusBadRequest)
		return
	}
	targets := []string{}
	if k.router != nil {
		targets = k.router.Resolve(topic)
	}
	k.writeJSON(w, map[string]any{"topic": topic, "targets": targets})
}

func (k *Kernel) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, v); err != nil {
		k.Logger.Error("failed to encode introspection response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (k *Kernel) withToken(next http.Handler) http.Handler {
	token := k.Conf.IntrospectionToken
	if token == "" {
		return next
	}
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions && subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (k *Kernel) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := k.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowedCORSOrigin checks if the request origin is allowed and returns the
// matching Access-Control-Allow-Origin value.
func (k *Kernel) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range k.Conf.IntrospectionCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

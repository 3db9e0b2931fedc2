package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Server is a reference reverse proxy implementing the same admin contract
// the Client speaks: a production deployment runs a separate proxy process,
// but the hub's dev mode and the test suite run this one in-process.
//
// Requests are routed to the registered route with the longest matching path
// prefix; everything else falls through to the default target (the hub).
type Server struct {
	authToken     string
	defaultTarget string
	logger        *slog.Logger
	transport     *http.Transport

	mu     sync.RWMutex
	routes map[string]string // prefix -> target base URL

	server *http.Server
}

// NewServer creates a reference proxy. defaultTarget receives every request
// that matches no registered route; it may be empty, in which case unmatched
// requests get a 404.
func NewServer(authToken, defaultTarget string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 60 * time.Second,
	}
	return &Server{
		authToken:     authToken,
		defaultTarget: defaultTarget,
		logger:        logger.With("component", "ReferenceProxy"),
		transport: &http.Transport{
			Proxy:       http.ProxyFromEnvironment,
			DialContext: dialer.DialContext,
		},
		routes: make(map[string]string),
	}
}

// ServeHTTP dispatches admin API calls and proxies everything else.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/routes") {
		s.handleAdmin(w, r)
		return
	}
	s.handleProxy(w, r)
}

// Start serves the proxy on listenAddr until Stop is called.
func (s *Server) Start(listenAddr string) error {
	s.server = &http.Server{
		Addr:         listenAddr,
		Handler:      s,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("Starting reference proxy", "addr", listenAddr)
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the proxy server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "token "+s.authToken {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	prefix := strings.TrimPrefix(r.URL.Path, "/api/routes")

	switch {
	case r.Method == http.MethodGet && prefix == "":
		s.mu.RLock()
		table := make(map[string]map[string]string, len(s.routes))
		for p, target := range s.routes {
			table[p] = map[string]string{"target": target}
		}
		s.mu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(table)

	case r.Method == http.MethodPut && prefix != "":
		var body struct {
			Target string `json:"target"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Target == "" {
			http.Error(w, "invalid route body", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.routes[prefix] = body.Target
		s.mu.Unlock()
		s.logger.Info("Route added", "prefix", prefix, "target", body.Target)
		w.WriteHeader(http.StatusCreated)

	case r.Method == http.MethodDelete && prefix != "":
		s.mu.Lock()
		_, existed := s.routes[prefix]
		delete(s.routes, prefix)
		s.mu.Unlock()
		if !existed {
			http.Error(w, "no such route", http.StatusNotFound)
			return
		}
		s.logger.Info("Route removed", "prefix", prefix)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.New().String()

	target, prefix := s.match(r.URL.Path)
	if target == "" {
		http.Error(w, "Not Found", http.StatusNotFound)
		s.logger.Info("No route for request", "traceID", traceID, "path", r.URL.Path)
		return
	}

	targetURL, err := url.Parse(target)
	if err != nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		s.logger.Error("Invalid route target", "traceID", traceID, "prefix", prefix, "target", target, "error", err)
		return
	}

	reverseProxy := httputil.NewSingleHostReverseProxy(targetURL)
	reverseProxy.Transport = s.transport
	r.Header.Add("X-Trace-ID", traceID)

	s.logger.Debug("Proxying request", "traceID", traceID, "path", r.URL.Path, "target", target)
	reverseProxy.ServeHTTP(w, r)
}

// match returns the target for the longest registered prefix matching path,
// or the default target when nothing matches.
func (s *Server) match(path string) (target, prefix string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefixes := make([]string, 0, len(s.routes))
	for p := range s.routes {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return s.routes[p], p
		}
	}
	return s.defaultTarget, ""
}

// Routes returns a snapshot of the routing table, for tests and diagnostics.
func (s *Server) Routes() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[string]string, len(s.routes))
	for p, t := range s.routes {
		snapshot[p] = t
	}
	return snapshot
}

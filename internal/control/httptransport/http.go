// Package httptransport implements the external-control surface's HTTP
// transport: a single "/mcp" endpoint accepting POST (JSON-RPC
// request/response) and GET (server-sent-events notifications), plus
// "/metrics" and "/healthz", mounted on gorilla/mux per the teacher's
// infrastructure/service/runner.go convention.
package httptransport

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/smithers-ai/smithers/internal/control/rpc"
	"github.com/smithers-ai/smithers/internal/logging"
	"github.com/smithers-ai/smithers/internal/metrics"
)

// Config controls the HTTP control server's binding and access policy.
type Config struct {
	Host           string   // must resolve to a loopback address
	Port           int
	AllowedOrigins []string // checked against the Origin header; empty means loopback origins (localhost, 127.0.0.0/8, ::1) only
}

// Server wraps the mux.Router plus the shared dispatcher.
type Server struct {
	cfg    Config
	router *mux.Router
	disp   *rpc.Dispatcher
	logger *logging.Logger
}

// New builds a Server. It does not start listening; call ListenAndServe.
func New(cfg Config, disp *rpc.Dispatcher, m *metrics.Metrics, logger *logging.Logger) (*Server, error) {
	if err := requireLoopback(cfg.Host); err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, disp: disp, logger: logger}
	r := mux.NewRouter()
	r.Use(s.originCheck)
	r.HandleFunc("/mcp", s.handleMCP).Methods(http.MethodPost, http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router = r
	return s, nil
}

// requireLoopback rejects any bind host that is not a loopback address,
// per spec §4.11's "binds only to loopback addresses".
func requireLoopback(host string) error {
	if host == "" || host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip != nil && ip.IsLoopback() {
		return nil
	}
	return errLoopbackOnly(host)
}

type errLoopbackOnly string

func (e errLoopbackOnly) Error() string {
	return "control server host " + string(e) + " is not a loopback address"
}

func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// ListenAndServe blocks serving the control HTTP surface.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// originCheck enforces the localhost Origin allow-list on every request
// that carries an Origin header (browser-originated requests); non-browser
// clients with no Origin header pass through.
func (s *Server) originCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if (len(s.cfg.AllowedOrigins) == 0 && loopbackOrigin(origin)) || originAllowed(origin, s.cfg.AllowedOrigins) {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "origin not allowed", http.StatusForbidden)
	})
}

func loopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	h := u.Hostname()
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(origin, a) {
			return true
		}
	}
	return false
}

func (s *Server) authenticate(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	return s.disp.Authenticate(token)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(r) {
		writeRPCError(w, http.StatusUnauthorized, rpc.CodeUnauthorized, "missing or invalid bearer token")
		return
	}

	if r.Method == http.MethodGet {
		s.handleSSE(w, r)
		return
	}

	var req rpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, http.StatusBadRequest, rpc.CodeParseError, "parse error: "+err.Error())
		return
	}
	resp := s.disp.Dispatch(req)
	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCError(w http.ResponseWriter, status, code int, msg string) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rpc.Response{JSONRPC: "2.0", Error: &rpc.RPCError{Code: code, Message: msg}})
}

// handleSSE streams notifications since the client's Last-Event-ID
// (replayed from the bounded ring buffer), then continues polling for new
// ones until the client disconnects. Keep-alives are SSE comment lines.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("content-type", "text/event-stream")
	w.Header().Set("cache-control", "no-cache")
	w.Header().Set("connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var lastID int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			lastID = parsed
		}
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case <-poll.C:
			events := s.disp.Notifications.Since(lastID)
			for _, ev := range events {
				payload, err := json.Marshal(ev.Params)
				if err != nil {
					continue
				}
				_, _ = w.Write([]byte("id: " + strconv.FormatInt(ev.ID, 10) + "\n"))
				_, _ = w.Write([]byte("event: " + ev.Method + "\n"))
				_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
				lastID = ev.ID
			}
			if len(events) > 0 {
				flusher.Flush()
			}
		}
	}
}

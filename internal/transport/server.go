package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Rajchodisetti/marketcache/internal/adapters"
	"github.com/Rajchodisetti/marketcache/internal/config"
	"github.com/Rajchodisetti/marketcache/internal/engine"
	"github.com/Rajchodisetti/marketcache/internal/observ"
	"github.com/Rajchodisetti/marketcache/internal/upstream"
)

const (
	defaultNewsLimit = 20
	maxNewsLimit     = 100
	maxBatchSymbols  = 500
)

// Server exposes the engine over HTTP JSON routes and a websocket hub.
type Server struct {
	engine *engine.Engine
	hub    *Hub
	mux    *http.ServeMux
}

func NewServer(e *engine.Engine) *Server {
	s := &Server{engine: e, hub: NewHub(e), mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/quote", s.handleQuote)
	s.mux.HandleFunc("GET /api/quotes", s.handleQuotes)
	s.mux.HandleFunc("GET /api/movers", s.handleMovers)
	s.mux.HandleFunc("GET /api/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/news", s.handleNews)
	s.mux.HandleFunc("GET /api/profile", s.handleProfile)
	s.mux.HandleFunc("GET /api/sync", s.handleSync)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.Handle("GET /ws", s.hub)
	s.mux.Handle("GET /metrics", observ.Handler())
	s.mux.Handle("GET /health", observ.HealthHandler())
	s.mux.Handle("GET /healthz", observ.Health())
}

// Hub returns the websocket hub so the caller can run its event loop.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	if strings.HasPrefix(r.URL.Path, "/api/") {
		// The mux sets Pattern on match, which keeps the label set bounded.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		labels := map[string]string{"route": route, "status": strconv.Itoa(rec.status)}
		observ.IncCounter("http_requests_total", labels)
		observ.RecordDuration("http_request", time.Since(start), map[string]string{"route": route})
	}
}

// HTTPServer wraps the handler with the configured timeouts.
func (s *Server) HTTPServer(cfg config.Server) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      s,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is needed by the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	res := s.engine.GetQuote(r.Context(), symbol)
	writeResult(w, res.State, res.Err, "quote", res.Value)
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	symbols := splitList(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols is required")
		return
	}
	if len(symbols) > maxBatchSymbols {
		writeError(w, http.StatusBadRequest, "too many symbols")
		return
	}
	res := s.engine.GetBatchQuotes(r.Context(), symbols)
	writeResult(w, res.State, res.Err, "quotes", res.Value)
}

func (s *Server) handleMovers(w http.ResponseWriter, r *http.Request) {
	kind, err := adapters.ParseMoverKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := s.engine.Movers(r.Context(), kind)
	writeResult(w, res.State, res.Err, "movers", res.Value)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	from, err := parseDate(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parseDate(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		writeError(w, http.StatusBadRequest, "to is before from")
		return
	}
	res := s.engine.History(r.Context(), symbol, from, to)
	writeResult(w, res.State, res.Err, "bars", res.Value)
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultNewsLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxNewsLimit)
	}
	res := s.engine.News(r.Context(), splitList(q.Get("symbols")), limit)
	writeResult(w, res.State, res.Err, "news", res.Value)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	res := s.engine.Profile(r.Context(), symbol)
	writeResult(w, res.State, res.Err, "profile", res.Value)
}

func (s *Server) handleSync(w http.ResponseWriter, _ *http.Request) {
	st := s.engine.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"next_tick_seconds": st.NextTickSeconds,
		"subscribers":       st.SyncSubscribers,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

// writeResult renders {"state", <field>, "error"}. A stale result is a
// success; a missing one maps its error to a status code.
func writeResult(w http.ResponseWriter, state engine.State, err error, field string, value any) {
	body := map[string]any{"state": state}
	if state == engine.StateMissing {
		body["error"] = errorMessage(err)
		writeJSON(w, statusFor(err), body)
		return
	}
	body[field] = value
	writeJSON(w, http.StatusOK, body)
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusNotFound
	case adapters.IsNotFound(err):
		return http.StatusNotFound
	case adapters.ErrorType(err) == adapters.ErrTypeRateLimit:
		return http.StatusServiceUnavailable
	case errors.Is(err, upstream.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func errorMessage(err error) string {
	if err == nil {
		return "no data"
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"state": engine.StateMissing, "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observ.Warn("http_encode_failed", map[string]any{"error": err})
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}

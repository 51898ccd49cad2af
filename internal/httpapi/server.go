package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Thin-Film-Technology-Corp/Wrike-graph-server/internal/syncengine"
)

// SyncEngine is the part of the engine the HTTP surface drives.
type SyncEngine interface {
	SubmitBatch(correlationID string, events []syncengine.SyncEvent) error
	SubmitReconcile(correlationID string, kind syncengine.RecordKind, limit int) error
	Reconcile(ctx context.Context, kind syncengine.RecordKind, limit int) (syncengine.ReconcileReport, error)
}

type ServerConfig struct {
	WrikeHookSecret string
	// GraphClientState is the secret every change notification must carry.
	GraphClientState string
	// AdminJWTSecret enables the operator endpoints when set.
	AdminJWTSecret      string
	NotifyLimit         int
	AdminReconcileLimit int
	RateLimitMax        int
	RateLimitWindow     time.Duration
	MaxBodyBytes        int64
	Logger              *slog.Logger
	Metrics             *syncengine.Metrics
}

type Server struct {
	engine      SyncEngine
	cfg         ServerConfig
	logger      *slog.Logger
	metrics     *syncengine.Metrics
	rateLimiter *rateLimiter
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

const maxRateEntries = 10000

func NewServer(engine SyncEngine, cfg ServerConfig) *Server {
	if cfg.NotifyLimit <= 0 {
		cfg.NotifyLimit = 5
	}
	if cfg.AdminReconcileLimit <= 0 {
		cfg.AdminReconcileLimit = 75
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = 15 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		cfg:         cfg,
		logger:      logger,
		metrics:     cfg.Metrics,
		rateLimiter: limiter,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

var wrikeRoutes = map[string]syncengine.Route{
	"rfq/assignee":       {Kind: syncengine.KindRFQ, Topic: syncengine.TopicAssignee},
	"rfq/reviewer":       {Kind: syncengine.KindRFQ, Topic: syncengine.TopicReviewer},
	"rfq/delete":         {Kind: syncengine.KindRFQ, Topic: syncengine.TopicDelete},
	"datasheet/assignee": {Kind: syncengine.KindDatasheet, Topic: syncengine.TopicAssignee},
	"datasheet/reviewer": {Kind: syncengine.KindDatasheet, Topic: syncengine.TopicReviewer},
	"datasheet/delete":   {Kind: syncengine.KindDatasheet, Topic: syncengine.TopicDelete},
	"order":              {Kind: syncengine.KindOrder, Topic: syncengine.TopicStatus},
	"order/delete":       {Kind: syncengine.KindOrder, Topic: syncengine.TopicDelete},
}

var graphRoutes = map[string]syncengine.RecordKind{
	"rfq":        syncengine.KindRFQ,
	"datasheets": syncengine.KindDatasheet,
	"order":      syncengine.KindOrder,
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.Handler().ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientIP(r), s.now()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.ObserveDelivery(sourceOf(r.URL.Path), "rate_limited")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case parts[0] == "wrike" && len(parts) > 1:
		route, ok := wrikeRoutes[strings.Join(parts[1:], "/")]
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
			return
		}
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST", correlationID)
			return
		}
		r, ok = s.captureRawBody(w, r, correlationID)
		if !ok {
			return
		}
		s.handleWrike(w, r, route, correlationID)
	case parts[0] == "graph" && len(parts) == 2:
		kind, ok := graphRoutes[parts[1]]
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
			return
		}
		if r.Method != http.MethodPost && r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or POST", correlationID)
			return
		}
		r, ok = s.captureRawBody(w, r, correlationID)
		if !ok {
			return
		}
		s.handleGraph(w, r, kind, correlationID)
	case r.URL.Path == "/v1/admin/reconcile" && r.Method == http.MethodPost:
		s.handleAdminReconcile(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type rawBodyKey struct{}

// captureRawBody reads the body once and carries the exact bytes on the
// request context. Signature checks and decoders both read this copy.
func (s *Server) captureRawBody(w http.ResponseWriter, r *http.Request, correlationID string) (*http.Request, bool) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return r, false
	}
	return r.WithContext(context.WithValue(r.Context(), rawBodyKey{}, body)), true
}

func rawBody(r *http.Request) []byte {
	body, _ := r.Context().Value(rawBodyKey{}).([]byte)
	return body
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func sourceOf(path string) string {
	switch {
	case strings.HasPrefix(path, "/wrike/"):
		return "wrike"
	case strings.HasPrefix(path, "/graph/"):
		return "graph"
	case strings.HasPrefix(path, "/v1/admin/"):
		return "admin"
	default:
		return "other"
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		if !ok && len(r.entries) >= maxRateEntries {
			r.pruneLocked(now)
		}
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (r *rateLimiter) pruneLocked(now time.Time) {
	for key, entry := range r.entries {
		if now.After(entry.resetAt) {
			delete(r.entries, key)
		}
	}
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

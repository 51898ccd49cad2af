package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Thin-Film-Technology-Corp/Wrike-graph-server/internal/syncengine"
)

const (
	testHookSecret   = "hook-secret"
	testClientState  = "graph-client-state"
	testAdminSecret  = "admin-secret"
	testRemoteAddrV4 = "198.51.100.7:4242"
)

type submittedReconcile struct {
	kind  syncengine.RecordKind
	limit int
}

type fakeEngine struct {
	mu         sync.Mutex
	batches    [][]syncengine.SyncEvent
	reconciles []submittedReconcile
	submitErr  error
	report     syncengine.ReconcileReport
	runErr     error
}

func (f *fakeEngine) SubmitBatch(correlationID string, events []syncengine.SyncEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.batches = append(f.batches, events)
	return nil
}

func (f *fakeEngine) SubmitReconcile(correlationID string, kind syncengine.RecordKind, limit int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.reconciles = append(f.reconciles, submittedReconcile{kind: kind, limit: limit})
	return nil
}

func (f *fakeEngine) Reconcile(ctx context.Context, kind syncengine.RecordKind, limit int) (syncengine.ReconcileReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciles = append(f.reconciles, submittedReconcile{kind: kind, limit: limit})
	report := f.report
	report.Kind = kind
	report.Limit = limit
	return report, f.runErr
}

func newTestServer(engine SyncEngine, mutate func(*ServerConfig)) *Server {
	cfg := ServerConfig{
		WrikeHookSecret:  testHookSecret,
		GraphClientState: testClientState,
		AdminJWTSecret:   testAdminSecret,
		NotifyLimit:      5,
		Metrics:          syncengine.NewMetrics(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewServer(engine, cfg)
}

func signedWrikeRequest(path string, body []byte) rawRequest {
	return rawRequest{
		method:  http.MethodPost,
		path:    path,
		headers: map[string]string{"X-Hook-Secret": mustHMAC(testHookSecret, string(body))},
		body:    body,
	}
}

func TestHealth(t *testing.T) {
	rec := doRawRequest(t, newTestServer(&fakeEngine{}, nil), rawRequest{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"status":"ok"}` {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestMetricsEndpointExposesDeliveries(t *testing.T) {
	server := newTestServer(&fakeEngine{}, nil)
	body := []byte(`[{"taskId":"T1","addedResponsibles":["W9"]}]`)
	if rec := doRawRequest(t, server, signedWrikeRequest("/wrike/rfq/assignee", body)); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}
	rec := doRawRequest(t, server, rawRequest{method: http.MethodGet, path: "/metrics"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `relaysync_webhook_deliveries_total{outcome="accepted",source="wrike"} 1`) {
		t.Fatalf("delivery counter missing from metrics output")
	}
}

func TestWrikeDeliveryAcceptedAndDecoded(t *testing.T) {
	engine := &fakeEngine{}
	server := newTestServer(engine, nil)
	body := []byte(`[{"taskId":"T1","addedResponsibles":["W9"]},{"taskId":"T2","removedResponsibles":["W3"]}]`)

	rec := doRawRequest(t, server, signedWrikeRequest("/wrike/rfq/assignee", body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}
	if len(engine.batches) != 1 || len(engine.batches[0]) != 2 {
		t.Fatalf("expected one batch of two events, got %+v", engine.batches)
	}
	first := engine.batches[0][0]
	if first.Type != syncengine.EventAssigneeAdded || first.Kind != syncengine.KindRFQ || first.TaskID != "T1" || first.Value != "W9" {
		t.Fatalf("unexpected first event %+v", first)
	}
	if engine.batches[0][1].Type != syncengine.EventAssigneeRemoved {
		t.Fatalf("unexpected second event %+v", engine.batches[0][1])
	}
}

func TestWrikeRoutesBindKindAndTopic(t *testing.T) {
	cases := []struct {
		path string
		body string
		kind syncengine.RecordKind
		want syncengine.EventType
	}{
		{"/wrike/datasheet/assignee", `[{"taskId":"D1","addedResponsibles":["W1"]}]`, syncengine.KindDatasheet, syncengine.EventAssigneeAdded},
		{"/wrike/rfq/reviewer", `[{"taskId":"T1","customFieldId":"CF","value":"W1"}]`, syncengine.KindRFQ, syncengine.EventReviewerSet},
		{"/wrike/datasheet/reviewer", `[{"taskId":"D1","customFieldId":"CF","value":""}]`, syncengine.KindDatasheet, syncengine.EventReviewerCleared},
		{"/wrike/rfq/delete", `[{"taskId":"T1"}]`, syncengine.KindRFQ, syncengine.EventTaskDeleted},
		{"/wrike/datasheet/delete", `[{"taskId":"D1"}]`, syncengine.KindDatasheet, syncengine.EventTaskDeleted},
		{"/wrike/order/delete", `[{"taskId":"O1"}]`, syncengine.KindOrder, syncengine.EventTaskDeleted},
		{"/wrike/order", `[{"taskId":"O1","status":"Completed"}]`, syncengine.KindOrder, syncengine.EventOrderCompleted},
		{"/wrike/order", `[{"taskId":"O1","status":"Active"}]`, syncengine.KindOrder, syncengine.EventStatusNoop},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			engine := &fakeEngine{}
			rec := doRawRequest(t, newTestServer(engine, nil), signedWrikeRequest(tc.path, []byte(tc.body)))
			if rec.Code != http.StatusAccepted {
				t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
			}
			event := engine.batches[0][0]
			if event.Kind != tc.kind || event.Type != tc.want {
				t.Fatalf("expected %s/%s, got %s/%s", tc.kind, tc.want, event.Kind, event.Type)
			}
		})
	}
}

func TestWrikeSignatureRequired(t *testing.T) {
	engine := &fakeEngine{}
	server := newTestServer(engine, nil)
	body := []byte(`[{"taskId":"T1","addedResponsibles":["W9"]}]`)

	missing := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/wrike/rfq/assignee", body: body})
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing signature, got %d", missing.Code)
	}

	wrong := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/wrike/rfq/assignee",
		headers: map[string]string{"X-Hook-Secret": mustHMAC("other-secret", string(body))},
		body:    body,
	})
	if wrong.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for signature mismatch, got %d", wrong.Code)
	}

	tampered := signedWrikeRequest("/wrike/rfq/assignee", body)
	tampered.body = bytes.Replace(body, []byte("W9"), []byte("W8"), 1)
	if rec := doRawRequest(t, server, tampered); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for tampered body, got %d", rec.Code)
	}
	if len(engine.batches) != 0 {
		t.Fatalf("rejected deliveries must not be queued")
	}
}

func TestWrikeSignatureCoversExactBytes(t *testing.T) {
	engine := &fakeEngine{}
	server := newTestServer(engine, nil)
	// Whitespace a re-serialization would drop is part of the signed bytes.
	body := []byte("[ {\"taskId\": \"T1\",   \"addedResponsibles\": [\"W9\"]} ]\n")
	if rec := doRawRequest(t, server, signedWrikeRequest("/wrike/rfq/assignee", body)); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestWrikeHandshake(t *testing.T) {
	engine := &fakeEngine{}
	server := newTestServer(engine, nil)
	body := []byte(`{"requestType":"WebHook secret verification"}`)

	rec := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/wrike/rfq/assignee",
		headers: map[string]string{"X-Hook-Secret": "challenge-123"},
		body:    body,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	want := mustHMAC(testHookSecret, "challenge-123")
	if got := rec.Header().Get("X-Hook-Secret"); got != want {
		t.Fatalf("expected handshake signature %s, got %s", want, got)
	}
	again := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/wrike/order",
		headers: map[string]string{"X-Hook-Secret": "challenge-123"},
		body:    body,
	})
	if again.Header().Get("X-Hook-Secret") != want {
		t.Fatalf("handshake must be deterministic")
	}

	missing := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/wrike/rfq/assignee", body: body})
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for handshake without challenge, got %d", missing.Code)
	}
	if len(engine.batches) != 0 {
		t.Fatalf("handshake must not queue work")
	}
}

func TestWrikeHandshakeRefusesPayloadShapedChallenge(t *testing.T) {
	engine := &fakeEngine{}
	server := newTestServer(engine, nil)
	event := `[{"taskId":"T1","removedResponsibles":["W9"]}]`

	rec := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/wrike/rfq/assignee",
		headers: map[string]string{"X-Hook-Secret": event},
		body:    []byte(`{"requestType":"WebHook secret verification"}`),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Hook-Secret"); got != "" {
		t.Fatalf("refused handshake must not sign anything, got %s", got)
	}

	// The refused value cannot be replayed as a signature for that event.
	replay := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/wrike/rfq/assignee",
		headers: map[string]string{"X-Hook-Secret": rec.Header().Get("X-Hook-Secret")},
		body:    []byte(event),
	})
	if replay.Code == http.StatusAccepted {
		t.Fatalf("event must not be accepted without a valid signature")
	}
	if len(engine.batches) != 0 {
		t.Fatalf("no work may be queued")
	}
}

func TestWrikeInvalidPayloadRejectedAfterAuth(t *testing.T) {
	engine := &fakeEngine{}
	server := newTestServer(engine, nil)
	for _, body := range []string{`{"taskId":"T1"}`, `[{"taskId":12}]`, `not json`} {
		rec := doRawRequest(t, server, signedWrikeRequest("/wrike/rfq/assignee", []byte(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
	if len(engine.batches) != 0 {
		t.Fatalf("invalid payloads must not be queued")
	}
}

func TestWrikeQueueFullReturns503(t *testing.T) {
	server := newTestServer(&fakeEngine{submitErr: syncengine.ErrQueueFull}, nil)
	rec := doRawRequest(t, server, signedWrikeRequest("/wrike/rfq/delete", []byte(`[{"taskId":"T1"}]`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestWrikeRoutingErrors(t *testing.T) {
	server := newTestServer(&fakeEngine{}, nil)
	if rec := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/wrike/invoice/assignee"}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := doRawRequest(t, server, rawRequest{method: http.MethodGet, path: "/wrike/rfq/assignee"}); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	unconfigured := newTestServer(&fakeEngine{}, func(cfg *ServerConfig) { cfg.WrikeHookSecret = "" })
	if rec := doRawRequest(t, unconfigured, signedWrikeRequest("/wrike/rfq/delete", []byte(`[{"taskId":"T1"}]`))); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a hook secret, got %d", rec.Code)
	}
}

func TestWrikeBodyLimit(t *testing.T) {
	server := newTestServer(&fakeEngine{}, func(cfg *ServerConfig) { cfg.MaxBodyBytes = 16 })
	body := []byte(`[{"taskId":"T1","addedResponsibles":["W9"]}]`)
	if rec := doRawRequest(t, server, signedWrikeRequest("/wrike/rfq/assignee", body)); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestGraphValidationTokenEcho(t *testing.T) {
	server := newTestServer(&fakeEngine{}, nil)
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := doRawRequest(t, server, rawRequest{
			method: method,
			path:   "/graph/rfq?validationToken=Validation%3A+Testing+client+application+reachability",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", method, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
			t.Fatalf("%s: expected text/plain, got %s", method, ct)
		}
		if rec.Body.String() != "Validation: Testing client application reachability" {
			t.Fatalf("%s: unexpected echo %q", method, rec.Body.String())
		}
	}
}

func TestGraphNotificationQueuesReconcile(t *testing.T) {
	cases := map[string]syncengine.RecordKind{
		"/graph/rfq":        syncengine.KindRFQ,
		"/graph/datasheets": syncengine.KindDatasheet,
		"/graph/order":      syncengine.KindOrder,
	}
	for path, kind := range cases {
		engine := &fakeEngine{}
		server := newTestServer(engine, nil)
		rec := doRequest(t, server, request{
			method: http.MethodPost,
			path:   path,
			body: map[string]any{"value": []map[string]any{
				{"clientState": testClientState, "subscriptionId": "sub-1", "changeType": "updated"},
			}},
		})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("%s: expected 202, got %d (%s)", path, rec.Code, rec.Body.String())
		}
		if len(engine.reconciles) != 1 || engine.reconciles[0] != (submittedReconcile{kind: kind, limit: 5}) {
			t.Fatalf("%s: unexpected reconciles %+v", path, engine.reconciles)
		}
	}
}

func TestGraphNotificationClientStateMismatch(t *testing.T) {
	engine := &fakeEngine{}
	server := newTestServer(engine, nil)
	rec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/graph/rfq",
		body: map[string]any{"value": []map[string]any{
			{"clientState": testClientState},
			{"clientState": "forged"},
		}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	missing := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/graph/rfq",
		body:   map[string]any{"value": []map[string]any{{"changeType": "updated"}}},
	})
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing clientState, got %d", missing.Code)
	}
	if len(engine.reconciles) != 0 {
		t.Fatalf("rejected notifications must not trigger reconcile")
	}
}

func TestGraphNotificationQueueFull(t *testing.T) {
	server := newTestServer(&fakeEngine{submitErr: syncengine.ErrQueueFull}, nil)
	rec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/graph/order",
		body:   map[string]any{"value": []map[string]any{{"clientState": testClientState}}},
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestAdminReconcile(t *testing.T) {
	engine := &fakeEngine{report: syncengine.ReconcileReport{Fetched: 3, Created: 2, Updated: 1}}
	server := newTestServer(engine, nil)
	token := mustTestJWT(t, testAdminSecret, "ops@example.com", []string{"sync:trigger"}, time.Now().Add(time.Hour))

	rec := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/admin/reconcile?kind=datasheet&limit=20",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var report syncengine.ReconcileReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Kind != syncengine.KindDatasheet || report.Limit != 20 || report.Created != 2 {
		t.Fatalf("unexpected report %+v", report)
	}

	defaulted := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/admin/reconcile?kind=rfq",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if defaulted.Code != http.StatusOK || engine.reconciles[1].limit != 75 {
		t.Fatalf("expected default limit 75, got %d / %+v", defaulted.Code, engine.reconciles)
	}
}

func TestAdminReconcileAuth(t *testing.T) {
	server := newTestServer(&fakeEngine{}, nil)
	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + mustTestJWT(t, "nope", "ops", []string{"sync:trigger"}, time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"expired", "Bearer " + mustTestJWT(t, testAdminSecret, "ops", []string{"sync:trigger"}, time.Now().Add(-time.Minute)), http.StatusUnauthorized},
		{"wrong audience", "Bearer " + mustTestJWTWithAudience(t, testAdminSecret, "ops", []string{"sync:trigger"}, "other-service", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"missing scope", "Bearer " + mustTestJWT(t, testAdminSecret, "ops", []string{"sync:read"}, time.Now().Add(time.Hour)), http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			headers := map[string]string{}
			if tc.header != "" {
				headers["Authorization"] = tc.header
			}
			rec := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: "/v1/admin/reconcile?kind=rfq", headers: headers})
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
		})
	}

	disabled := newTestServer(&fakeEngine{}, func(cfg *ServerConfig) { cfg.AdminJWTSecret = "" })
	if rec := doRawRequest(t, disabled, rawRequest{method: http.MethodPost, path: "/v1/admin/reconcile?kind=rfq"}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when admin is disabled, got %d", rec.Code)
	}
}

func TestAdminReconcileErrors(t *testing.T) {
	token := mustTestJWT(t, testAdminSecret, "ops", []string{"sync:trigger"}, time.Now().Add(time.Hour))
	headers := map[string]string{"Authorization": "Bearer " + token}
	cases := []struct {
		name string
		path string
		err  error
		want int
	}{
		{"unknown kind", "/v1/admin/reconcile?kind=invoice", nil, http.StatusBadRequest},
		{"in progress", "/v1/admin/reconcile?kind=rfq", syncengine.ErrReconcileInProgress, http.StatusConflict},
		{"upstream", "/v1/admin/reconcile?kind=rfq", &syncengine.UpstreamError{Op: "fetch registry records"}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newTestServer(&fakeEngine{runErr: tc.err}, nil)
			rec := doRawRequest(t, server, rawRequest{method: http.MethodPost, path: tc.path, headers: headers})
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRateLimitingByClientIP(t *testing.T) {
	server := newTestServer(&fakeEngine{}, func(cfg *ServerConfig) {
		cfg.RateLimitMax = 2
		cfg.RateLimitWindow = time.Hour
	})
	body := []byte(`[{"taskId":"T1"}]`)
	send := func(remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/wrike/rfq/delete", bytes.NewReader(body))
		req.RemoteAddr = remoteAddr
		req.Header.Set("X-Hook-Secret", mustHMAC(testHookSecret, string(body)))
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, req)
		return rec
	}
	for i := 0; i < 2; i++ {
		if rec := send(testRemoteAddrV4); rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i, rec.Code)
		}
	}
	limited := send(testRemoteAddrV4)
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", limited.Code)
	}
	if limited.Header().Get("Retry-After") != "3600" {
		t.Fatalf("expected Retry-After 3600, got %q", limited.Header().Get("Retry-After"))
	}
	if rec := send("203.0.113.9:1000"); rec.Code != http.StatusAccepted {
		t.Fatalf("other clients must not be limited, got %d", rec.Code)
	}
	health := httptest.NewRequest(http.MethodGet, "/health", nil)
	health.RemoteAddr = testRemoteAddrV4
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, health)
	if rec.Code != http.StatusOK {
		t.Fatalf("health must not be rate limited, got %d", rec.Code)
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	limiter := &rateLimiter{window: time.Minute, max: 1, entries: map[string]rateEntry{}}
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	if !limiter.allow("a", now) {
		t.Fatalf("first request must pass")
	}
	if limiter.allow("a", now.Add(time.Second)) {
		t.Fatalf("second request inside the window must be limited")
	}
	if !limiter.allow("a", now.Add(2*time.Minute)) {
		t.Fatalf("window must reset")
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	server := newTestServer(&fakeEngine{}, nil)
	rec := doRawRequest(t, server, rawRequest{
		method:  http.MethodGet,
		path:    "/nowhere",
		headers: map[string]string{"X-Correlation-Id": "corr-9"},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec.Header().Get("X-Correlation-Id") != "corr-9" {
		t.Fatalf("expected correlation id to be echoed")
	}
	generated := doRawRequest(t, server, rawRequest{method: http.MethodGet, path: "/nowhere"})
	if generated.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected a generated correlation id")
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	return doRawRequest(t, server, rawRequest{method: r.method, path: r.path, headers: r.headers, body: bodyBytes})
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, subject, scopes, "relaysync", exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    aud,
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

func mustHMAC(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

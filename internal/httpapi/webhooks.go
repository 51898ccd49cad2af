package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Thin-Film-Technology-Corp/Wrike-graph-server/internal/syncengine"
)

func (s *Server) handleWrike(w http.ResponseWriter, r *http.Request, route syncengine.Route, correlationID string) {
	log := s.logger.With("route", route.String(), "correlation_id", correlationID)
	if s.cfg.WrikeHookSecret == "" {
		log.Error("wrike hook secret is not configured")
		writeError(w, http.StatusServiceUnavailable, "not_configured", "webhook secret not configured", correlationID)
		return
	}
	body := rawBody(r)
	presented := r.Header.Get(wrikeSignatureHeader)

	if syncengine.IsWrikeHandshake(body) {
		if presented == "" {
			s.metrics.ObserveDelivery("wrike", "bad_request")
			writeError(w, http.StatusBadRequest, "bad_request", "missing "+wrikeSignatureHeader+" header", correlationID)
			return
		}
		if !validHandshakeChallenge(presented) {
			s.metrics.ObserveDelivery("wrike", "bad_request")
			log.Warn("wrike handshake challenge refused", "length", len(presented))
			writeError(w, http.StatusBadRequest, "bad_request", "malformed handshake challenge", correlationID)
			return
		}
		w.Header().Set(wrikeSignatureHeader, wrikeHandshakeSignature(s.cfg.WrikeHookSecret, presented))
		s.metrics.ObserveDelivery("wrike", "handshake")
		log.Info("wrike webhook handshake")
		w.WriteHeader(http.StatusOK)
		return
	}

	if authErr := verifyWrikeSignature(s.cfg.WrikeHookSecret, presented, body); authErr != nil {
		s.metrics.ObserveDelivery("wrike", authErr.code)
		log.Warn("wrike delivery rejected", "reason", authErr.message)
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if err := syncengine.ValidatePayload(syncengine.WrikeEventsSchema, body); err != nil {
		s.metrics.ObserveDelivery("wrike", "bad_request")
		log.Warn("wrike payload invalid", "err", err)
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	events, err := syncengine.DecodeWrikeBatch(route, body)
	if err != nil {
		s.metrics.ObserveDelivery("wrike", "bad_request")
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if err := s.engine.SubmitBatch(correlationID, events); err != nil {
		s.rejectBusy(w, "wrike", err, correlationID)
		return
	}
	s.metrics.ObserveDelivery("wrike", "accepted")
	log.Debug("wrike batch queued", "events", len(events))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "queued",
		"events":        len(events),
		"correlationId": correlationID,
	})
}

type graphNotification struct {
	Value []struct {
		ClientState    string `json:"clientState"`
		SubscriptionID string `json:"subscriptionId"`
		ChangeType     string `json:"changeType"`
	} `json:"value"`
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request, kind syncengine.RecordKind, correlationID string) {
	log := s.logger.With("kind", kind, "correlation_id", correlationID)

	// Subscription validation: echo the decoded token as plain text.
	if query := r.URL.Query(); query.Has("validationToken") {
		s.metrics.ObserveDelivery("graph", "handshake")
		log.Info("graph subscription validation")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(query.Get("validationToken")))
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "notifications must be POSTed", correlationID)
		return
	}

	body := rawBody(r)
	if err := syncengine.ValidatePayload(syncengine.GraphNotificationSchema, body); err != nil {
		s.metrics.ObserveDelivery("graph", "bad_request")
		log.Warn("graph notification invalid", "err", err)
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var notification graphNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		s.metrics.ObserveDelivery("graph", "bad_request")
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	states := make([]string, 0, len(notification.Value))
	for _, entry := range notification.Value {
		states = append(states, entry.ClientState)
	}
	if !clientStateMatches(s.cfg.GraphClientState, states) {
		s.metrics.ObserveDelivery("graph", "bad_request")
		log.Warn("graph notification client state mismatch")
		writeError(w, http.StatusBadRequest, "bad_request", "client state mismatch", correlationID)
		return
	}

	if err := s.engine.SubmitReconcile(correlationID, kind, s.cfg.NotifyLimit); err != nil {
		s.rejectBusy(w, "graph", err, correlationID)
		return
	}
	s.metrics.ObserveDelivery("graph", "accepted")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "queued",
		"kind":          kind,
		"limit":         s.cfg.NotifyLimit,
		"correlationId": correlationID,
	})
}

// rejectBusy answers a delivery the worker pool could not take. Nothing has
// been applied, so the sender may deliver again.
func (s *Server) rejectBusy(w http.ResponseWriter, source string, err error, correlationID string) {
	switch {
	case errors.Is(err, syncengine.ErrQueueFull), errors.Is(err, syncengine.ErrClosed):
		s.metrics.ObserveDelivery(source, "busy")
		s.logger.Warn("delivery not queued", "source", source, "correlation_id", correlationID, "err", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	default:
		s.metrics.ObserveDelivery(source, "error")
		s.logger.Error("delivery not queued", "source", source, "correlation_id", correlationID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) handleAdminReconcile(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.cfg.AdminJWTSecret == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.AdminJWTSecret, "sync:trigger", s.now())
	if authErr != nil {
		s.metrics.ObserveDelivery("admin", authErr.code)
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	query := r.URL.Query()
	kind, err := syncengine.ParseRecordKind(query.Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	limit := parseBoundedInt(query.Get("limit"), s.cfg.AdminReconcileLimit, 1, 1000)

	s.logger.Info("operator reconcile", "kind", kind, "limit", limit, "subject", claims.Subject, "correlation_id", correlationID)
	report, err := s.engine.Reconcile(r.Context(), kind, limit)
	var upstreamErr *syncengine.UpstreamError
	switch {
	case err == nil:
		s.metrics.ObserveDelivery("admin", "accepted")
		writeJSON(w, http.StatusOK, report)
	case errors.Is(err, syncengine.ErrReconcileInProgress):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, syncengine.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.As(err, &upstreamErr):
		writeError(w, http.StatusBadGateway, "upstream_failure", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-governance/internal/governance"
	"github.com/polisai/polis-governance/internal/qps"
	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/telemetry"
)

const (
	maxCheckBody    = 1 << 20
	requestIDHeader = "X-Request-Id"
)

// checkRequest is the body of POST /v1/governance/check. Role selects the
// QPS side and defaults to Provider.
type checkRequest struct {
	domain.GovernanceRequest
	Role string `json:"role,omitempty"`
}

type checkResponse struct {
	Allowed   bool                      `json:"allowed"`
	Decisions []governance.KindDecision `json:"decisions"`
}

type adminHandler struct {
	rt     *runtime
	logger *slog.Logger
}

func newAdminHandler(rt *runtime, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	h := &adminHandler{rt: rt, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /v1/governance/check", h.check)

	return otelhttp.NewHandler(mux, "polis.governance.admin")
}

func (h *adminHandler) check(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, requestID)

	var body checkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	flow, err := h.flowControl(body.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_role", err.Error())
		return
	}

	ctx := r.Context()
	req := &body.GovernanceRequest
	decisions := h.rt.governor.Check(ctx, req)

	meta := domain.InvocationMeta{SchemaID: req.SchemaID, OperationID: req.OperationID}
	qpsDecision := governance.KindDecision{
		Kind:    qps.KindFlowControl,
		Key:     flow.Manager().GetOrCreate(req.ServiceName, meta).Key(),
		Outcome: telemetry.OutcomeAllowed,
	}
	if err := flow.Handle(ctx, req.ServiceName, meta); err != nil {
		qpsDecision.Outcome = telemetry.OutcomeRejected
		qpsDecision.Reason = err.Error()
	}
	decisions = append(decisions, qpsDecision)

	if l, ok, err := h.rt.governor.RateLimiting().GetActuator(ctx, req); err == nil && ok {
		governance.WriteRateLimitHeaders(w, l)
	}

	resp := checkResponse{Allowed: true, Decisions: decisions}
	for _, d := range decisions {
		if d.Outcome == telemetry.OutcomeRejected || d.Outcome == telemetry.OutcomeError {
			resp.Allowed = false
		}
	}

	status := http.StatusOK
	if !resp.Allowed {
		status = domain.StatusTooManyRequests
		h.logger.Debug("governance check rejected", "request_id", requestID, "api_path", req.APIPath, "service", req.ServiceName)
	}
	writeJSON(w, status, resp)
}

func (h *adminHandler) flowControl(role string) (*qps.FlowControlHandler, error) {
	switch qps.Role(role) {
	case "", qps.Provider:
		return h.rt.provider, nil
	case qps.Consumer:
		return h.rt.consumer, nil
	}
	return nil, errors.New("role must be Provider or Consumer")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, domain.ErrorResponse{Code: code, Message: message, Status: status})
}

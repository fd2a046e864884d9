// Package server is the HTTP surface of the gateway: endpoint lifecycle
// administration, routing decisions, lease completion callbacks, and the
// fleet summary.
package server

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate"
	"github.com/fleetgate/fleetgate/balancer"
	"github.com/fleetgate/fleetgate/lease"
	"github.com/fleetgate/fleetgate/metrics"
	"github.com/fleetgate/fleetgate/monitoring"
	"github.com/fleetgate/fleetgate/registry"
)

type (
	BadRequestError     struct{ error }
	InternalServerError struct{ error }
)

type Server struct {
	registry *registry.Registry
	tracker  *metrics.Tracker
	balancer *balancer.Balancer
	leases   *lease.Manager
	monitor  *monitoring.PrometheusMonitor

	apiKey string
	logger *zap.SugaredLogger
}

func New(
	reg *registry.Registry,
	tracker *metrics.Tracker,
	bal *balancer.Balancer,
	leases *lease.Manager,
	monitor *monitoring.PrometheusMonitor,
	apiKey string,
	logger *zap.SugaredLogger,
) *Server {
	return &Server{
		registry: reg,
		tracker:  tracker,
		balancer: bal,
		leases:   leases,
		monitor:  monitor,
		apiKey:   apiKey,
		logger:   logger,
	}
}

// Handler builds the full route table with CORS and authentication.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(s.authenticate)
	v1.HandleFunc("/endpoints", s.handleRegister).Methods(http.MethodPost)
	v1.HandleFunc("/endpoints", s.handleListEndpoints).Methods(http.MethodGet)
	v1.HandleFunc("/endpoints/{id}", s.handleGetEndpoint).Methods(http.MethodGet)
	v1.HandleFunc("/endpoints/{id}", s.handleUpdateEndpoint).Methods(http.MethodPatch)
	v1.HandleFunc("/endpoints/{id}", s.handleDeleteEndpoint).Methods(http.MethodDelete)
	v1.HandleFunc("/endpoints/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	v1.HandleFunc("/endpoints/{id}/reject", s.handleReject).Methods(http.MethodPost)
	v1.HandleFunc("/endpoints/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	v1.HandleFunc("/select", s.handleSelect).Methods(http.MethodPost)
	v1.HandleFunc("/leases", s.handleOpenLease).Methods(http.MethodPost)
	v1.HandleFunc("/leases/{id}/complete", s.handleCompleteLease).Methods(http.MethodPost)
	v1.HandleFunc("/leases/{id}/cancel", s.handleCancelLease).Methods(http.MethodPost)
	v1.HandleFunc("/summary", s.handleSummary).Methods(http.MethodGet)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return corsMiddleware.Handler(router)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(httpResponse http.ResponseWriter, httpRequest *http.Request) {
		headerSplit := strings.Split(httpRequest.Header.Get("Authorization"), " ")
		if len(headerSplit) != 2 ||
			strings.ToLower(headerSplit[0]) != "bearer" ||
			(headerSplit[1] != "" && headerSplit[1] != s.apiKey) {
			http.Error(httpResponse, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(httpResponse, httpRequest)
	})
}

// metricsHandler refreshes the fleet gauges just before each scrape.
func (s *Server) metricsHandler() http.Handler {
	inner := s.monitor.GetHandler()
	return http.HandlerFunc(func(httpResponse http.ResponseWriter, httpRequest *http.Request) {
		_, online := s.registry.Counts()
		s.monitor.UpdateFleetGauges(online, s.tracker.Summary().ActiveRequests)
		inner.ServeHTTP(httpResponse, httpRequest)
	})
}

func (s *Server) handleError(httpResponse http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fleetgate.ErrNoHealthyEndpoint):
		http.Error(httpResponse, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, fleetgate.ErrEndpointNotFound), errors.Is(err, fleetgate.ErrLeaseNotFound):
		http.Error(httpResponse, err.Error(), http.StatusNotFound)
	case errors.Is(err, fleetgate.ErrDuplicateEndpoint), errors.Is(err, fleetgate.ErrInvalidStateTransition):
		http.Error(httpResponse, err.Error(), http.StatusConflict)
	default:
		switch err.(type) {
		case BadRequestError:
			http.Error(httpResponse, err.Error(), http.StatusBadRequest)
		case InternalServerError:
			http.Error(httpResponse, "Internal server error", http.StatusInternalServerError)
		default:
			http.Error(httpResponse, "Internal server error", http.StatusInternalServerError)
		}
	}
}

func (s *Server) writeJson(httpResponse http.ResponseWriter, status int, payload any) {
	httpResponse.Header().Set("Content-Type", "application/json")
	httpResponse.WriteHeader(status)
	if err := json.NewEncoder(httpResponse).Encode(payload); err != nil {
		s.logger.Errorw("Failed to encode response", "error", err)
	}
}

func (s *Server) decodeJson(httpRequest *http.Request, target any) error {
	defer httpRequest.Body.Close()
	bodyBytes, err := io.ReadAll(httpRequest.Body)
	if err != nil {
		return BadRequestError{fmt.Errorf("failed to read request body: %v", err)}
	}
	if err := json.Unmarshal(bodyBytes, target); err != nil {
		return BadRequestError{fmt.Errorf("invalid request body: %v", err)}
	}
	return nil
}

func pathId(httpRequest *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(httpRequest)["id"])
	if err != nil {
		return uuid.Nil, BadRequestError{fmt.Errorf("invalid id: %v", err)}
	}
	return id, nil
}

func (s *Server) handleHealthz(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	s.writeJson(httpResponse, http.StatusOK, map[string]string{"status": "ok"})
}

type registerBody struct {
	Name                  string                  `json:"name"`
	BaseUrl               string                  `json:"base_url"`
	ApiKeyEnv             string                  `json:"api_key_env,omitempty"`
	Capabilities          []string                `json:"capabilities"`
	Models                []fleetgate.ModelReport `json:"models,omitempty"`
	HardwareScore         float64                 `json:"hardware_score,omitempty"`
	HealthCheckIntervalMs int64                   `json:"health_check_interval_ms,omitempty"`
	InferenceTimeoutMs    int64                   `json:"inference_timeout_ms,omitempty"`
}

func (s *Server) handleRegister(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	var body registerBody
	if err := s.decodeJson(httpRequest, &body); err != nil {
		s.handleError(httpResponse, err)
		return
	}

	capabilities := make([]fleetgate.Capability, 0, len(body.Capabilities))
	for _, value := range body.Capabilities {
		capability, err := fleetgate.ParseCapability(value)
		if err != nil {
			s.handleError(httpResponse, BadRequestError{err})
			return
		}
		capabilities = append(capabilities, capability)
	}
	for _, report := range body.Models {
		if _, err := fleetgate.ParseCapability(string(report.Capability)); err != nil {
			s.handleError(httpResponse, BadRequestError{err})
			return
		}
	}

	endpoint, err := s.registry.Register(registry.RegisterRequest{
		Name:                body.Name,
		BaseUrl:             body.BaseUrl,
		ApiKeyEnv:           body.ApiKeyEnv,
		Capabilities:        capabilities,
		Models:              body.Models,
		HardwareScore:       body.HardwareScore,
		HealthCheckInterval: time.Duration(body.HealthCheckIntervalMs) * time.Millisecond,
		InferenceTimeout:    time.Duration(body.InferenceTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		if errors.Is(err, fleetgate.ErrDuplicateEndpoint) {
			s.handleError(httpResponse, err)
		} else {
			s.handleError(httpResponse, BadRequestError{err})
		}
		return
	}
	s.writeJson(httpResponse, http.StatusCreated, endpoint)
}

// EndpointView is an endpoint combined with its live load state.
type EndpointView struct {
	fleetgate.Endpoint

	ActiveRequests int64                              `json:"active_requests"`
	LatencyEmaMs   *float64                           `json:"latency_ema_ms,omitempty"`
	Throughput     map[string]metrics.ModelThroughput `json:"throughput,omitempty"`
	Models         []fleetgate.ModelRoute             `json:"models,omitempty"`
}

func (s *Server) view(endpoint fleetgate.Endpoint) EndpointView {
	view := EndpointView{
		Endpoint: endpoint,
		Models:   s.registry.Routes(endpoint.Id),
	}
	if snapshot, exists := s.tracker.Snapshot(endpoint.Id); exists {
		view.ActiveRequests = snapshot.ActiveRequests
		if snapshot.HasLatency && !math.IsInf(snapshot.Latency, 1) {
			latency := snapshot.Latency
			view.LatencyEmaMs = &latency
		}
		view.Throughput = s.tracker.Throughput(endpoint.Id)
	}
	return view
}

func (s *Server) handleListEndpoints(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	statusFilter := httpRequest.URL.Query().Get("status")
	capabilityFilter := httpRequest.URL.Query().Get("capability")

	views := []EndpointView{}
	for _, endpoint := range s.registry.List() {
		if statusFilter != "" && string(endpoint.Status) != statusFilter {
			continue
		}
		if capabilityFilter != "" && !endpoint.HasCapability(fleetgate.Capability(capabilityFilter)) {
			continue
		}
		views = append(views, s.view(endpoint))
	}
	s.writeJson(httpResponse, http.StatusOK, map[string]any{"endpoints": views})
}

func (s *Server) handleGetEndpoint(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	endpointId, err := pathId(httpRequest)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	endpoint, err := s.registry.Get(endpointId)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	s.writeJson(httpResponse, http.StatusOK, s.view(endpoint))
}

type updateBody struct {
	Name               *string  `json:"name,omitempty"`
	Notes              *string  `json:"notes,omitempty"`
	HardwareScore      *float64 `json:"hardware_score,omitempty"`
	InferenceTimeoutMs *int64   `json:"inference_timeout_ms,omitempty"`
}

func (s *Server) handleUpdateEndpoint(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	endpointId, err := pathId(httpRequest)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	var body updateBody
	if err := s.decodeJson(httpRequest, &body); err != nil {
		s.handleError(httpResponse, err)
		return
	}

	request := registry.UpdateRequest{
		Name:          body.Name,
		Notes:         body.Notes,
		HardwareScore: body.HardwareScore,
	}
	if body.InferenceTimeoutMs != nil {
		timeout := time.Duration(*body.InferenceTimeoutMs) * time.Millisecond
		request.InferenceTimeout = &timeout
	}

	endpoint, err := s.registry.Update(endpointId, request)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	s.writeJson(httpResponse, http.StatusOK, s.view(endpoint))
}

func (s *Server) handleDeleteEndpoint(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	endpointId, err := pathId(httpRequest)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	if err := s.registry.Remove(endpointId); err != nil {
		s.handleError(httpResponse, err)
		return
	}
	httpResponse.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApprove(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	endpointId, err := pathId(httpRequest)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	endpoint, err := s.registry.Approve(endpointId)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	s.writeJson(httpResponse, http.StatusOK, endpoint)
}

func (s *Server) handleReject(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	endpointId, err := pathId(httpRequest)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	if err := s.registry.Reject(endpointId); err != nil {
		s.handleError(httpResponse, err)
		return
	}
	httpResponse.WriteHeader(http.StatusNoContent)
}

type heartbeatBody struct {
	LatencyMs int64                   `json:"latency_ms,omitempty"`
	Models    []fleetgate.ModelReport `json:"models,omitempty"`
}

// handleHeartbeat lets an endpoint push its own health instead of waiting
// for the next pull probe. Lands in the same lifecycle machine.
func (s *Server) handleHeartbeat(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	endpointId, err := pathId(httpRequest)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	var body heartbeatBody
	if err := s.decodeJson(httpRequest, &body); err != nil {
		s.handleError(httpResponse, err)
		return
	}
	for _, report := range body.Models {
		if _, err := fleetgate.ParseCapability(string(report.Capability)); err != nil {
			s.handleError(httpResponse, BadRequestError{err})
			return
		}
	}

	result := fleetgate.ProbeResult{
		EndpointId: endpointId,
		Success:    true,
		Latency:    time.Duration(body.LatencyMs) * time.Millisecond,
		Models:     body.Models,
	}
	if err := s.registry.RecordProbe(result); err != nil {
		s.handleError(httpResponse, err)
		return
	}
	s.monitor.RecordProbe(true)
	s.writeJson(httpResponse, http.StatusOK, map[string]string{"status": "ok"})
}

type selectBody struct {
	Capability string      `json:"capability"`
	Model      string      `json:"model,omitempty"`
	Exclude    []uuid.UUID `json:"exclude,omitempty"`
}

type selectResponse struct {
	Endpoint fleetgate.Endpoint `json:"endpoint"`
	Level    string             `json:"level"`
}

func (s *Server) handleSelect(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	var body selectBody
	if err := s.decodeJson(httpRequest, &body); err != nil {
		s.handleError(httpResponse, err)
		return
	}
	capability, err := fleetgate.ParseCapability(body.Capability)
	if err != nil {
		s.handleError(httpResponse, BadRequestError{err})
		return
	}

	selection, err := s.balancer.Select(capability, body.Model, body.Exclude)
	if err != nil {
		s.monitor.RecordSelectionFailure(string(capability))
		s.handleError(httpResponse, err)
		return
	}
	s.monitor.RecordSelection(string(capability), string(selection.Level))
	s.writeJson(httpResponse, http.StatusOK, selectResponse{
		Endpoint: selection.Endpoint,
		Level:    string(selection.Level),
	})
}

type openLeaseBody struct {
	EndpointId uuid.UUID `json:"endpoint_id"`
	Model      string    `json:"model,omitempty"`
}

func (s *Server) handleOpenLease(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	var body openLeaseBody
	if err := s.decodeJson(httpRequest, &body); err != nil {
		s.handleError(httpResponse, err)
		return
	}
	if body.EndpointId == uuid.Nil {
		s.handleError(httpResponse, BadRequestError{fmt.Errorf("endpoint_id is required")})
		return
	}

	opened, err := s.leases.Open(body.EndpointId, body.Model)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	s.monitor.RecordLeaseOpened()
	s.writeJson(httpResponse, http.StatusCreated, opened)
}

type completeLeaseBody struct {
	Status       string `json:"status"` // "ok" or "error"
	Reason       string `json:"reason,omitempty"`
	InputTokens  int64  `json:"input_tokens,omitempty"`
	OutputTokens int64  `json:"output_tokens,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
}

func (s *Server) handleCompleteLease(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	leaseId, err := pathId(httpRequest)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	var body completeLeaseBody
	if err := s.decodeJson(httpRequest, &body); err != nil {
		s.handleError(httpResponse, err)
		return
	}

	duration := time.Duration(body.DurationMs) * time.Millisecond
	switch body.Status {
	case "ok":
		err = s.leases.CompleteOk(leaseId, fleetgate.TokenUsage{
			InputTokens:  body.InputTokens,
			OutputTokens: body.OutputTokens,
		}, duration)
		if err == nil {
			s.monitor.RecordLeaseClosed("ok", s.leaseModel(leaseId), duration)
		}
	case "error":
		err = s.leases.CompleteError(leaseId, body.Reason)
		if err == nil {
			s.monitor.RecordLeaseClosed("error", "", 0)
		}
	default:
		s.handleError(httpResponse, BadRequestError{fmt.Errorf("status must be \"ok\" or \"error\", got %q", body.Status)})
		return
	}

	if errors.Is(err, fleetgate.ErrLeaseAlreadyClosed) {
		// Completion signaling is at-least-once; the duplicate changed
		// nothing and deserves a calm answer.
		s.writeJson(httpResponse, http.StatusOK, map[string]string{"status": "already_closed"})
		return
	}
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	s.writeJson(httpResponse, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) leaseModel(leaseId uuid.UUID) string {
	if closed, err := s.leases.Get(leaseId); err == nil {
		return closed.Model
	}
	return ""
}

func (s *Server) handleCancelLease(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	leaseId, err := pathId(httpRequest)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	err = s.leases.Cancel(leaseId)
	if errors.Is(err, fleetgate.ErrLeaseAlreadyClosed) {
		s.writeJson(httpResponse, http.StatusOK, map[string]string{"status": "already_closed"})
		return
	}
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}
	s.monitor.RecordLeaseClosed("cancelled", "", 0)
	s.writeJson(httpResponse, http.StatusOK, map[string]string{"status": "cancelled"})
}

type summaryResponse struct {
	TotalEndpoints  int `json:"total_endpoints"`
	OnlineEndpoints int `json:"online_endpoints"`
	metrics.Activity
}

func (s *Server) handleSummary(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	total, online := s.registry.Counts()
	s.writeJson(httpResponse, http.StatusOK, summaryResponse{
		TotalEndpoints:  total,
		OnlineEndpoints: online,
		Activity:        s.tracker.Summary(),
	})
}

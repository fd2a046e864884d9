// Package registry is the authoritative record of the fleet: which
// endpoints exist, what they serve, and where each one is in its
// lifecycle. All state lives in memory; the store is a journaled copy used
// to survive restarts.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate"
	"github.com/fleetgate/fleetgate/store"
)

type Config struct {
	// When true, new endpoints skip the pending state entirely.
	AutoApprove bool

	// How long an approved endpoint may wait for its first successful
	// probe before being marked offline.
	RegisterTimeout time.Duration

	// Consecutive failures before an online endpoint goes offline.
	OfflineThreshold int
}

// RegisterRequest is a new endpoint announcing itself to the fleet.
type RegisterRequest struct {
	Name          string                  `json:"name"`
	BaseUrl       string                  `json:"base_url"`
	ApiKeyEnv     string                  `json:"api_key_env,omitempty"`
	Capabilities  []fleetgate.Capability  `json:"capabilities"`
	Models        []fleetgate.ModelReport `json:"models,omitempty"`
	HardwareScore float64                 `json:"hardware_score,omitempty"`

	HealthCheckInterval time.Duration `json:"health_check_interval,omitempty"`
	InferenceTimeout    time.Duration `json:"inference_timeout,omitempty"`
}

// UpdateRequest carries operator-editable endpoint settings. Nil fields are
// left unchanged.
type UpdateRequest struct {
	Name             *string        `json:"name,omitempty"`
	Notes            *string        `json:"notes,omitempty"`
	HardwareScore    *float64       `json:"hardware_score,omitempty"`
	InferenceTimeout *time.Duration `json:"inference_timeout,omitempty"`
}

// StatusListener is notified after an endpoint changes lifecycle state.
// Called outside the registry lock.
type StatusListener func(endpointId uuid.UUID, from fleetgate.EndpointStatus, to fleetgate.EndpointStatus)

// RemovalListener is notified after an endpoint leaves the fleet.
type RemovalListener func(endpointId uuid.UUID)

type Registry struct {
	mu        sync.RWMutex
	endpoints map[uuid.UUID]*fleetgate.Endpoint

	// endpoint id -> model name -> route
	routes map[uuid.UUID]map[string]*fleetgate.ModelRoute

	// Normalized base URL / name -> endpoint id, for duplicate detection.
	byUrl  map[string]uuid.UUID
	byName map[string]uuid.UUID

	config  Config
	journal *store.Journal
	clock   clock.Clock
	logger  *zap.SugaredLogger

	statusListeners  []StatusListener
	removalListeners []RemovalListener
}

func New(config Config, journal *store.Journal, logger *zap.SugaredLogger) *Registry {
	return NewWithClock(config, journal, logger, clock.New())
}

func NewWithClock(config Config, journal *store.Journal, logger *zap.SugaredLogger, clk clock.Clock) *Registry {
	return &Registry{
		endpoints: make(map[uuid.UUID]*fleetgate.Endpoint),
		routes:    make(map[uuid.UUID]map[string]*fleetgate.ModelRoute),
		byUrl:     make(map[string]uuid.UUID),
		byName:    make(map[string]uuid.UUID),
		config:    config,
		journal:   journal,
		clock:     clk,
		logger:    logger,
	}
}

// OnStatusChange registers a lifecycle listener. Must be called before the
// registry starts receiving traffic.
func (r *Registry) OnStatusChange(listener StatusListener) {
	r.statusListeners = append(r.statusListeners, listener)
}

// OnRemoval registers a removal listener. Must be called before the
// registry starts receiving traffic.
func (r *Registry) OnRemoval(listener RemovalListener) {
	r.removalListeners = append(r.removalListeners, listener)
}

func (r *Registry) notifyStatus(endpointId uuid.UUID, from fleetgate.EndpointStatus, to fleetgate.EndpointStatus) {
	for _, listener := range r.statusListeners {
		listener(endpointId, from, to)
	}
}

func (r *Registry) notifyRemoval(endpointId uuid.UUID) {
	for _, listener := range r.removalListeners {
		listener(endpointId)
	}
}

// setStatus transitions an endpoint and records when it happened. Callers
// hold the registry lock; the returned notify closure must be invoked
// after the lock is released.
func (r *Registry) setStatus(endpoint *fleetgate.Endpoint, to fleetgate.EndpointStatus) func() {
	from := endpoint.Status
	endpoint.Status = to
	endpoint.StatusChanged = r.clock.Now()
	endpointId := endpoint.Id
	return func() {
		r.notifyStatus(endpointId, from, to)
	}
}

// Seed loads persisted endpoints and routes at boot. Endpoints that were
// online when the process stopped come back as registering until a probe
// confirms they are still alive.
func (r *Registry) Seed(endpoints []fleetgate.Endpoint, routes []fleetgate.ModelRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, endpoint := range endpoints {
		stored := endpoint
		if stored.Status == fleetgate.StatusOnline {
			stored.Status = fleetgate.StatusRegistering
			stored.StatusChanged = r.clock.Now()
		}
		r.endpoints[stored.Id] = &stored
		r.byUrl[fleetgate.NormalizeBaseUrl(stored.BaseUrl)] = stored.Id
		r.byName[fleetgate.NormalizeName(stored.Name)] = stored.Id
	}
	for _, route := range routes {
		if _, exists := r.endpoints[route.EndpointId]; !exists {
			continue
		}
		stored := route
		byModel, exists := r.routes[route.EndpointId]
		if !exists {
			byModel = make(map[string]*fleetgate.ModelRoute)
			r.routes[route.EndpointId] = byModel
		}
		byModel[route.Model] = &stored
	}
	r.logger.Infow("Seeded registry from store", "endpoints", len(endpoints), "routes", len(routes))
}

// Register admits a new endpoint in the pending state, or directly as
// registering when auto-approval is on.
func (r *Registry) Register(request RegisterRequest) (fleetgate.Endpoint, error) {
	if request.Name == "" || request.BaseUrl == "" {
		return fleetgate.Endpoint{}, fmt.Errorf("endpoint name and base_url are required")
	}
	if len(request.Capabilities) == 0 {
		return fleetgate.Endpoint{}, fmt.Errorf("endpoint must declare at least one capability")
	}

	normalizedUrl := fleetgate.NormalizeBaseUrl(request.BaseUrl)
	normalizedName := fleetgate.NormalizeName(request.Name)

	r.mu.Lock()
	if existing, exists := r.byUrl[normalizedUrl]; exists {
		r.mu.Unlock()
		return fleetgate.Endpoint{}, fmt.Errorf("%w: base URL already registered by %s", fleetgate.ErrDuplicateEndpoint, existing)
	}
	if existing, exists := r.byName[normalizedName]; exists {
		r.mu.Unlock()
		return fleetgate.Endpoint{}, fmt.Errorf("%w: name already registered by %s", fleetgate.ErrDuplicateEndpoint, existing)
	}

	now := r.clock.Now()
	endpoint := &fleetgate.Endpoint{
		Id:                  uuid.New(),
		Name:                request.Name,
		BaseUrl:             normalizedUrl,
		ApiKeyEnv:           request.ApiKeyEnv,
		Capabilities:        request.Capabilities,
		Status:              fleetgate.StatusPending,
		HardwareScore:       request.HardwareScore,
		HealthCheckInterval: request.HealthCheckInterval,
		InferenceTimeout:    request.InferenceTimeout,
		RegisteredAt:        now,
		StatusChanged:       now,
	}
	if r.config.AutoApprove {
		endpoint.Status = fleetgate.StatusRegistering
		endpoint.Approved = true
		approvedAt := now
		endpoint.ApprovedAt = &approvedAt
	}

	r.endpoints[endpoint.Id] = endpoint
	r.byUrl[normalizedUrl] = endpoint.Id
	r.byName[normalizedName] = endpoint.Id

	byModel := make(map[string]*fleetgate.ModelRoute)
	for _, report := range request.Models {
		byModel[report.Model] = &fleetgate.ModelRoute{
			EndpointId:    endpoint.Id,
			Model:         report.Model,
			Capability:    report.Capability,
			LastConfirmed: now,
		}
	}
	r.routes[endpoint.Id] = byModel

	registered := *endpoint
	r.mu.Unlock()

	if r.journal != nil {
		r.journal.UpsertEndpoint(registered)
		for _, route := range byModel {
			r.journal.UpsertModelRoute(*route)
		}
	}
	r.logger.Infow("Registered endpoint",
		"endpoint", registered.Id, "name", registered.Name,
		"base_url", registered.BaseUrl, "status", registered.Status)
	return registered, nil
}

// Approve moves a pending endpoint into the registering state. Approving an
// already approved endpoint is a no-op.
func (r *Registry) Approve(endpointId uuid.UUID) (fleetgate.Endpoint, error) {
	r.mu.Lock()
	endpoint, exists := r.endpoints[endpointId]
	if !exists {
		r.mu.Unlock()
		return fleetgate.Endpoint{}, fleetgate.ErrEndpointNotFound
	}
	if endpoint.Approved {
		approved := *endpoint
		r.mu.Unlock()
		return approved, nil
	}
	if endpoint.Status != fleetgate.StatusPending {
		status := endpoint.Status
		r.mu.Unlock()
		return fleetgate.Endpoint{}, fmt.Errorf("%w: cannot approve endpoint in status %s", fleetgate.ErrInvalidStateTransition, status)
	}

	endpoint.Approved = true
	approvedAt := r.clock.Now()
	endpoint.ApprovedAt = &approvedAt
	notify := r.setStatus(endpoint, fleetgate.StatusRegistering)
	approved := *endpoint
	r.mu.Unlock()

	notify()
	if r.journal != nil {
		r.journal.UpsertEndpoint(approved)
	}
	r.logger.Infow("Approved endpoint", "endpoint", endpointId, "name", approved.Name)
	return approved, nil
}

// Reject removes an endpoint, whatever state it is in. Rejecting an
// endpoint that is already gone is a no-op.
func (r *Registry) Reject(endpointId uuid.UUID) error {
	r.mu.Lock()
	endpoint, exists := r.endpoints[endpointId]
	if !exists {
		r.mu.Unlock()
		return nil
	}
	r.removeLocked(endpoint)
	r.mu.Unlock()

	r.finishRemoval(endpointId)
	r.logger.Infow("Rejected endpoint", "endpoint", endpointId)
	return nil
}

// Remove deletes an endpoint and everything attached to it. Removal is
// idempotent.
func (r *Registry) Remove(endpointId uuid.UUID) error {
	r.mu.Lock()
	endpoint, exists := r.endpoints[endpointId]
	if !exists {
		r.mu.Unlock()
		return nil
	}
	r.removeLocked(endpoint)
	r.mu.Unlock()

	r.finishRemoval(endpointId)
	r.logger.Infow("Removed endpoint", "endpoint", endpointId)
	return nil
}

func (r *Registry) removeLocked(endpoint *fleetgate.Endpoint) {
	delete(r.endpoints, endpoint.Id)
	delete(r.routes, endpoint.Id)
	delete(r.byUrl, fleetgate.NormalizeBaseUrl(endpoint.BaseUrl))
	delete(r.byName, fleetgate.NormalizeName(endpoint.Name))
}

func (r *Registry) finishRemoval(endpointId uuid.UUID) {
	r.notifyRemoval(endpointId)
	if r.journal != nil {
		r.journal.DeleteModelRoutes(endpointId)
		r.journal.DeleteEndpoint(endpointId)
	}
}

// Get returns a copy of one endpoint.
func (r *Registry) Get(endpointId uuid.UUID) (fleetgate.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	endpoint, exists := r.endpoints[endpointId]
	if !exists {
		return fleetgate.Endpoint{}, fleetgate.ErrEndpointNotFound
	}
	return *endpoint, nil
}

// List returns a copy of every endpoint, registration order unspecified.
func (r *Registry) List() []fleetgate.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	endpoints := make([]fleetgate.Endpoint, 0, len(r.endpoints))
	for _, endpoint := range r.endpoints {
		endpoints = append(endpoints, *endpoint)
	}
	return endpoints
}

// Routes returns the model routes of one endpoint.
func (r *Registry) Routes(endpointId uuid.UUID) []fleetgate.ModelRoute {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byModel := r.routes[endpointId]
	routes := make([]fleetgate.ModelRoute, 0, len(byModel))
	for _, route := range byModel {
		routes = append(routes, *route)
	}
	return routes
}

// Update applies operator-editable settings to an endpoint.
func (r *Registry) Update(endpointId uuid.UUID, request UpdateRequest) (fleetgate.Endpoint, error) {
	r.mu.Lock()
	endpoint, exists := r.endpoints[endpointId]
	if !exists {
		r.mu.Unlock()
		return fleetgate.Endpoint{}, fleetgate.ErrEndpointNotFound
	}

	if request.Name != nil && *request.Name != endpoint.Name {
		normalizedName := fleetgate.NormalizeName(*request.Name)
		if existing, taken := r.byName[normalizedName]; taken && existing != endpointId {
			r.mu.Unlock()
			return fleetgate.Endpoint{}, fmt.Errorf("%w: name already registered by %s", fleetgate.ErrDuplicateEndpoint, existing)
		}
		delete(r.byName, fleetgate.NormalizeName(endpoint.Name))
		endpoint.Name = *request.Name
		r.byName[normalizedName] = endpointId
	}
	if request.Notes != nil {
		endpoint.Notes = *request.Notes
	}
	if request.HardwareScore != nil {
		endpoint.HardwareScore = *request.HardwareScore
	}
	if request.InferenceTimeout != nil {
		endpoint.InferenceTimeout = *request.InferenceTimeout
	}
	updated := *endpoint
	r.mu.Unlock()

	if r.journal != nil {
		r.journal.UpsertEndpoint(updated)
	}
	return updated, nil
}

// RecordProbe feeds one health check outcome into the lifecycle machine.
func (r *Registry) RecordProbe(result fleetgate.ProbeResult) error {
	r.mu.Lock()
	endpoint, exists := r.endpoints[result.EndpointId]
	if !exists {
		r.mu.Unlock()
		return fleetgate.ErrEndpointNotFound
	}
	if endpoint.Status == fleetgate.StatusError {
		// Fatal endpoints stay down until an operator intervenes.
		r.mu.Unlock()
		return nil
	}

	var notify func()
	var journalRoutes []fleetgate.ModelRoute
	now := r.clock.Now()

	if result.Success {
		endpoint.ConsecutiveFailures = 0
		endpoint.LastError = ""
		endpoint.ProbeLatency = result.Latency
		lastSeen := now
		endpoint.LastSeen = &lastSeen

		if endpoint.Approved &&
			(endpoint.Status == fleetgate.StatusRegistering || endpoint.Status == fleetgate.StatusOffline) {
			notify = r.setStatus(endpoint, fleetgate.StatusOnline)
		}

		if result.Models != nil {
			byModel, tracked := r.routes[endpoint.Id]
			if !tracked {
				byModel = make(map[string]*fleetgate.ModelRoute)
				r.routes[endpoint.Id] = byModel
			}
			for _, report := range result.Models {
				route, tracked := byModel[report.Model]
				if !tracked {
					route = &fleetgate.ModelRoute{
						EndpointId: endpoint.Id,
						Model:      report.Model,
						Capability: report.Capability,
					}
					byModel[report.Model] = route
				}
				route.Capability = report.Capability
				route.LastConfirmed = now
				journalRoutes = append(journalRoutes, *route)
			}
		}
	} else {
		endpoint.ConsecutiveFailures++
		endpoint.LastError = result.Error

		if result.Fatal {
			notify = r.setStatus(endpoint, fleetgate.StatusError)
		} else if endpoint.Status == fleetgate.StatusOnline &&
			endpoint.ConsecutiveFailures >= r.config.OfflineThreshold {
			notify = r.setStatus(endpoint, fleetgate.StatusOffline)
		}
	}

	updated := *endpoint
	r.mu.Unlock()

	if notify != nil {
		notify()
		r.logger.Infow("Endpoint status changed",
			"endpoint", updated.Id, "name", updated.Name,
			"status", updated.Status, "failures", updated.ConsecutiveFailures)
	}
	if r.journal != nil {
		r.journal.UpsertEndpoint(updated)
		for _, route := range journalRoutes {
			r.journal.UpsertModelRoute(route)
		}
	}
	return nil
}

// RecordRequestFailure feeds a failed inference request into the same
// failure counter the prober uses, so a broken endpoint drains even
// between probes.
func (r *Registry) RecordRequestFailure(endpointId uuid.UUID, reason string) {
	err := r.RecordProbe(fleetgate.ProbeResult{
		EndpointId: endpointId,
		Success:    false,
		Error:      reason,
	})
	if err != nil {
		r.logger.Debugw("Request failure for unknown endpoint", "endpoint", endpointId)
	}
}

// ExpireRegistering marks approved endpoints offline when their first
// successful probe never arrived within the register timeout.
func (r *Registry) ExpireRegistering() {
	r.mu.Lock()
	now := r.clock.Now()
	var notifies []func()
	var expired []fleetgate.Endpoint
	for _, endpoint := range r.endpoints {
		if endpoint.Status != fleetgate.StatusRegistering {
			continue
		}
		if now.Sub(endpoint.StatusChanged) < r.config.RegisterTimeout {
			continue
		}
		endpoint.LastError = "no successful health check within register timeout"
		notifies = append(notifies, r.setStatus(endpoint, fleetgate.StatusOffline))
		expired = append(expired, *endpoint)
	}
	r.mu.Unlock()

	for _, notify := range notifies {
		notify()
	}
	for _, endpoint := range expired {
		r.logger.Warnw("Endpoint never came online, marking offline",
			"endpoint", endpoint.Id, "name", endpoint.Name)
		if r.journal != nil {
			r.journal.UpsertEndpoint(endpoint)
		}
	}
}

// Candidates returns the selectable endpoints for a capability, optionally
// narrowed to those with a fresh route for a concrete model.
func (r *Registry) Candidates(capability fleetgate.Capability, model string, staleness time.Duration) []fleetgate.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	var candidates []fleetgate.Endpoint
	for _, endpoint := range r.endpoints {
		if !endpoint.Selectable() || !endpoint.HasCapability(capability) {
			continue
		}
		if model != "" {
			route, exists := r.routes[endpoint.Id][model]
			if !exists || !route.Fresh(now, staleness) {
				continue
			}
		}
		candidates = append(candidates, *endpoint)
	}
	return candidates
}

// Counts returns the total and online endpoint counts.
func (r *Registry) Counts() (total int, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total = len(r.endpoints)
	for _, endpoint := range r.endpoints {
		if endpoint.Status == fleetgate.StatusOnline {
			online++
		}
	}
	return total, online
}

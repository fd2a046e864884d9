package fleetgate

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Capability identifies a class of inference work an endpoint can serve.
type Capability string

const (
	CapabilityChatCompletion     Capability = "chat_completion"
	CapabilityEmbeddings         Capability = "embeddings"
	CapabilityImageGeneration    Capability = "image_generation"
	CapabilityAudioTranscription Capability = "audio_transcription"
	CapabilityAudioSpeech        Capability = "audio_speech"
)

// ParseCapability validates a capability string received at an API boundary.
func ParseCapability(value string) (Capability, error) {
	switch capability := Capability(strings.ToLower(strings.TrimSpace(value))); capability {
	case CapabilityChatCompletion,
		CapabilityEmbeddings,
		CapabilityImageGeneration,
		CapabilityAudioTranscription,
		CapabilityAudioSpeech:
		return capability, nil
	default:
		return "", fmt.Errorf("unknown capability %q", value)
	}
}

// EndpointStatus is the lifecycle state of a registered endpoint.
type EndpointStatus string

const (
	// StatusPending means the endpoint has registered but has not been approved.
	StatusPending EndpointStatus = "pending"

	// StatusRegistering means the endpoint is approved and waiting for its
	// first successful health report.
	StatusRegistering EndpointStatus = "registering"

	// StatusOnline means the endpoint is approved, healthy, and selectable.
	StatusOnline EndpointStatus = "online"

	// StatusOffline means the endpoint failed health checks and is excluded
	// from selection until a probe succeeds again.
	StatusOffline EndpointStatus = "offline"

	// StatusError means the endpoint hit a fatal condition and will not be
	// brought back automatically.
	StatusError EndpointStatus = "error"
)

// Endpoint is a single inference server managed by the fleet.
type Endpoint struct {
	Id   uuid.UUID `json:"id"`
	Name string    `json:"name"`

	// Base URL of the endpoint. E.g., "http://10.0.4.17:8000"
	BaseUrl string `json:"base_url"`

	// Environment variable name holding the endpoint's API key, if any.
	ApiKeyEnv string `json:"api_key_env,omitempty"`

	Capabilities []Capability `json:"capabilities"`

	Status   EndpointStatus `json:"status"`
	Approved bool           `json:"approved"`

	// Operator-declared hardware score used when no runtime metrics exist.
	// Zero means unknown.
	HardwareScore float64 `json:"hardware_score,omitempty"`

	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`

	// Latency of the most recent successful health probe.
	ProbeLatency time.Duration `json:"probe_latency,omitempty"`

	// Per-endpoint overrides. Zero means use the fleet defaults.
	HealthCheckInterval time.Duration `json:"health_check_interval,omitempty"`
	InferenceTimeout    time.Duration `json:"inference_timeout,omitempty"`

	RegisteredAt  time.Time  `json:"registered_at"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`
	StatusChanged time.Time  `json:"status_changed"`

	Notes string `json:"notes,omitempty"`
}

// Selectable reports whether the endpoint may receive traffic.
func (endpoint *Endpoint) Selectable() bool {
	return endpoint.Approved && endpoint.Status == StatusOnline
}

// HasCapability reports whether the endpoint declared the given capability.
func (endpoint *Endpoint) HasCapability(capability Capability) bool {
	for _, declared := range endpoint.Capabilities {
		if declared == capability {
			return true
		}
	}
	return false
}

// ModelRoute records that a concrete model is served by an endpoint.
// Routes not confirmed within the staleness window are skipped by selection.
type ModelRoute struct {
	EndpointId    uuid.UUID  `json:"endpoint_id"`
	Model         string     `json:"model"`
	Capability    Capability `json:"capability"`
	LastConfirmed time.Time  `json:"last_confirmed"`
}

// Fresh reports whether the route was confirmed within the staleness window.
func (route *ModelRoute) Fresh(now time.Time, staleness time.Duration) bool {
	return now.Sub(route.LastConfirmed) <= staleness
}

// ProbeResult is the outcome of one health check, whether pulled by the
// prober or pushed by the endpoint itself.
type ProbeResult struct {
	EndpointId uuid.UUID     `json:"endpoint_id"`
	Success    bool          `json:"success"`
	Latency    time.Duration `json:"latency,omitempty"`
	Error      string        `json:"error,omitempty"`

	// Fatal marks a failure that will not recover on its own, such as a
	// probe revealing an incompatible API. The endpoint is parked in the
	// error state until an operator intervenes.
	Fatal bool `json:"fatal,omitempty"`

	// Models currently loaded on the endpoint, reported by heartbeats.
	// Nil means the probe carried no model inventory.
	Models []ModelReport `json:"models,omitempty"`
}

// ModelReport is one model advertised in a heartbeat.
type ModelReport struct {
	Model      string     `json:"model"`
	Capability Capability `json:"capability"`
}

// TokenUsage is the token accounting for one completed request.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// StatKey identifies one daily aggregation bucket.
type StatKey struct {
	EndpointId uuid.UUID
	Model      string

	// Date in "2006-01-02" form, UTC.
	Date string
}

// StatDelta is an increment applied to a daily aggregation bucket.
type StatDelta struct {
	Requests     int64
	Successes    int64
	Failures     int64
	OutputTokens int64
	Duration     time.Duration
}

// DailyStat is the persisted per-day, per-model aggregate for an endpoint.
type DailyStat struct {
	EndpointId   uuid.UUID `json:"endpoint_id"`
	Model        string    `json:"model"`
	Date         string    `json:"date"`
	Requests     int64     `json:"requests"`
	Successes    int64     `json:"successes"`
	Failures     int64     `json:"failures"`
	OutputTokens int64     `json:"output_tokens"`
	DurationMs   int64     `json:"duration_ms"`
}

// AverageTps returns the mean tokens-per-second across the day, or zero when
// the bucket has no timed output.
func (stat *DailyStat) AverageTps() float64 {
	if stat.DurationMs == 0 || stat.OutputTokens == 0 {
		return 0
	}
	return float64(stat.OutputTokens) / (float64(stat.DurationMs) / 1000.0)
}

// RequestEvent is one raw request outcome appended to the event log. The
// nightly reconciler replays these to rebuild daily aggregates.
type RequestEvent struct {
	EndpointId   uuid.UUID `json:"endpoint_id"`
	Model        string    `json:"model"`
	Timestamp    time.Time `json:"timestamp"`
	Success      bool      `json:"success"`
	OutputTokens int64     `json:"output_tokens,omitempty"`
	DurationMs   int64     `json:"duration_ms,omitempty"`
}

// NormalizeBaseUrl canonicalizes a base URL for duplicate detection.
func NormalizeBaseUrl(baseUrl string) string {
	return strings.TrimRight(strings.TrimSpace(baseUrl), "/")
}

// NormalizeName canonicalizes an endpoint name for duplicate detection.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

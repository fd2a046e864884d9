package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/fleetgate/fleetgate"
)

const schema = `
CREATE TABLE IF NOT EXISTS endpoints (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	base_url TEXT NOT NULL,
	api_key_env TEXT NOT NULL DEFAULT '',
	capabilities TEXT[] NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	approved BOOLEAN NOT NULL DEFAULT FALSE,
	hardware_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	health_check_interval_ms BIGINT NOT NULL DEFAULT 0,
	inference_timeout_ms BIGINT NOT NULL DEFAULT 0,
	registered_at TIMESTAMPTZ NOT NULL,
	approved_at TIMESTAMPTZ,
	last_seen TIMESTAMPTZ,
	status_changed TIMESTAMPTZ NOT NULL,
	notes TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS endpoint_models (
	endpoint_id UUID NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
	model TEXT NOT NULL,
	capability TEXT NOT NULL,
	last_confirmed TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (endpoint_id, model)
);

CREATE TABLE IF NOT EXISTS endpoint_daily_stats (
	endpoint_id UUID NOT NULL,
	model TEXT NOT NULL,
	date DATE NOT NULL,
	requests BIGINT NOT NULL DEFAULT 0,
	successes BIGINT NOT NULL DEFAULT 0,
	failures BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (endpoint_id, model, date)
);
`

// PostgresStore persists fleet state in Postgres via sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

type endpointRow struct {
	Id                    uuid.UUID      `db:"id"`
	Name                  string         `db:"name"`
	BaseUrl               string         `db:"base_url"`
	ApiKeyEnv             string         `db:"api_key_env"`
	Capabilities          pq.StringArray `db:"capabilities"`
	Status                string         `db:"status"`
	Approved              bool           `db:"approved"`
	HardwareScore         float64        `db:"hardware_score"`
	ConsecutiveFailures   int            `db:"consecutive_failures"`
	LastError             string         `db:"last_error"`
	HealthCheckIntervalMs int64          `db:"health_check_interval_ms"`
	InferenceTimeoutMs    int64          `db:"inference_timeout_ms"`
	RegisteredAt          time.Time      `db:"registered_at"`
	ApprovedAt            *time.Time     `db:"approved_at"`
	LastSeen              *time.Time     `db:"last_seen"`
	StatusChanged         time.Time      `db:"status_changed"`
	Notes                 string         `db:"notes"`
}

func (row *endpointRow) toEndpoint() fleetgate.Endpoint {
	capabilities := make([]fleetgate.Capability, 0, len(row.Capabilities))
	for _, capability := range row.Capabilities {
		capabilities = append(capabilities, fleetgate.Capability(capability))
	}
	return fleetgate.Endpoint{
		Id:                  row.Id,
		Name:                row.Name,
		BaseUrl:             row.BaseUrl,
		ApiKeyEnv:           row.ApiKeyEnv,
		Capabilities:        capabilities,
		Status:              fleetgate.EndpointStatus(row.Status),
		Approved:            row.Approved,
		HardwareScore:       row.HardwareScore,
		ConsecutiveFailures: row.ConsecutiveFailures,
		LastError:           row.LastError,
		HealthCheckInterval: time.Duration(row.HealthCheckIntervalMs) * time.Millisecond,
		InferenceTimeout:    time.Duration(row.InferenceTimeoutMs) * time.Millisecond,
		RegisteredAt:        row.RegisteredAt,
		ApprovedAt:          row.ApprovedAt,
		LastSeen:            row.LastSeen,
		StatusChanged:       row.StatusChanged,
		Notes:               row.Notes,
	}
}

type modelRouteRow struct {
	EndpointId    uuid.UUID `db:"endpoint_id"`
	Model         string    `db:"model"`
	Capability    string    `db:"capability"`
	LastConfirmed time.Time `db:"last_confirmed"`
}

type dailyStatRow struct {
	EndpointId   uuid.UUID `db:"endpoint_id"`
	Model        string    `db:"model"`
	Date         time.Time `db:"date"`
	Requests     int64     `db:"requests"`
	Successes    int64     `db:"successes"`
	Failures     int64     `db:"failures"`
	OutputTokens int64     `db:"output_tokens"`
	DurationMs   int64     `db:"duration_ms"`
}

func (row *dailyStatRow) toDailyStat() fleetgate.DailyStat {
	return fleetgate.DailyStat{
		EndpointId:   row.EndpointId,
		Model:        row.Model,
		Date:         row.Date.UTC().Format("2006-01-02"),
		Requests:     row.Requests,
		Successes:    row.Successes,
		Failures:     row.Failures,
		OutputTokens: row.OutputTokens,
		DurationMs:   row.DurationMs,
	}
}

func (s *PostgresStore) LoadAll(ctx context.Context) ([]fleetgate.Endpoint, []fleetgate.ModelRoute, error) {
	var endpointRows []endpointRow
	query := `
		SELECT id, name, base_url, api_key_env, capabilities, status, approved,
		       hardware_score, consecutive_failures, last_error,
		       health_check_interval_ms, inference_timeout_ms,
		       registered_at, approved_at, last_seen, status_changed, notes
		FROM endpoints
		ORDER BY registered_at
	`
	if err := s.db.SelectContext(ctx, &endpointRows, query); err != nil {
		return nil, nil, fmt.Errorf("failed to load endpoints: %w", err)
	}

	var routeRows []modelRouteRow
	query = `
		SELECT endpoint_id, model, capability, last_confirmed
		FROM endpoint_models
	`
	if err := s.db.SelectContext(ctx, &routeRows, query); err != nil {
		return nil, nil, fmt.Errorf("failed to load model routes: %w", err)
	}

	endpoints := make([]fleetgate.Endpoint, 0, len(endpointRows))
	for _, row := range endpointRows {
		endpoints = append(endpoints, row.toEndpoint())
	}
	routes := make([]fleetgate.ModelRoute, 0, len(routeRows))
	for _, row := range routeRows {
		routes = append(routes, fleetgate.ModelRoute{
			EndpointId:    row.EndpointId,
			Model:         row.Model,
			Capability:    fleetgate.Capability(row.Capability),
			LastConfirmed: row.LastConfirmed,
		})
	}
	return endpoints, routes, nil
}

func (s *PostgresStore) UpsertEndpoint(ctx context.Context, endpoint fleetgate.Endpoint) error {
	capabilities := make(pq.StringArray, 0, len(endpoint.Capabilities))
	for _, capability := range endpoint.Capabilities {
		capabilities = append(capabilities, string(capability))
	}

	query := `
		INSERT INTO endpoints (id, name, base_url, api_key_env, capabilities, status,
		                       approved, hardware_score, consecutive_failures, last_error,
		                       health_check_interval_ms, inference_timeout_ms,
		                       registered_at, approved_at, last_seen, status_changed, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			base_url = EXCLUDED.base_url,
			api_key_env = EXCLUDED.api_key_env,
			capabilities = EXCLUDED.capabilities,
			status = EXCLUDED.status,
			approved = EXCLUDED.approved,
			hardware_score = EXCLUDED.hardware_score,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_error = EXCLUDED.last_error,
			health_check_interval_ms = EXCLUDED.health_check_interval_ms,
			inference_timeout_ms = EXCLUDED.inference_timeout_ms,
			approved_at = EXCLUDED.approved_at,
			last_seen = EXCLUDED.last_seen,
			status_changed = EXCLUDED.status_changed,
			notes = EXCLUDED.notes
	`
	_, err := s.db.ExecContext(
		ctx, query,
		endpoint.Id, endpoint.Name, endpoint.BaseUrl, endpoint.ApiKeyEnv, capabilities,
		string(endpoint.Status), endpoint.Approved, endpoint.HardwareScore,
		endpoint.ConsecutiveFailures, endpoint.LastError,
		endpoint.HealthCheckInterval.Milliseconds(), endpoint.InferenceTimeout.Milliseconds(),
		endpoint.RegisteredAt, endpoint.ApprovedAt, endpoint.LastSeen,
		endpoint.StatusChanged, endpoint.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert endpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteEndpoint(ctx context.Context, endpointId uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM endpoints WHERE id = $1", endpointId); err != nil {
		return fmt.Errorf("failed to delete endpoint: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM endpoint_daily_stats WHERE endpoint_id = $1", endpointId); err != nil {
		return fmt.Errorf("failed to delete endpoint stats: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertModelRoute(ctx context.Context, route fleetgate.ModelRoute) error {
	query := `
		INSERT INTO endpoint_models (endpoint_id, model, capability, last_confirmed)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (endpoint_id, model) DO UPDATE SET
			capability = EXCLUDED.capability,
			last_confirmed = EXCLUDED.last_confirmed
	`
	_, err := s.db.ExecContext(ctx, query, route.EndpointId, route.Model, string(route.Capability), route.LastConfirmed)
	if err != nil {
		return fmt.Errorf("failed to upsert model route: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteModelRoutes(ctx context.Context, endpointId uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM endpoint_models WHERE endpoint_id = $1", endpointId); err != nil {
		return fmt.Errorf("failed to delete model routes: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendDailyStat(ctx context.Context, key fleetgate.StatKey, delta fleetgate.StatDelta) error {
	query := `
		INSERT INTO endpoint_daily_stats (endpoint_id, model, date, requests, successes,
		                                  failures, output_tokens, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (endpoint_id, model, date) DO UPDATE SET
			requests = endpoint_daily_stats.requests + EXCLUDED.requests,
			successes = endpoint_daily_stats.successes + EXCLUDED.successes,
			failures = endpoint_daily_stats.failures + EXCLUDED.failures,
			output_tokens = endpoint_daily_stats.output_tokens + EXCLUDED.output_tokens,
			duration_ms = endpoint_daily_stats.duration_ms + EXCLUDED.duration_ms
	`
	_, err := s.db.ExecContext(
		ctx, query,
		key.EndpointId, key.Model, key.Date,
		delta.Requests, delta.Successes, delta.Failures,
		delta.OutputTokens, delta.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to append daily stat: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadDailyStats(ctx context.Context, date string) ([]fleetgate.DailyStat, error) {
	var rows []dailyStatRow
	query := `
		SELECT endpoint_id, model, date, requests, successes, failures, output_tokens, duration_ms
		FROM endpoint_daily_stats
		WHERE date = $1
	`
	if err := s.db.SelectContext(ctx, &rows, query, date); err != nil {
		return nil, fmt.Errorf("failed to load daily stats: %w", err)
	}

	stats := make([]fleetgate.DailyStat, 0, len(rows))
	for _, row := range rows {
		stats = append(stats, row.toDailyStat())
	}
	return stats, nil
}

func (s *PostgresStore) LoadRecentStats(ctx context.Context, days int) ([]fleetgate.DailyStat, error) {
	var rows []dailyStatRow
	query := `
		SELECT endpoint_id, model, date, requests, successes, failures, output_tokens, duration_ms
		FROM endpoint_daily_stats
		WHERE date >= CURRENT_DATE - $1::INTEGER
		ORDER BY date DESC
	`
	if err := s.db.SelectContext(ctx, &rows, query, days); err != nil {
		return nil, fmt.Errorf("failed to load recent stats: %w", err)
	}

	stats := make([]fleetgate.DailyStat, 0, len(rows))
	for _, row := range rows {
		stats = append(stats, row.toDailyStat())
	}
	return stats, nil
}

func (s *PostgresStore) ReplaceDailyStats(ctx context.Context, date string, stats []fleetgate.DailyStat) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM endpoint_daily_stats WHERE date = $1", date); err != nil {
		return fmt.Errorf("failed to clear daily stats: %w", err)
	}

	query := `
		INSERT INTO endpoint_daily_stats (endpoint_id, model, date, requests, successes,
		                                  failures, output_tokens, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, stat := range stats {
		_, err := tx.ExecContext(
			ctx, query,
			stat.EndpointId, stat.Model, date,
			stat.Requests, stat.Successes, stat.Failures,
			stat.OutputTokens, stat.DurationMs,
		)
		if err != nil {
			return fmt.Errorf("failed to insert daily stat: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit daily stats: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

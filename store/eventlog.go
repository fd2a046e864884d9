package store

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/valkey-io/valkey-go"

	"github.com/fleetgate/fleetgate"
)

// Events older than this are dropped by Valkey even if reconciliation
// never ran, so an abandoned deployment does not grow without bound.
const eventLogRetention = 72 * time.Hour

// ValkeyEventLog appends raw request outcomes to per-day Valkey lists.
type ValkeyEventLog struct {
	client valkey.Client
}

func NewValkeyEventLog(client valkey.Client) *ValkeyEventLog {
	return &ValkeyEventLog{client: client}
}

func eventKey(date string) string {
	return fmt.Sprintf("fleetgate:events:%s", date)
}

func (l *ValkeyEventLog) Append(ctx context.Context, event fleetgate.RequestEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode request event: %w", err)
	}

	key := eventKey(event.Timestamp.UTC().Format("2006-01-02"))
	if err := l.client.Do(
		ctx, l.client.B().Rpush().Key(key).Element(valkey.BinaryString(payload)).Build(),
	).Error(); err != nil {
		return err
	}
	return l.client.Do(
		ctx, l.client.B().Expire().Key(key).Seconds(int64(eventLogRetention.Seconds())).Build(),
	).Error()
}

func (l *ValkeyEventLog) Replay(ctx context.Context, date string) ([]fleetgate.RequestEvent, error) {
	resp := l.client.Do(ctx, l.client.B().Lrange().Key(eventKey(date)).Start(0).Stop(-1).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}

	entries, err := resp.AsStrSlice()
	if err != nil {
		return nil, err
	}

	events := make([]fleetgate.RequestEvent, 0, len(entries))
	for _, entry := range entries {
		var event fleetgate.RequestEvent
		if err := json.Unmarshal([]byte(entry), &event); err != nil {
			return nil, fmt.Errorf("failed to decode request event: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}

func (l *ValkeyEventLog) Trim(ctx context.Context, date string) error {
	return l.client.Do(ctx, l.client.B().Del().Key(eventKey(date)).Build()).Error()
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/expflow/expflow/internal/model"
)

// InsertEvent persists one event and its EVENT_CREATED outbox record in a
// single transaction: no event is ever visible without its outbox companion.
func (s *Store) InsertEvent(ctx context.Context, ev *model.Event) error {
	return s.WithTx(ctx, func(txn pgx.Tx) error {
		if err := insertEventTx(ctx, txn, ev); err != nil {
			return err
		}
		return AppendOutbox(ctx, txn, model.OutboxRecord{
			AggregateType: model.AggregateEvent,
			AggregateID:   ev.ID,
			EventKind:     model.KindEventCreated,
			Payload:       snapshotOf(ev),
			OccurredAt:    ev.Timestamp,
		})
	})
}

func insertEventTx(ctx context.Context, txn pgx.Tx, ev *model.Event) error {
	properties, err := ev.Properties.EncodeJSON()
	if err != nil {
		return fmt.Errorf("encoding event properties: %w", err)
	}
	_, err = txn.Exec(ctx,
		`INSERT INTO events (id, experiment_id, user_id, variant_id, event_type, ts, assignment_at, properties, session_id, request_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.ExperimentID, ev.UserID, ev.VariantID, ev.EventType,
		ev.Timestamp, ev.AssignmentAt, properties, nullableString(ev.SessionID), nullableString(ev.RequestID),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// InsertEventBatch persists a batch of pre-validated events and their outbox
// records in one transaction. Events and outbox rows are pipelined through a
// single batch round trip.
func (s *Store) InsertEventBatch(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(txn pgx.Tx) error {
		var batch pgx.Batch
		for i := range events {
			var ev = &events[i]
			properties, err := ev.Properties.EncodeJSON()
			if err != nil {
				return fmt.Errorf("encoding event properties: %w", err)
			}
			batch.Queue(
				`INSERT INTO events (id, experiment_id, user_id, variant_id, event_type, ts, assignment_at, properties, session_id, request_id)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				ev.ID, ev.ExperimentID, ev.UserID, ev.VariantID, ev.EventType,
				ev.Timestamp, ev.AssignmentAt, properties, nullableString(ev.SessionID), nullableString(ev.RequestID),
			)

			payload, err := snapshotOf(ev).EncodeJSON()
			if err != nil {
				return fmt.Errorf("encoding outbox payload: %w", err)
			}
			batch.Queue(
				`INSERT INTO outbox (aggregate_type, aggregate_id, event_kind, payload, occurred_at)
				 VALUES ($1, $2, $3, $4, $5)`,
				string(model.AggregateEvent), ev.ID, model.KindEventCreated, payload, ev.Timestamp,
			)
		}

		var results = txn.SendBatch(ctx, &batch)
		for i := 0; i != batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("event batch at index %d: %w", i, err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("closing event batch: %w", err)
		}
		return nil
	})
}

// ListUserEvents returns a user's events, newest first, optionally scoped to
// one experiment.
func (s *Store) ListUserEvents(ctx context.Context, userID string, experimentID *int64, limit int) ([]model.Event, error) {
	var sql = `SELECT id, experiment_id, user_id, variant_id, event_type, ts, assignment_at, properties,
	                  COALESCE(session_id, ''), COALESCE(request_id, '')
	           FROM events WHERE user_id = $1`
	var args = []interface{}{userID}
	if experimentID != nil {
		sql += ` AND experiment_id = $2 ORDER BY ts DESC LIMIT $3`
		args = append(args, *experimentID, limit)
	} else {
		sql += ` ORDER BY ts DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing user events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var ev model.Event
		var properties []byte
		if err = rows.Scan(&ev.ID, &ev.ExperimentID, &ev.UserID, &ev.VariantID, &ev.EventType,
			&ev.Timestamp, &ev.AssignmentAt, &properties, &ev.SessionID, &ev.RequestID); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if ev.Properties, err = model.DecodeProperties(properties); err != nil {
			return nil, fmt.Errorf("decoding event properties: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// VariantTotals computes per-variant metrics over [start, end) directly from
// the transactional store, joining assignments so only post-assignment events
// count. This is the hot path of the results engine; the cold path computes
// the same shape from columnar aggregates.
func (s *Store) VariantTotals(ctx context.Context, experimentID int64, start, end time.Time, eventTypes []string) (map[int64]model.VariantTotals, error) {
	var sql = `
		SELECT a.variant_id,
		       count(*),
		       count(*) FILTER (WHERE e.event_type = 'exposure'),
		       count(*) FILTER (WHERE e.event_type = 'conversion'),
		       count(*) FILTER (WHERE e.event_type = 'click'),
		       count(DISTINCT e.user_id),
		       count(DISTINCT e.session_id) FILTER (WHERE e.session_id IS NOT NULL),
		       COALESCE(sum((e.properties->>'value')::float8) FILTER (WHERE e.properties ? 'value'), 0),
		       count(*) FILTER (WHERE e.properties ? 'value')
		FROM events e
		JOIN assignments a
		  ON a.experiment_id = e.experiment_id AND a.user_id = e.user_id
		WHERE e.experiment_id = $1
		  AND e.ts >= $2 AND e.ts < $3
		  AND e.ts >= a.assigned_at`
	var args = []interface{}{experimentID, start, end}
	if len(eventTypes) > 0 {
		sql += ` AND e.event_type = ANY($4)`
		args = append(args, eventTypes)
	}
	sql += ` GROUP BY a.variant_id`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying variant totals: %w", err)
	}
	defer rows.Close()

	var out = make(map[int64]model.VariantTotals)
	for rows.Next() {
		var t model.VariantTotals
		if err = rows.Scan(&t.VariantID, &t.TotalEvents, &t.Exposures, &t.Conversions, &t.Clicks,
			&t.UniqueUsers, &t.UniqueSessions, &t.TotalValue, &t.ValueCount); err != nil {
			return nil, fmt.Errorf("scanning variant totals: %w", err)
		}
		out[t.VariantID] = t
	}
	return out, rows.Err()
}

// EventTimeSeries buckets post-assignment-valid events by hour or day over
// [start, end), per variant.
func (s *Store) EventTimeSeries(ctx context.Context, experimentID int64, start, end time.Time, granularity string, eventTypes []string) ([]model.TimeBucket, error) {
	switch granularity {
	case "hour", "day":
	default:
		granularity = "hour"
	}
	var sql = fmt.Sprintf(`
		SELECT date_trunc('%s', e.ts),
		       a.variant_id,
		       count(*),
		       count(*) FILTER (WHERE e.event_type = 'exposure'),
		       count(*) FILTER (WHERE e.event_type = 'conversion'),
		       count(*) FILTER (WHERE e.event_type = 'click'),
		       count(DISTINCT e.user_id),
		       COALESCE(sum((e.properties->>'value')::float8) FILTER (WHERE e.properties ? 'value'), 0)
		FROM events e
		JOIN assignments a
		  ON a.experiment_id = e.experiment_id AND a.user_id = e.user_id
		WHERE e.experiment_id = $1
		  AND e.ts >= $2 AND e.ts < $3
		  AND e.ts >= a.assigned_at`, granularity)
	var args = []interface{}{experimentID, start, end}
	if len(eventTypes) > 0 {
		sql += ` AND e.event_type = ANY($4)`
		args = append(args, eventTypes)
	}
	sql += ` GROUP BY 1, 2 ORDER BY 1, 2`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying event time series: %w", err)
	}
	defer rows.Close()

	var out []model.TimeBucket
	for rows.Next() {
		var b model.TimeBucket
		if err = rows.Scan(&b.Start, &b.VariantID, &b.TotalEvents, &b.Exposures, &b.Conversions,
			&b.Clicks, &b.UniqueUsers, &b.TotalValue); err != nil {
			return nil, fmt.Errorf("scanning time bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ExperimentStats reports coarse volume counters, including the events the
// post-assignment filter excludes from results.
func (s *Store) ExperimentStats(ctx context.Context, experimentID int64) (*model.ExperimentStats, error) {
	var stats = model.ExperimentStats{ExperimentID: experimentID}

	var err = s.pool.QueryRow(ctx,
		`SELECT count(*), count(enrolled_at) FROM assignments WHERE experiment_id = $1`,
		experimentID,
	).Scan(&stats.TotalUsers, &stats.EnrolledUsers)
	if err != nil {
		return nil, fmt.Errorf("querying assignment counts: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE assignment_at IS NULL OR ts < assignment_at),
		        min(ts), max(ts)
		 FROM events WHERE experiment_id = $1`,
		experimentID,
	).Scan(&stats.TotalEvents, &stats.InvalidEvents, &stats.FirstEventAt, &stats.LastEventAt)
	if err != nil {
		return nil, fmt.Errorf("querying event counts: %w", err)
	}
	return &stats, nil
}

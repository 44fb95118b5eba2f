package columnar

import (
	"context"
	"fmt"
	"time"

	"github.com/expflow/expflow/internal/model"
)

// variantTotalsSQL aggregates the collapsed projected rows at query time.
// FINAL folds replayed (aggregate_id, seq) duplicates before any counting, so
// totals are stable no matter how often the CDC consumer re-delivered a batch.
func variantTotalsSQL(filtered bool) string {
	var sql = `
		SELECT variant_id,
		       count(),
		       countIf(is_exposure = 1),
		       countIf(is_conversion = 1),
		       countIf(is_click = 1),
		       uniq(user_id),
		       uniqIf(session_id, session_id != ''),
		       sumIf(value, has_value = 1),
		       countIf(has_value = 1)
		FROM projected_events FINAL
		WHERE experiment_id = ?
		  AND ts >= ? AND ts < ?
		  AND is_valid = 1 AND variant_id != 0`
	if filtered {
		sql += `
		  AND event_type IN (?)`
	}
	return sql + `
		GROUP BY variant_id`
}

// VariantTotals computes per-variant counters over [start, end).
func (c *Client) VariantTotals(ctx context.Context, experimentID int64, start, end time.Time, eventTypes []string) (map[int64]model.VariantTotals, error) {
	var args = []interface{}{experimentID, start.UTC(), end.UTC()}
	if len(eventTypes) > 0 {
		args = append(args, eventTypes)
	}
	rows, err := c.conn.Query(ctx, variantTotalsSQL(len(eventTypes) > 0), args...)
	if err != nil {
		return nil, fmt.Errorf("querying variant totals: %w", err)
	}
	defer rows.Close()

	var out = make(map[int64]model.VariantTotals)
	for rows.Next() {
		var t model.VariantTotals
		var totalEvents, exposures, conversions, clicks, users, sessions, valueCount uint64
		if err = rows.Scan(&t.VariantID, &totalEvents, &exposures, &conversions, &clicks,
			&users, &sessions, &t.TotalValue, &valueCount); err != nil {
			return nil, fmt.Errorf("scanning variant totals: %w", err)
		}
		t.TotalEvents = int64(totalEvents)
		t.Exposures = int64(exposures)
		t.Conversions = int64(conversions)
		t.Clicks = int64(clicks)
		t.UniqueUsers = int64(users)
		t.UniqueSessions = int64(sessions)
		t.ValueCount = int64(valueCount)
		out[t.VariantID] = t
	}
	return out, rows.Err()
}

// timeSeriesSQL buckets the collapsed projected rows by hour or day.
func timeSeriesSQL(granularity string, filtered bool) string {
	var bucket = "toStartOfHour(ts)"
	if granularity == "day" {
		bucket = "toStartOfDay(ts)"
	}
	var sql = fmt.Sprintf(`
		SELECT %s AS bucket,
		       variant_id,
		       count(),
		       countIf(is_exposure = 1),
		       countIf(is_conversion = 1),
		       countIf(is_click = 1),
		       uniq(user_id),
		       sumIf(value, has_value = 1)
		FROM projected_events FINAL
		WHERE experiment_id = ?
		  AND ts >= ? AND ts < ?
		  AND is_valid = 1 AND variant_id != 0`, bucket)
	if filtered {
		sql += `
		  AND event_type IN (?)`
	}
	return sql + `
		GROUP BY bucket, variant_id
		ORDER BY bucket, variant_id`
}

// EventTimeSeries buckets per-variant counters by hour or day over
// [start, end), honoring the same event-type filter as the totals read.
func (c *Client) EventTimeSeries(ctx context.Context, experimentID int64, start, end time.Time, granularity string, eventTypes []string) ([]model.TimeBucket, error) {
	var args = []interface{}{experimentID, start.UTC(), end.UTC()}
	if len(eventTypes) > 0 {
		args = append(args, eventTypes)
	}
	rows, err := c.conn.Query(ctx, timeSeriesSQL(granularity, len(eventTypes) > 0), args...)
	if err != nil {
		return nil, fmt.Errorf("querying columnar time series: %w", err)
	}
	defer rows.Close()

	var out []model.TimeBucket
	for rows.Next() {
		var b model.TimeBucket
		var totalEvents, exposures, conversions, clicks, users uint64
		if err = rows.Scan(&b.Start, &b.VariantID, &totalEvents, &exposures,
			&conversions, &clicks, &users, &b.TotalValue); err != nil {
			return nil, fmt.Errorf("scanning time bucket: %w", err)
		}
		b.TotalEvents = int64(totalEvents)
		b.Exposures = int64(exposures)
		b.Conversions = int64(conversions)
		b.Clicks = int64(clicks)
		b.UniqueUsers = int64(users)
		out = append(out, b)
	}
	return out, rows.Err()
}

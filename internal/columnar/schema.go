package columnar

// projectedEventsDDL is the projected-events table. Replays of the same
// outbox record produce identical sort keys and collapse on merge, which is
// what makes the CDC consumer's at-least-once delivery an exactly-once
// effect. Every read aggregates over FINAL so that not-yet-merged duplicates
// are collapsed at query time; an insert-time rollup layer would observe each
// replayed batch again and drift, so none exists.
const projectedEventsDDL = `
CREATE TABLE IF NOT EXISTS projected_events (
    aggregate_id    String,
    seq             UInt64,
    event_id        String,
    experiment_id   Int64,
    user_id         String,
    variant_id      Int64,
    event_type      LowCardinality(String),
    ts              DateTime64(3, 'UTC'),
    assignment_at   Nullable(DateTime64(3, 'UTC')),
    properties      String,
    session_id      String,
    request_id      String,

    event_date      Date MATERIALIZED toDate(ts),
    event_hour      UInt8 MATERIALIZED toHour(ts),
    page            String MATERIALIZED JSONExtractString(properties, 'page'),
    value           Float64 MATERIALIZED JSONExtractFloat(properties, 'value'),
    score           Float64 MATERIALIZED JSONExtractFloat(properties, 'score'),
    has_value       UInt8 MATERIALIZED JSONHas(properties, 'value'),
    is_conversion   UInt8 MATERIALIZED event_type = 'conversion',
    is_click        UInt8 MATERIALIZED event_type = 'click',
    is_exposure     UInt8 MATERIALIZED event_type = 'exposure',
    is_valid        UInt8 MATERIALIZED toUInt8(isNull(assignment_at) OR ts >= coalesce(assignment_at, ts))
)
ENGINE = ReplacingMergeTree()
PARTITION BY toYYYYMM(event_date)
ORDER BY (experiment_id, event_date, user_id, ts, aggregate_id, seq)
TTL event_date + INTERVAL 730 DAY
SETTINGS index_granularity = 8192;
`

// schemaDDL is applied in order by EnsureSchema.
var schemaDDL = []string{
	projectedEventsDDL,
}

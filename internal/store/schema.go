package store

import (
	"context"
	"fmt"
)

// DDL for the OLTP tables. The events table is range-partitioned by month on
// ts; partitions themselves are managed by EnsureMonthlyPartitions.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS experiments (
		id          BIGSERIAL PRIMARY KEY,
		key         VARCHAR(255) NOT NULL UNIQUE,
		name        VARCHAR(255) NOT NULL,
		description TEXT,
		status      VARCHAR(20) NOT NULL DEFAULT 'draft',
		seed        VARCHAR(255) NOT NULL,
		version     INTEGER NOT NULL DEFAULT 1,
		config      JSONB NOT NULL DEFAULT '{}',
		starts_at   TIMESTAMPTZ,
		ends_at     TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_experiment_status_dates
		ON experiments (status, starts_at, ends_at)`,

	`CREATE TABLE IF NOT EXISTS variants (
		id             BIGSERIAL PRIMARY KEY,
		experiment_id  BIGINT NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
		key            VARCHAR(255) NOT NULL,
		name           VARCHAR(255) NOT NULL,
		description    TEXT,
		allocation_pct INTEGER NOT NULL DEFAULT 0
			CHECK (allocation_pct >= 0 AND allocation_pct <= 100),
		is_control     BOOLEAN NOT NULL DEFAULT false,
		config         JSONB NOT NULL DEFAULT '{}',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (experiment_id, key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_variant_experiment ON variants (experiment_id)`,

	`CREATE TABLE IF NOT EXISTS assignments (
		id          BIGSERIAL PRIMARY KEY,
		experiment_id BIGINT NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
		user_id     VARCHAR(255) NOT NULL,
		variant_id  BIGINT NOT NULL REFERENCES variants(id) ON DELETE CASCADE,
		version     INTEGER NOT NULL,
		source      VARCHAR(50) NOT NULL DEFAULT 'hash',
		context     JSONB NOT NULL DEFAULT '{}',
		assigned_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		enrolled_at TIMESTAMPTZ,
		UNIQUE (experiment_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assignment_user ON assignments (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_assignment_time ON assignments (assigned_at)`,
	`CREATE INDEX IF NOT EXISTS idx_assignment_enrolled ON assignments (enrolled_at)`,

	`CREATE TABLE IF NOT EXISTS events (
		id            UUID NOT NULL,
		experiment_id BIGINT,
		user_id       VARCHAR(255) NOT NULL,
		variant_id    BIGINT,
		event_type    VARCHAR(64) NOT NULL,
		ts            TIMESTAMPTZ NOT NULL,
		assignment_at TIMESTAMPTZ,
		properties    JSONB NOT NULL DEFAULT '{}',
		session_id    VARCHAR(255),
		request_id    VARCHAR(255),
		PRIMARY KEY (id, ts)
	) PARTITION BY RANGE (ts)`,
	`CREATE INDEX IF NOT EXISTS idx_events_experiment_time ON events (experiment_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_events_experiment_type_time ON events (experiment_id, event_type, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_events_user_time ON events (user_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_events_properties ON events USING gin (properties)`,

	`CREATE TABLE IF NOT EXISTS outbox (
		seq            BIGSERIAL PRIMARY KEY,
		aggregate_type VARCHAR(50) NOT NULL,
		aggregate_id   VARCHAR(255) NOT NULL,
		event_kind     VARCHAR(64) NOT NULL,
		payload        JSONB NOT NULL,
		occurred_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		processed_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_processed ON outbox (processed_at, occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_aggregate ON outbox (aggregate_type, aggregate_id)`,
}

// EnsureSchema creates tables and indexes if absent, then makes sure the
// current and next month's event partitions exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("applying schema DDL: %w", err)
		}
	}
	return s.EnsureMonthlyPartitions(ctx, 2)
}

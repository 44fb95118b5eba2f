package store

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// partitionName is the child-table name for the month containing t.
func partitionName(t time.Time) string {
	return fmt.Sprintf("events_y%dm%02d", t.Year(), int(t.Month()))
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// EnsureMonthlyPartitions creates event partitions for the current month and
// the following `ahead` months, idempotently.
func (s *Store) EnsureMonthlyPartitions(ctx context.Context, ahead int) error {
	var start = monthStart(time.Now().UTC())
	for i := 0; i <= ahead; i++ {
		var from = start.AddDate(0, i, 0)
		var to = from.AddDate(0, 1, 0)
		var ddl = fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF events FOR VALUES FROM ('%s') TO ('%s')`,
			partitionName(from), from.Format(time.RFC3339), to.Format(time.RFC3339),
		)
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("creating partition %s: %w", partitionName(from), err)
		}
	}
	return nil
}

// DropPartitionsBefore detaches and drops event partitions whose entire range
// precedes the cutoff. Returns the partitions dropped.
func (s *Store) DropPartitionsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = 'events'`)
	if err != nil {
		return nil, fmt.Errorf("listing event partitions: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning partition name: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	var boundary = monthStart(cutoff)
	var dropped []string
	for _, name := range names {
		var y, m int
		if _, err := fmt.Sscanf(name, "events_y%dm%d", &y, &m); err != nil {
			continue // not one of ours
		}
		var rangeEnd = time.Date(y, time.Month(m), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		if !rangeEnd.After(boundary) {
			if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
				return dropped, fmt.Errorf("dropping partition %s: %w", name, err)
			}
			log.WithField("partition", name).Info("dropped expired event partition")
			dropped = append(dropped, name)
		}
	}
	return dropped, nil
}

// Package columnar owns the analytical store: the projected-events table the
// CDC consumer writes and the results engine aggregates on its cold path.
package columnar

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	log "github.com/sirupsen/logrus"
)

// Config is the ClickHouse endpoint configuration.
type Config struct {
	Addr     string `long:"addr" env:"ADDR" default:"localhost:9000" description:"ClickHouse native-protocol address"`
	Database string `long:"database" env:"DATABASE" default:"expflow" description:"ClickHouse database"`
	User     string `long:"user" env:"USER" default:"default" description:"ClickHouse user"`
	Password string `long:"password" env:"PASSWORD" default:"" description:"ClickHouse password"`

	DialTimeout time.Duration `long:"dial-timeout" env:"DIAL_TIMEOUT" default:"10s" description:"Connection dial timeout"`
}

// Client wraps a shared ClickHouse connection pool.
type Client struct {
	conn driver.Conn
}

// Open connects to ClickHouse and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse connection: %w", err)
	}
	if err = conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging clickhouse: %w", err)
	}
	log.WithFields(log.Fields{
		"addr":     cfg.Addr,
		"database": cfg.Database,
	}).Info("connected to clickhouse")
	return &Client{conn: conn}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.conn.Close() }

// EnsureSchema applies the projected-events DDL, idempotently.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if err := c.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("applying columnar schema: %w", err)
		}
	}
	return nil
}

// ProjectedEvent is one denormalized row bound for projected_events. The
// materialized derivations (event_date, is_valid, property extractions) are
// computed by the table itself on write, never by the producer.
type ProjectedEvent struct {
	AggregateID  string
	Seq          uint64
	EventID      string
	ExperimentID int64
	UserID       string
	VariantID    int64
	EventType    string
	Timestamp    time.Time
	AssignmentAt *time.Time
	Properties   string
	SessionID    string
	RequestID    string
}

// InsertProjected writes one batch of projected events. Safe to replay: rows
// sharing (aggregate_id, seq) collapse in the replacing engine.
func (c *Client) InsertProjected(ctx context.Context, rows []ProjectedEvent) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO projected_events
		(aggregate_id, seq, event_id, experiment_id, user_id, variant_id,
		 event_type, ts, assignment_at, properties, session_id, request_id)`)
	if err != nil {
		return fmt.Errorf("preparing projected batch: %w", err)
	}
	for i := range rows {
		var r = &rows[i]
		if err = batch.Append(
			r.AggregateID, r.Seq, r.EventID, r.ExperimentID, r.UserID, r.VariantID,
			r.EventType, r.Timestamp, r.AssignmentAt, r.Properties, r.SessionID, r.RequestID,
		); err != nil {
			return fmt.Errorf("appending projected row %d: %w", i, err)
		}
	}
	if err = batch.Send(); err != nil {
		return fmt.Errorf("sending projected batch: %w", err)
	}
	return nil
}

// ProjectedRowCount returns the raw row count of the projected table,
// including duplicates not yet collapsed by merges. Cheap enough for the
// janitor to sample every sweep.
func (c *Client) ProjectedRowCount(ctx context.Context) (uint64, error) {
	var count uint64
	var err = c.conn.QueryRow(ctx, `SELECT count() FROM projected_events`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting projected events: %w", err)
	}
	return count, nil
}

// DropPartitionsBefore drops monthly projected-event partitions whose month
// precedes the cutoff month entirely.
func (c *Client) DropPartitionsBefore(ctx context.Context, cutoff time.Time) error {
	rows, err := c.conn.Query(ctx, `
		SELECT DISTINCT partition
		FROM system.parts
		WHERE table = 'projected_events' AND active AND partition < ?`,
		cutoff.UTC().Format("200601"),
	)
	if err != nil {
		return fmt.Errorf("listing projected partitions: %w", err)
	}
	defer rows.Close()

	var partitions []string
	for rows.Next() {
		var p string
		if err = rows.Scan(&p); err != nil {
			return fmt.Errorf("scanning partition: %w", err)
		}
		partitions = append(partitions, p)
	}
	if err = rows.Err(); err != nil {
		return err
	}
	for _, p := range partitions {
		if err = c.conn.Exec(ctx,
			fmt.Sprintf(`ALTER TABLE projected_events DROP PARTITION '%s'`, p)); err != nil {
			return fmt.Errorf("dropping partition %s: %w", p, err)
		}
		log.WithField("partition", p).Info("dropped projected-event partition")
	}
	return nil
}

// Package ingest accepts raw user events, validates them, denormalizes the
// caller's assignment onto each row, and persists event + outbox atomically.
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/expflow/expflow/internal/model"
	"github.com/expflow/expflow/internal/telemetry"
)

const (
	// MaxEventTypeLen bounds the event_type column.
	MaxEventTypeLen = 64
	// DefaultBatchMaxRows bounds one RecordBatch call.
	DefaultBatchMaxRows = 1000
	// DefaultBatchMaxBytes bounds one event's encoded properties document.
	DefaultBatchMaxBytes = 32 * 1024

	// maxFutureSkew is how far ahead of server time an event timestamp may
	// run before it is clamped. Client clocks drift; they don't time travel.
	maxFutureSkew = 5 * time.Minute
)

// Config tunes the ingestor's batch limits.
type Config struct {
	BatchMaxRows  int `long:"batch-max-rows" env:"BATCH_MAX_ROWS" default:"1000" description:"Events accepted in one batch"`
	BatchMaxBytes int `long:"batch-max-bytes" env:"BATCH_MAX_BYTES" default:"32768" description:"Byte budget for one event's encoded properties"`
}

// Store is the OLTP surface the ingestor needs.
type Store interface {
	InsertEvent(ctx context.Context, ev *model.Event) error
	InsertEventBatch(ctx context.Context, events []model.Event) error
	GetAssignment(ctx context.Context, experimentID int64, userID string) (*model.Assignment, error)
}

// Cache is the assignment-cache probe used before touching the database.
type Cache interface {
	GetAssignment(ctx context.Context, experimentID int64, userID string) *model.Assignment
	SetAssignment(ctx context.Context, a *model.Assignment)
}

// Ingestor validates and persists events.
type Ingestor struct {
	cfg   Config
	store Store
	cache Cache
	now   func() time.Time
}

// NewIngestor builds an Ingestor over the given collaborators.
func NewIngestor(cfg Config, store Store, cache Cache) *Ingestor {
	if cfg.BatchMaxRows <= 0 {
		cfg.BatchMaxRows = DefaultBatchMaxRows
	}
	if cfg.BatchMaxBytes <= 0 {
		cfg.BatchMaxBytes = DefaultBatchMaxBytes
	}
	return &Ingestor{cfg: cfg, store: store, cache: cache, now: time.Now}
}

// RowError locates one rejected event inside a batch.
type RowError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// validate normalizes ev in place and returns the first validation failure.
// Valid events leave with a non-zero id and timestamp.
func (in *Ingestor) validate(ev *model.Event) error {
	if ev.UserID == "" {
		return model.InvalidInputf("user_id is required")
	}
	ev.EventType = strings.TrimSpace(ev.EventType)
	if ev.EventType == "" {
		return model.InvalidInputf("event_type is required")
	}
	if len(ev.EventType) > MaxEventTypeLen {
		return model.InvalidInputf("event_type exceeds %d characters", MaxEventTypeLen)
	}

	var now = in.now().UTC()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	} else {
		ev.Timestamp = ev.Timestamp.UTC()
		if ev.Timestamp.After(now.Add(maxFutureSkew)) {
			ev.Timestamp = now
		}
	}

	if len(ev.Properties) > 0 {
		raw, err := ev.Properties.EncodeJSON()
		if err != nil {
			return model.InvalidInputf("properties are not encodable: %v", err)
		}
		if len(raw) > in.cfg.BatchMaxBytes {
			return model.InvalidInputf("properties exceed %d bytes", in.cfg.BatchMaxBytes)
		}
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return nil
}

// resolveAssignment denormalizes the user's assignment onto the event when the
// event names an experiment and an assignment exists. Events with no
// assignment, or from users assigned after the event, are stored as-is; the
// results engine excludes them.
func (in *Ingestor) resolveAssignment(ctx context.Context, ev *model.Event) error {
	if ev.ExperimentID == nil {
		return nil
	}
	var a = in.cache.GetAssignment(ctx, *ev.ExperimentID, ev.UserID)
	if a == nil {
		var err error
		if a, err = in.store.GetAssignment(ctx, *ev.ExperimentID, ev.UserID); err != nil {
			return err
		}
		if a != nil {
			in.cache.SetAssignment(ctx, a)
		}
	}
	if a != nil {
		ev.VariantID = &a.VariantID
		var at = a.AssignedAt
		ev.AssignmentAt = &at
	}
	return nil
}

// Record validates and persists one event.
func (in *Ingestor) Record(ctx context.Context, ev *model.Event) error {
	if err := in.validate(ev); err != nil {
		telemetry.EventsIngested.WithLabelValues("invalid").Inc()
		return err
	}
	if err := in.resolveAssignment(ctx, ev); err != nil {
		telemetry.EventsIngested.WithLabelValues("error").Inc()
		return err
	}
	if err := in.store.InsertEvent(ctx, ev); err != nil {
		telemetry.EventsIngested.WithLabelValues("error").Inc()
		return err
	}
	telemetry.EventsIngested.WithLabelValues("ok").Inc()
	return nil
}

// RecordBatch validates and persists a batch. Invalid rows are enumerated and
// skipped rather than failing the batch; the accepted remainder is written in
// one transaction. Returns the number accepted alongside per-row failures.
func (in *Ingestor) RecordBatch(ctx context.Context, events []model.Event) (int, []RowError, error) {
	if len(events) == 0 {
		return 0, nil, nil
	}
	if len(events) > in.cfg.BatchMaxRows {
		return 0, nil, model.InvalidInputf("batch exceeds %d events", in.cfg.BatchMaxRows)
	}

	var accepted = make([]model.Event, 0, len(events))
	var failures []RowError

	// One assignment lookup per distinct (experiment, user) pair.
	type pair struct {
		experimentID int64
		userID       string
	}
	var resolved = map[pair]*model.Assignment{}

	for i := range events {
		var ev = events[i]
		if err := in.validate(&ev); err != nil {
			telemetry.EventsIngested.WithLabelValues("invalid").Inc()
			failures = append(failures, RowError{Index: i, Error: err.Error()})
			continue
		}
		if ev.ExperimentID != nil {
			var key = pair{*ev.ExperimentID, ev.UserID}
			a, ok := resolved[key]
			if !ok {
				a = in.cache.GetAssignment(ctx, key.experimentID, key.userID)
				if a == nil {
					var err error
					if a, err = in.store.GetAssignment(ctx, key.experimentID, key.userID); err != nil {
						return 0, nil, err
					}
					if a != nil {
						in.cache.SetAssignment(ctx, a)
					}
				}
				resolved[key] = a
			}
			if a != nil {
				ev.VariantID = &a.VariantID
				var at = a.AssignedAt
				ev.AssignmentAt = &at
			}
		}
		accepted = append(accepted, ev)
	}

	if len(accepted) > 0 {
		if err := in.store.InsertEventBatch(ctx, accepted); err != nil {
			telemetry.EventsIngested.WithLabelValues("error").Add(float64(len(accepted)))
			return 0, failures, err
		}
		telemetry.EventsIngested.WithLabelValues("ok").Add(float64(len(accepted)))
	}
	if len(failures) > 0 {
		log.WithFields(log.Fields{
			"accepted": len(accepted),
			"rejected": len(failures),
		}).Warn("event batch partially rejected")
	}
	return len(accepted), failures, nil
}

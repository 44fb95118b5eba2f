// Package maintenance runs the background janitor loops: outbox trimming
// behind the projector's checkpoint, monthly partition rollover on both
// stores, and optional assignment cache warming.
package maintenance

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/expflow/expflow/internal/model"
	"github.com/expflow/expflow/internal/projector"
	"github.com/expflow/expflow/internal/telemetry"
)

// Config tunes the janitor.
type Config struct {
	Interval time.Duration `long:"interval" env:"INTERVAL" default:"15m" description:"Pause between maintenance sweeps"`

	OutboxRetention    time.Duration `long:"outbox-retention" env:"OUTBOX_RETENTION" default:"720h" description:"Processed outbox records older than this are deleted"`
	EventsRetention    time.Duration `long:"events-retention" env:"EVENTS_RETENTION" default:"2160h" description:"OLTP event partitions older than this are dropped"`
	ProjectedRetention time.Duration `long:"projected-retention" env:"PROJECTED_RETENTION" default:"17520h" description:"Columnar partitions older than this are dropped"`

	TrimBatchSize   int `long:"trim-batch-size" env:"TRIM_BATCH_SIZE" default:"5000" description:"Outbox delete batch size"`
	PartitionsAhead int `long:"partitions-ahead" env:"PARTITIONS_AHEAD" default:"2" description:"Months of event partitions created in advance"`
}

// OLTP is the store surface the janitor needs. Satisfied by *store.Store.
type OLTP interface {
	MaxOutboxSeq(ctx context.Context) (int64, error)
	MarkOutboxProcessed(ctx context.Context, throughSeq int64) (int64, error)
	TrimOutbox(ctx context.Context, olderThan time.Time, batchSize int) (int64, error)
	EnsureMonthlyPartitions(ctx context.Context, ahead int) error
	DropPartitionsBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	ActiveExperimentIDs(ctx context.Context, now time.Time) ([]int64, error)
}

// Columnar is the analytical-store surface. Satisfied by *columnar.Client;
// nil disables columnar maintenance.
type Columnar interface {
	DropPartitionsBefore(ctx context.Context, cutoff time.Time) error
	ProjectedRowCount(ctx context.Context) (uint64, error)
}

// CheckpointSource reads the projector's published high-water mark.
// Satisfied by *cache.Cache.
type CheckpointSource interface {
	GetJSON(ctx context.Context, key string, out interface{}) bool
}

// Warmer pre-populates assignments for a known cohort. Satisfied by
// *assign.Engine; nil disables warming.
type Warmer interface {
	AssignCohort(ctx context.Context, experimentID int64, userIDs []string, source model.AssignmentSource) (int, error)
}

// CohortSource supplies the user ids to warm per experiment. Deployments plug
// in their audience store here; nil disables warming.
type CohortSource func(ctx context.Context, experimentID int64) ([]string, error)

// Janitor owns the maintenance sweeps.
type Janitor struct {
	cfg         Config
	oltp        OLTP
	columnar    Columnar
	checkpoints CheckpointSource
	warmer      Warmer
	cohorts     CohortSource
	now         func() time.Time
}

// NewJanitor builds a Janitor. columnar, warmer, and cohorts are optional.
func NewJanitor(cfg Config, oltp OLTP, col Columnar, checkpoints CheckpointSource, warmer Warmer, cohorts CohortSource) *Janitor {
	return &Janitor{
		cfg:         cfg,
		oltp:        oltp,
		columnar:    col,
		checkpoints: checkpoints,
		warmer:      warmer,
		cohorts:     cohorts,
		now:         time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	var ticker = time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	j.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs every job once. Jobs are independent; one failing does not stop
// the others.
func (j *Janitor) Sweep(ctx context.Context) {
	j.runJob(ctx, "outbox", j.trimOutbox)
	j.runJob(ctx, "oltp_partitions", j.maintainPartitions)
	if j.columnar != nil {
		j.runJob(ctx, "columnar_partitions", j.maintainColumnar)
	}
	if j.warmer != nil && j.cohorts != nil {
		j.runJob(ctx, "cache_warming", j.warmCaches)
	}
}

func (j *Janitor) runJob(ctx context.Context, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		telemetry.MaintenanceRuns.WithLabelValues(name, "error").Inc()
		log.WithError(err).WithField("job", name).Error("maintenance job failed")
		return
	}
	telemetry.MaintenanceRuns.WithLabelValues(name, "ok").Inc()
}

// trimOutbox stamps processed_at on records behind the projector checkpoint,
// then deletes processed records past retention in bounded batches. Without a
// checkpoint nothing is marked: trimming never outruns the consumer.
func (j *Janitor) trimOutbox(ctx context.Context) error {
	maxSeq, err := j.oltp.MaxOutboxSeq(ctx)
	if err != nil {
		return err
	}
	var cp projector.Checkpoint
	if j.checkpoints != nil && j.checkpoints.GetJSON(ctx, projector.CheckpointKey, &cp) && cp.Seq > 0 {
		marked, err := j.oltp.MarkOutboxProcessed(ctx, int64(cp.Seq))
		if err != nil {
			return err
		}
		if marked > 0 {
			log.WithFields(log.Fields{"seq": cp.Seq, "rows": marked}).Info("marked outbox processed")
		}
	}
	if backlog := maxSeq - int64(cp.Seq); backlog > 0 {
		telemetry.OutboxBacklog.Set(float64(backlog))
	} else {
		telemetry.OutboxBacklog.Set(0)
	}
	_, err = j.oltp.TrimOutbox(ctx, j.now().Add(-j.cfg.OutboxRetention), j.cfg.TrimBatchSize)
	return err
}

func (j *Janitor) maintainPartitions(ctx context.Context) error {
	if err := j.oltp.EnsureMonthlyPartitions(ctx, j.cfg.PartitionsAhead); err != nil {
		return err
	}
	var _, err = j.oltp.DropPartitionsBefore(ctx, j.now().Add(-j.cfg.EventsRetention))
	return err
}

func (j *Janitor) maintainColumnar(ctx context.Context) error {
	if err := j.columnar.DropPartitionsBefore(ctx, j.now().Add(-j.cfg.ProjectedRetention)); err != nil {
		return err
	}
	rows, err := j.columnar.ProjectedRowCount(ctx)
	if err != nil {
		return err
	}
	telemetry.ProjectedRows.Set(float64(rows))
	return nil
}

// warmCaches pre-assigns known cohorts into every active experiment through
// the same upsert path as live traffic.
func (j *Janitor) warmCaches(ctx context.Context) error {
	ids, err := j.oltp.ActiveExperimentIDs(ctx, j.now())
	if err != nil {
		return err
	}
	for _, id := range ids {
		users, err := j.cohorts(ctx, id)
		if err != nil {
			log.WithError(err).WithField("experiment", id).Warn("cohort lookup failed")
			continue
		}
		if len(users) == 0 {
			continue
		}
		created, err := j.warmer.AssignCohort(ctx, id, users, model.SourceHash)
		if err != nil {
			log.WithError(err).WithField("experiment", id).Warn("cache warming failed")
			continue
		}
		log.WithFields(log.Fields{"experiment": id, "created": created}).Debug("warmed assignment cohort")
	}
	return nil
}

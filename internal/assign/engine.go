// Package assign implements idempotent get-or-create variant assignment,
// cache-aside over the OLTP store. Concurrent callers for the same
// (experiment, user) pair serialize only at the database's unique constraint;
// there are no application-level locks anywhere in the write path.
package assign

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/expflow/expflow/internal/allocator"
	"github.com/expflow/expflow/internal/model"
	"github.com/expflow/expflow/internal/telemetry"
)

// Config tunes the engine.
type Config struct {
	BucketSize int `long:"bucket-size" env:"BUCKET_SIZE" default:"10000" description:"Number of hash buckets for deterministic allocation"`
}

// Store is the OLTP surface the engine needs.
type Store interface {
	GetExperiment(ctx context.Context, id int64) (*model.Experiment, error)
	GetAssignment(ctx context.Context, experimentID int64, userID string) (*model.Assignment, error)
	UpsertAssignment(ctx context.Context, a *model.Assignment, enroll bool) (*model.Assignment, bool, error)
	MarkEnrolled(ctx context.Context, experimentID int64, userID string) (*model.Assignment, error)
	GetAssignmentsForUser(ctx context.Context, userID string, experimentIDs []int64) ([]model.Assignment, error)
	GetAssignmentsForUsers(ctx context.Context, experimentID int64, userIDs []string) ([]model.Assignment, error)
	UpsertAssignmentBatch(ctx context.Context, assignments []model.Assignment) ([]model.Assignment, error)
}

// Cache is the assignment cache surface. Implementations swallow their own
// errors: a failing cache degrades to database reads, never to a failure.
type Cache interface {
	GetAssignment(ctx context.Context, experimentID int64, userID string) *model.Assignment
	SetAssignment(ctx context.Context, a *model.Assignment)
	GetAssignments(ctx context.Context, userID string, experimentIDs []int64) map[int64]*model.Assignment
	SetAssignments(ctx context.Context, assignments []model.Assignment)
}

// Engine computes and persists assignments.
type Engine struct {
	cfg   Config
	store Store
	cache Cache
	now   func() time.Time
}

// NewEngine builds an Engine over the given collaborators.
func NewEngine(cfg Config, store Store, cache Cache) *Engine {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = allocator.DefaultBucketSize
	}
	return &Engine{cfg: cfg, store: store, cache: cache, now: time.Now}
}

// GetOrCreate returns the user's assignment for the experiment, creating it
// deterministically if absent. The result is stable across any interleaving
// of concurrent calls: once a row is persisted, every caller sees it.
func (e *Engine) GetOrCreate(ctx context.Context, experimentID int64, userID string, enroll bool) (*model.Assignment, error) {
	if userID == "" {
		return nil, model.InvalidInputf("user_id is required")
	}

	// Cache probe.
	if cached := e.cache.GetAssignment(ctx, experimentID, userID); cached != nil {
		telemetry.AssignmentsServed.WithLabelValues("cache").Inc()
		if enroll && !cached.Enrolled() {
			return e.enroll(ctx, experimentID, userID)
		}
		return cached, nil
	}

	// OLTP probe.
	existing, err := e.store.GetAssignment(ctx, experimentID, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		telemetry.AssignmentsServed.WithLabelValues("store").Inc()
		if enroll && !existing.Enrolled() {
			return e.enroll(ctx, experimentID, userID)
		}
		e.cache.SetAssignment(ctx, existing)
		return existing, nil
	}

	// Compute and insert.
	exp, err := e.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	computed, err := e.compute(exp, userID)
	if err != nil {
		return nil, err
	}
	// Insert and, when requested, enroll in the same transaction.
	stored, created, err := e.store.UpsertAssignment(ctx, computed, enroll)
	if err != nil {
		return nil, err
	}
	if created {
		telemetry.AssignmentsCreated.Inc()
	}
	telemetry.AssignmentsServed.WithLabelValues("computed").Inc()

	e.cache.SetAssignment(ctx, stored)
	return stored, nil
}

func (e *Engine) enroll(ctx context.Context, experimentID int64, userID string) (*model.Assignment, error) {
	var stored, err = e.store.MarkEnrolled(ctx, experimentID, userID)
	if err != nil {
		return nil, err
	}
	e.cache.SetAssignment(ctx, stored)
	return stored, nil
}

// compute builds the deterministic assignment for an eligible experiment.
func (e *Engine) compute(exp *model.Experiment, userID string) (*model.Assignment, error) {
	if !exp.EligibleAt(e.now()) {
		return nil, model.NotEligiblef("experiment %d (%s) is not accepting assignments", exp.ID, exp.Status)
	}
	if len(exp.Variants) == 0 {
		return nil, model.NotEligiblef("experiment %d has no variants", exp.ID)
	}

	var slots = make([]allocator.Slot, len(exp.Variants))
	for i, v := range exp.Variants {
		slots[i] = allocator.Slot{VariantID: v.ID, AllocationPct: v.AllocationPct}
	}
	return &model.Assignment{
		ExperimentID:      exp.ID,
		UserID:            userID,
		VariantID:         allocator.Assign(userID, exp.Seed, slots, e.cfg.BucketSize),
		ExperimentVersion: exp.Version,
		Source:            model.SourceHash,
	}, nil
}

// GetBulk serves the page-load shape: one user across many experiments.
// One cache MGET, one OLTP IN(...) read for misses, local computation for
// still-missing pairs, a single batched upsert, and one pipelined cache set.
func (e *Engine) GetBulk(ctx context.Context, userID string, experimentIDs []int64) (map[int64]*model.Assignment, error) {
	if userID == "" {
		return nil, model.InvalidInputf("user_id is required")
	}
	var out = make(map[int64]*model.Assignment, len(experimentIDs))
	if len(experimentIDs) == 0 {
		return out, nil
	}

	var missing []int64
	for id, a := range e.cache.GetAssignments(ctx, userID, experimentIDs) {
		out[id] = a
	}
	for _, id := range experimentIDs {
		if _, ok := out[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	existing, err := e.store.GetAssignmentsForUser(ctx, userID, missing)
	if err != nil {
		return nil, err
	}
	var toCache = make([]model.Assignment, 0, len(missing))
	var found = make(map[int64]bool, len(existing))
	for i := range existing {
		var a = &existing[i]
		out[a.ExperimentID] = a
		found[a.ExperimentID] = true
		toCache = append(toCache, *a)
	}

	// Compute assignments for pairs that exist nowhere yet. Ineligible
	// experiments are skipped rather than failing the whole read: a page
	// load may legitimately name paused or completed experiments.
	var computed []model.Assignment
	for _, id := range missing {
		if found[id] {
			continue
		}
		exp, err := e.store.GetExperiment(ctx, id)
		if err != nil {
			if model.IsCode(err, model.CodeNotFound) {
				continue
			}
			return nil, err
		}
		a, err := e.compute(exp, userID)
		if err != nil {
			if model.IsCode(err, model.CodeNotEligible) {
				continue
			}
			return nil, err
		}
		computed = append(computed, *a)
	}
	if len(computed) > 0 {
		stored, err := e.store.UpsertAssignmentBatch(ctx, computed)
		if err != nil {
			return nil, err
		}
		for i := range stored {
			var a = &stored[i]
			out[a.ExperimentID] = a
			toCache = append(toCache, *a)
		}
	}

	e.cache.SetAssignments(ctx, toCache)
	return out, nil
}

// AssignCohort serves the warmup/import shape: many users into one
// experiment. Every write goes through the same conflict-tolerant upsert as
// the single path, so replays and overlaps are harmless.
func (e *Engine) AssignCohort(ctx context.Context, experimentID int64, userIDs []string, source model.AssignmentSource) (int, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	if source == "" {
		source = model.SourceHash
	}

	exp, err := e.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return 0, err
	}
	existing, err := e.store.GetAssignmentsForUsers(ctx, experimentID, userIDs)
	if err != nil {
		return 0, err
	}
	var have = make(map[string]bool, len(existing))
	for i := range existing {
		have[existing[i].UserID] = true
	}

	var computed []model.Assignment
	for _, uid := range userIDs {
		if uid == "" || have[uid] {
			continue
		}
		a, err := e.compute(exp, uid)
		if err != nil {
			return 0, err
		}
		a.Source = source
		computed = append(computed, *a)
	}
	if len(computed) == 0 {
		return 0, nil
	}

	stored, err := e.store.UpsertAssignmentBatch(ctx, computed)
	if err != nil {
		return 0, err
	}
	e.cache.SetAssignments(ctx, stored)

	log.WithFields(log.Fields{
		"experiment": experimentID,
		"requested":  len(userIDs),
		"created":    len(computed),
	}).Info("assigned user cohort")
	return len(computed), nil
}

// Force pins a user to an explicit variant before any organic assignment
// exists. Assignments are immutable, so forcing after the fact conflicts
// rather than silently re-rolling the user.
func (e *Engine) Force(ctx context.Context, experimentID int64, userID string, variantID int64) (*model.Assignment, error) {
	if userID == "" {
		return nil, model.InvalidInputf("user_id is required")
	}
	exp, err := e.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	var valid bool
	for _, v := range exp.Variants {
		if v.ID == variantID {
			valid = true
			break
		}
	}
	if !valid {
		return nil, model.InvalidInputf("variant %d does not belong to experiment %d", variantID, experimentID)
	}

	stored, _, err := e.store.UpsertAssignment(ctx, &model.Assignment{
		ExperimentID:      experimentID,
		UserID:            userID,
		VariantID:         variantID,
		ExperimentVersion: exp.Version,
		Source:            model.SourceForced,
	}, false)
	if err != nil {
		return nil, err
	}
	if stored.VariantID != variantID {
		return nil, model.Conflictf("user %q already assigned to variant %d", userID, stored.VariantID)
	}
	e.cache.SetAssignment(ctx, stored)
	return stored, nil
}

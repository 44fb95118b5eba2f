// Package service is the platform's logical operation surface: experiment
// lifecycle, assignment reads, event intake, and results, with validation and
// lifecycle guards applied before any store is touched. A transport boundary
// (HTTP, RPC) embeds this facade; the facade itself knows nothing about it.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/expflow/expflow/internal/ingest"
	"github.com/expflow/expflow/internal/model"
	"github.com/expflow/expflow/internal/results"
)

// ExperimentStore is the OLTP surface the facade needs. Satisfied by
// *store.Store.
type ExperimentStore interface {
	CreateExperiment(ctx context.Context, exp *model.Experiment) error
	GetExperiment(ctx context.Context, id int64) (*model.Experiment, error)
	GetExperimentByKey(ctx context.Context, key string) (*model.Experiment, error)
	ListExperiments(ctx context.Context, status model.ExperimentStatus, limit, offset int) ([]model.Experiment, error)
	UpdateExperimentStatus(ctx context.Context, id int64, from, to model.ExperimentStatus, kind string) (*model.Experiment, error)
	UpdateVariantAllocations(ctx context.Context, experimentID int64, allocations map[int64]int) (*model.Experiment, error)
	ListUserEvents(ctx context.Context, userID string, experimentID *int64, limit int) ([]model.Event, error)
	ExperimentStats(ctx context.Context, experimentID int64) (*model.ExperimentStats, error)
}

// Assigner serves assignment reads. Satisfied by *assign.Engine.
type Assigner interface {
	GetOrCreate(ctx context.Context, experimentID int64, userID string, enroll bool) (*model.Assignment, error)
	GetBulk(ctx context.Context, userID string, experimentIDs []int64) (map[int64]*model.Assignment, error)
	Force(ctx context.Context, experimentID int64, userID string, variantID int64) (*model.Assignment, error)
}

// Recorder accepts events. Satisfied by *ingest.Ingestor.
type Recorder interface {
	Record(ctx context.Context, ev *model.Event) error
	RecordBatch(ctx context.Context, events []model.Event) (int, []ingest.RowError, error)
}

// ResultsEngine answers results queries. Satisfied by *results.Engine.
type ResultsEngine interface {
	Query(ctx context.Context, experimentID int64, q results.Query) (*results.Response, error)
}

// Invalidator drops cached assignments. Satisfied by *cache.Cache; nil
// disables invalidation.
type Invalidator interface {
	InvalidateExperiment(ctx context.Context, experimentID int64) int64
}

// Service bundles the platform operations behind one facade.
type Service struct {
	store    ExperimentStore
	assigner Assigner
	recorder Recorder
	results  ResultsEngine
	cache    Invalidator
}

// New builds the facade.
func New(store ExperimentStore, assigner Assigner, recorder Recorder, res ResultsEngine, cache Invalidator) *Service {
	return &Service{store: store, assigner: assigner, recorder: recorder, results: res, cache: cache}
}

// VariantSpec describes one variant at creation time.
type VariantSpec struct {
	Key           string           `json:"key"`
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	AllocationPct int              `json:"allocation_pct"`
	IsControl     bool             `json:"is_control"`
	Config        model.Properties `json:"config,omitempty"`
}

// CreateExperimentRequest is the creation shape.
type CreateExperimentRequest struct {
	Key         string           `json:"key"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Seed        string           `json:"seed,omitempty"`
	Variants    []VariantSpec    `json:"variants"`
	StartsAt    *time.Time       `json:"starts_at,omitempty"`
	EndsAt      *time.Time       `json:"ends_at,omitempty"`
	Config      model.Properties `json:"config,omitempty"`
}

func (r *CreateExperimentRequest) validate() error {
	if r.Key == "" {
		return model.InvalidInputf("experiment key is required")
	}
	if r.Name == "" {
		return model.InvalidInputf("experiment name is required")
	}
	if len(r.Variants) == 0 {
		return model.InvalidInputf("at least one variant is required")
	}
	if r.StartsAt != nil && r.EndsAt != nil && r.EndsAt.Before(*r.StartsAt) {
		return model.InvalidInputf("ends_at precedes starts_at")
	}

	var keys = make(map[string]bool, len(r.Variants))
	var controls int
	for _, v := range r.Variants {
		if v.Key == "" {
			return model.InvalidInputf("variant key is required")
		}
		if keys[v.Key] {
			return model.InvalidInputf("duplicate variant key %q", v.Key)
		}
		keys[v.Key] = true
		if v.AllocationPct < 0 || v.AllocationPct > 100 {
			return model.InvalidInputf("variant %q allocation %d out of range", v.Key, v.AllocationPct)
		}
		if v.IsControl {
			controls++
		}
	}
	if controls > 1 {
		return model.InvalidInputf("at most one control variant is allowed")
	}
	return nil
}

// CreateExperiment validates and persists a draft experiment. The seed is
// generated here when the caller leaves it blank, and is fixed thereafter.
func (s *Service) CreateExperiment(ctx context.Context, req CreateExperimentRequest) (*model.Experiment, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var exp = model.Experiment{
		Key:         req.Key,
		Name:        req.Name,
		Description: req.Description,
		Status:      model.StatusDraft,
		Seed:        req.Seed,
		Version:     1,
		Config:      req.Config,
		StartsAt:    req.StartsAt,
		EndsAt:      req.EndsAt,
	}
	if exp.Seed == "" {
		exp.Seed = uuid.NewString()
	}
	for _, v := range req.Variants {
		exp.Variants = append(exp.Variants, model.Variant{
			Key:           v.Key,
			Name:          v.Name,
			Description:   v.Description,
			AllocationPct: v.AllocationPct,
			IsControl:     v.IsControl,
			Config:        v.Config,
		})
	}

	if err := s.store.CreateExperiment(ctx, &exp); err != nil {
		return nil, err
	}
	var sum = exp.AllocationSum()
	if sum != 100 {
		// Legal while drafting; activation will enforce the invariant.
		log.WithFields(log.Fields{
			"experiment": exp.Key,
			"sum":        sum,
		}).Warn("draft created with allocations not summing to 100")
	}
	return &exp, nil
}

// GetExperiment returns an experiment with its ordered variants.
func (s *Service) GetExperiment(ctx context.Context, id int64) (*model.Experiment, error) {
	return s.store.GetExperiment(ctx, id)
}

// GetExperimentByKey resolves an experiment by its human handle.
func (s *Service) GetExperimentByKey(ctx context.Context, key string) (*model.Experiment, error) {
	return s.store.GetExperimentByKey(ctx, key)
}

// ListExperiments lists experiments, optionally filtered by status.
func (s *Service) ListExperiments(ctx context.Context, status model.ExperimentStatus, limit, offset int) ([]model.Experiment, error) {
	if status != "" && !status.Valid() {
		return nil, model.InvalidInputf("unknown status %q", status)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListExperiments(ctx, status, limit, offset)
}

// transition moves an experiment along a lifecycle edge after checking the
// edge is legal and any activation preconditions hold.
func (s *Service) transition(ctx context.Context, id int64, to model.ExperimentStatus, kind string) (*model.Experiment, error) {
	exp, err := s.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exp.Status.CanTransition(to) {
		return nil, model.Conflictf("cannot transition experiment %d from %q to %q", id, exp.Status, to)
	}
	if to == model.StatusActive {
		if len(exp.Variants) < 2 {
			return nil, model.Conflictf("activation requires at least two variants")
		}
		if sum := exp.AllocationSum(); sum != 100 {
			return nil, model.Conflictf("activation requires allocations summing to 100, have %d", sum)
		}
	}
	updated, err := s.store.UpdateExperimentStatus(ctx, id, exp.Status, to, kind)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"experiment": id,
		"from":       exp.Status,
		"to":         to,
	}).Info("experiment transitioned")
	return updated, nil
}

// ActivateExperiment opens an experiment for assignment.
func (s *Service) ActivateExperiment(ctx context.Context, id int64) (*model.Experiment, error) {
	return s.transition(ctx, id, model.StatusActive, model.KindExperimentActivated)
}

// PauseExperiment suspends assignment without ending the experiment.
func (s *Service) PauseExperiment(ctx context.Context, id int64) (*model.Experiment, error) {
	return s.transition(ctx, id, model.StatusPaused, model.KindExperimentPaused)
}

// CompleteExperiment ends the experiment; results remain queryable.
func (s *Service) CompleteExperiment(ctx context.Context, id int64) (*model.Experiment, error) {
	return s.transition(ctx, id, model.StatusCompleted, model.KindExperimentCompleted)
}

// ArchiveExperiment is the terminal transition.
func (s *Service) ArchiveExperiment(ctx context.Context, id int64) (*model.Experiment, error) {
	return s.transition(ctx, id, model.StatusArchived, model.KindExperimentArchived)
}

// UpdateAllocations rewrites a draft's allocation percentages. Edits to live
// experiments are refused: they would re-bucket future users against the
// already-assigned population.
func (s *Service) UpdateAllocations(ctx context.Context, id int64, allocations map[int64]int) (*model.Experiment, error) {
	if len(allocations) == 0 {
		return nil, model.InvalidInputf("no allocations given")
	}
	for variantID, pct := range allocations {
		if pct < 0 || pct > 100 {
			return nil, model.InvalidInputf("variant %d allocation %d out of range", variantID, pct)
		}
	}
	exp, err := s.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != model.StatusDraft {
		return nil, model.Conflictf("variant allocations are editable only in draft, experiment %d is %q", id, exp.Status)
	}

	updated, err := s.store.UpdateVariantAllocations(ctx, id, allocations)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.InvalidateExperiment(ctx, id)
	}
	return updated, nil
}

// GetAssignment returns (creating if needed) the user's assignment.
func (s *Service) GetAssignment(ctx context.Context, experimentID int64, userID string, enroll bool) (*model.Assignment, error) {
	return s.assigner.GetOrCreate(ctx, experimentID, userID, enroll)
}

// BulkGetAssignments serves the page-load shape.
func (s *Service) BulkGetAssignments(ctx context.Context, userID string, experimentIDs []int64) (map[int64]*model.Assignment, error) {
	return s.assigner.GetBulk(ctx, userID, experimentIDs)
}

// ForceAssignment pins a user to a variant ahead of organic assignment.
func (s *Service) ForceAssignment(ctx context.Context, experimentID int64, userID string, variantID int64) (*model.Assignment, error) {
	return s.assigner.Force(ctx, experimentID, userID, variantID)
}

// RecordEvent ingests one event and returns its id.
func (s *Service) RecordEvent(ctx context.Context, ev *model.Event) (string, error) {
	if err := s.recorder.Record(ctx, ev); err != nil {
		return "", err
	}
	return ev.ID, nil
}

// RecordEventBatch ingests a batch, enumerating per-row failures.
func (s *Service) RecordEventBatch(ctx context.Context, events []model.Event) (int, []ingest.RowError, error) {
	return s.recorder.RecordBatch(ctx, events)
}

// GetResults answers a results query.
func (s *Service) GetResults(ctx context.Context, experimentID int64, q results.Query) (*results.Response, error) {
	return s.results.Query(ctx, experimentID, q)
}

// ListUserEvents returns a user's recent events, newest first.
func (s *Service) ListUserEvents(ctx context.Context, userID string, experimentID *int64, limit int) ([]model.Event, error) {
	if userID == "" {
		return nil, model.InvalidInputf("user_id is required")
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.store.ListUserEvents(ctx, userID, experimentID, limit)
}

// GetExperimentStats reports volume telemetry, including events the
// post-assignment filter excludes from results.
func (s *Service) GetExperimentStats(ctx context.Context, experimentID int64) (*model.ExperimentStats, error) {
	if _, err := s.store.GetExperiment(ctx, experimentID); err != nil {
		return nil, err
	}
	return s.store.ExperimentStats(ctx, experimentID)
}

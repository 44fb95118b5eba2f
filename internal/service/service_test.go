package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/expflow/expflow/internal/ingest"
	"github.com/expflow/expflow/internal/model"
	"github.com/expflow/expflow/internal/results"
)

type fakeExperimentStore struct {
	experiments map[int64]*model.Experiment
	nextID      int64
	transitions []string
}

func newFakeExperimentStore() *fakeExperimentStore {
	return &fakeExperimentStore{experiments: map[int64]*model.Experiment{}}
}

func (f *fakeExperimentStore) CreateExperiment(_ context.Context, exp *model.Experiment) error {
	for _, e := range f.experiments {
		if e.Key == exp.Key {
			return model.Conflictf("experiment key %q already exists", exp.Key)
		}
	}
	f.nextID++
	exp.ID = f.nextID
	for i := range exp.Variants {
		exp.Variants[i].ID = exp.ID*100 + int64(i) + 1
		exp.Variants[i].ExperimentID = exp.ID
	}
	var cp = *exp
	f.experiments[exp.ID] = &cp
	return nil
}

func (f *fakeExperimentStore) GetExperiment(_ context.Context, id int64) (*model.Experiment, error) {
	if exp, ok := f.experiments[id]; ok {
		var cp = *exp
		return &cp, nil
	}
	return nil, model.NotFoundf("experiment %d not found", id)
}

func (f *fakeExperimentStore) GetExperimentByKey(_ context.Context, key string) (*model.Experiment, error) {
	for _, exp := range f.experiments {
		if exp.Key == key {
			var cp = *exp
			return &cp, nil
		}
	}
	return nil, model.NotFoundf("experiment %q not found", key)
}

func (f *fakeExperimentStore) ListExperiments(_ context.Context, status model.ExperimentStatus, _, _ int) ([]model.Experiment, error) {
	var out []model.Experiment
	for _, exp := range f.experiments {
		if status == "" || exp.Status == status {
			out = append(out, *exp)
		}
	}
	return out, nil
}

func (f *fakeExperimentStore) UpdateExperimentStatus(_ context.Context, id int64, from, to model.ExperimentStatus, kind string) (*model.Experiment, error) {
	var exp, ok = f.experiments[id]
	if !ok || exp.Status != from {
		return nil, model.Conflictf("experiment %d is not in status %q", id, from)
	}
	exp.Status = to
	f.transitions = append(f.transitions, kind)
	var cp = *exp
	return &cp, nil
}

func (f *fakeExperimentStore) UpdateVariantAllocations(_ context.Context, id int64, allocations map[int64]int) (*model.Experiment, error) {
	var exp, ok = f.experiments[id]
	if !ok {
		return nil, model.NotFoundf("experiment %d not found", id)
	}
	for i := range exp.Variants {
		if pct, ok := allocations[exp.Variants[i].ID]; ok {
			exp.Variants[i].AllocationPct = pct
		}
	}
	exp.Version++
	var cp = *exp
	return &cp, nil
}

func (f *fakeExperimentStore) ListUserEvents(_ context.Context, _ string, _ *int64, _ int) ([]model.Event, error) {
	return nil, nil
}

func (f *fakeExperimentStore) ExperimentStats(_ context.Context, id int64) (*model.ExperimentStats, error) {
	return &model.ExperimentStats{ExperimentID: id}, nil
}

type fakeInvalidator struct {
	invalidated []int64
}

func (f *fakeInvalidator) InvalidateExperiment(_ context.Context, id int64) int64 {
	f.invalidated = append(f.invalidated, id)
	return 1
}

// The facade tests exercise validation and lifecycle logic; assignment,
// ingest, and results calls are pure delegation and are covered in their own
// packages.
type nopAssigner struct{}

func (nopAssigner) GetOrCreate(context.Context, int64, string, bool) (*model.Assignment, error) {
	return &model.Assignment{}, nil
}
func (nopAssigner) GetBulk(context.Context, string, []int64) (map[int64]*model.Assignment, error) {
	return nil, nil
}
func (nopAssigner) Force(context.Context, int64, string, int64) (*model.Assignment, error) {
	return &model.Assignment{}, nil
}

type nopRecorder struct{}

func (nopRecorder) Record(_ context.Context, ev *model.Event) error {
	ev.ID = "ev-1"
	return nil
}
func (nopRecorder) RecordBatch(context.Context, []model.Event) (int, []ingest.RowError, error) {
	return 0, nil, nil
}

type nopResults struct{}

func (nopResults) Query(context.Context, int64, results.Query) (*results.Response, error) {
	return &results.Response{}, nil
}

func newService(store *fakeExperimentStore, inv *fakeInvalidator) *Service {
	return New(store, nopAssigner{}, nopRecorder{}, nopResults{}, inv)
}

func validRequest() CreateExperimentRequest {
	return CreateExperimentRequest{
		Key:  "checkout-cta",
		Name: "Checkout CTA copy",
		Variants: []VariantSpec{
			{Key: "control", Name: "Control", AllocationPct: 50, IsControl: true},
			{Key: "treatment", Name: "Treatment", AllocationPct: 50},
		},
	}
}

func TestCreateExperiment(t *testing.T) {
	var svc = newService(newFakeExperimentStore(), nil)
	var ctx = context.Background()

	exp, err := svc.CreateExperiment(ctx, validRequest())
	require.NoError(t, err)
	require.Equal(t, model.StatusDraft, exp.Status)
	require.NotEmpty(t, exp.Seed, "seed is generated when omitted")
	require.Equal(t, 1, exp.Version)
	require.Len(t, exp.Variants, 2)

	_, err = svc.CreateExperiment(ctx, validRequest())
	require.True(t, model.IsCode(err, model.CodeConflict), "duplicate key conflicts")
}

func TestCreateExperimentValidation(t *testing.T) {
	var svc = newService(newFakeExperimentStore(), nil)
	var ctx = context.Background()

	for name, mutate := range map[string]func(*CreateExperimentRequest){
		"missing key":       func(r *CreateExperimentRequest) { r.Key = "" },
		"missing name":      func(r *CreateExperimentRequest) { r.Name = "" },
		"no variants":       func(r *CreateExperimentRequest) { r.Variants = nil },
		"duplicate variant": func(r *CreateExperimentRequest) { r.Variants[1].Key = "control" },
		"two controls":      func(r *CreateExperimentRequest) { r.Variants[1].IsControl = true },
		"allocation range":  func(r *CreateExperimentRequest) { r.Variants[0].AllocationPct = 101 },
		"inverted window": func(r *CreateExperimentRequest) {
			var start = time.Now()
			var end = start.Add(-time.Hour)
			r.StartsAt, r.EndsAt = &start, &end
		},
	} {
		t.Run(name, func(t *testing.T) {
			var req = validRequest()
			mutate(&req)
			_, err := svc.CreateExperiment(context.Background(), req)
			require.True(t, model.IsCode(err, model.CodeInvalidInput))
		})
	}

	// Under-allocated drafts are allowed; activation enforces the sum.
	var req = validRequest()
	req.Key = "partial"
	req.Variants[1].AllocationPct = 20
	_, err := svc.CreateExperiment(ctx, req)
	require.NoError(t, err)
}

func TestLifecycleGuards(t *testing.T) {
	var store = newFakeExperimentStore()
	var svc = newService(store, nil)
	var ctx = context.Background()

	exp, err := svc.CreateExperiment(ctx, validRequest())
	require.NoError(t, err)

	t.Run("activation checks the allocation sum", func(t *testing.T) {
		store.experiments[exp.ID].Variants[1].AllocationPct = 20
		_, err := svc.ActivateExperiment(ctx, exp.ID)
		require.True(t, model.IsCode(err, model.CodeConflict))
		store.experiments[exp.ID].Variants[1].AllocationPct = 50
	})

	t.Run("activation requires two variants", func(t *testing.T) {
		var single, err = svc.CreateExperiment(ctx, CreateExperimentRequest{
			Key:      "solo",
			Name:     "Solo",
			Variants: []VariantSpec{{Key: "only", Name: "Only", AllocationPct: 100}},
		})
		require.NoError(t, err)
		_, err = svc.ActivateExperiment(ctx, single.ID)
		require.True(t, model.IsCode(err, model.CodeConflict))
	})

	t.Run("legal chain", func(t *testing.T) {
		_, err := svc.ActivateExperiment(ctx, exp.ID)
		require.NoError(t, err)
		_, err = svc.PauseExperiment(ctx, exp.ID)
		require.NoError(t, err)
		_, err = svc.ActivateExperiment(ctx, exp.ID)
		require.NoError(t, err)
		_, err = svc.CompleteExperiment(ctx, exp.ID)
		require.NoError(t, err)
		_, err = svc.ArchiveExperiment(ctx, exp.ID)
		require.NoError(t, err)
	})

	t.Run("archival is terminal", func(t *testing.T) {
		_, err := svc.ActivateExperiment(ctx, exp.ID)
		require.True(t, model.IsCode(err, model.CodeConflict))
	})
}

func TestUpdateAllocations(t *testing.T) {
	var store = newFakeExperimentStore()
	var inv = &fakeInvalidator{}
	var svc = newService(store, inv)
	var ctx = context.Background()

	exp, err := svc.CreateExperiment(ctx, validRequest())
	require.NoError(t, err)
	var v1, v2 = exp.Variants[0].ID, exp.Variants[1].ID

	updated, err := svc.UpdateAllocations(ctx, exp.ID, map[int64]int{v1: 80, v2: 20})
	require.NoError(t, err)
	require.Equal(t, 2, updated.Version, "variant edits bump the version")
	require.Equal(t, []int64{exp.ID}, inv.invalidated)

	_, err = svc.UpdateAllocations(ctx, exp.ID, map[int64]int{v1: 120})
	require.True(t, model.IsCode(err, model.CodeInvalidInput))

	// Allocations freeze once the experiment leaves draft.
	_, err = svc.ActivateExperiment(ctx, exp.ID)
	require.NoError(t, err)
	_, err = svc.UpdateAllocations(ctx, exp.ID, map[int64]int{v1: 50, v2: 50})
	require.True(t, model.IsCode(err, model.CodeConflict))
}

func TestRecordEventReturnsID(t *testing.T) {
	var svc = newService(newFakeExperimentStore(), nil)
	id, err := svc.RecordEvent(context.Background(), &model.Event{UserID: "u-1", EventType: "click"})
	require.NoError(t, err)
	require.Equal(t, "ev-1", id)
}

func TestListUserEventsValidation(t *testing.T) {
	var svc = newService(newFakeExperimentStore(), nil)
	_, err := svc.ListUserEvents(context.Background(), "", nil, 10)
	require.True(t, model.IsCode(err, model.CodeInvalidInput))
}

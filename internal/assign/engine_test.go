package assign

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/expflow/expflow/internal/model"
)

// fakeStore is an in-memory Store honoring the (experiment_id, user_id)
// unique constraint, the serialization point the real database provides.
type fakeStore struct {
	mu                sync.Mutex
	experiments       map[int64]*model.Experiment
	assignments       map[string]*model.Assignment
	nextID            int64
	outbox            []string // event kinds with aggregate ids, in append order
	markEnrolledCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		experiments: map[int64]*model.Experiment{},
		assignments: map[string]*model.Assignment{},
	}
}

func pairKey(experimentID int64, userID string) string {
	return fmt.Sprintf("%d:%s", experimentID, userID)
}

func (s *fakeStore) GetExperiment(_ context.Context, id int64) (*model.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.experiments[id]; ok {
		var cp = *exp
		cp.Variants = append([]model.Variant(nil), exp.Variants...)
		return &cp, nil
	}
	return nil, model.NotFoundf("experiment %d not found", id)
}

func (s *fakeStore) GetAssignment(_ context.Context, experimentID int64, userID string) (*model.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.assignments[pairKey(experimentID, userID)]; ok {
		var cp = *a
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) UpsertAssignment(_ context.Context, a *model.Assignment, enroll bool) (*model.Assignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(a, enroll)
}

func (s *fakeStore) upsertLocked(a *model.Assignment, enroll bool) (*model.Assignment, bool, error) {
	var key = pairKey(a.ExperimentID, a.UserID)
	if existing, ok := s.assignments[key]; ok {
		if enroll && existing.EnrolledAt == nil {
			s.enrollLocked(existing, key)
		}
		var cp = *existing
		return &cp, false, nil
	}
	s.nextID++
	var stored = *a
	stored.ID = s.nextID
	stored.AssignedAt = time.Now().UTC()
	s.assignments[key] = &stored
	s.outbox = append(s.outbox, model.KindAssignmentCreated+":"+key)
	if enroll {
		s.enrollLocked(&stored, key)
	}
	var cp = stored
	return &cp, true, nil
}

func (s *fakeStore) enrollLocked(a *model.Assignment, key string) {
	var now = time.Now().UTC()
	a.EnrolledAt = &now
	s.outbox = append(s.outbox, model.KindAssignmentEnrolled+":"+key)
}

func (s *fakeStore) MarkEnrolled(_ context.Context, experimentID int64, userID string) (*model.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markEnrolledCalls++
	var key = pairKey(experimentID, userID)
	var a, ok = s.assignments[key]
	if !ok {
		return nil, model.NotFoundf("assignment not found")
	}
	if a.EnrolledAt == nil {
		s.enrollLocked(a, key)
	}
	var cp = *a
	return &cp, nil
}

func (s *fakeStore) GetAssignmentsForUser(_ context.Context, userID string, experimentIDs []int64) ([]model.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Assignment
	for _, id := range experimentIDs {
		if a, ok := s.assignments[pairKey(id, userID)]; ok {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *fakeStore) GetAssignmentsForUsers(_ context.Context, experimentID int64, userIDs []string) ([]model.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Assignment
	for _, uid := range userIDs {
		if a, ok := s.assignments[pairKey(experimentID, uid)]; ok {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertAssignmentBatch(_ context.Context, assignments []model.Assignment) ([]model.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out = make([]model.Assignment, 0, len(assignments))
	for i := range assignments {
		stored, _, _ := s.upsertLocked(&assignments[i], false)
		out = append(out, *stored)
	}
	return out, nil
}

func (s *fakeStore) outboxCount(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, rec := range s.outbox {
		if len(rec) >= len(kind) && rec[:len(kind)] == kind {
			n++
		}
	}
	return n
}

// fakeCache is a plain map cache; a nil entry map behaves as always-miss.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*model.Assignment
}

func newFakeCache() *fakeCache { return &fakeCache{entries: map[string]*model.Assignment{}} }

func (c *fakeCache) GetAssignment(_ context.Context, experimentID int64, userID string) *model.Assignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[pairKey(experimentID, userID)]
}

func (c *fakeCache) SetAssignment(_ context.Context, a *model.Assignment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var cp = *a
	c.entries[pairKey(a.ExperimentID, a.UserID)] = &cp
}

func (c *fakeCache) GetAssignments(_ context.Context, userID string, experimentIDs []int64) map[int64]*model.Assignment {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out = map[int64]*model.Assignment{}
	for _, id := range experimentIDs {
		if a, ok := c.entries[pairKey(id, userID)]; ok {
			out[id] = a
		}
	}
	return out
}

func (c *fakeCache) SetAssignments(_ context.Context, assignments []model.Assignment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range assignments {
		var cp = assignments[i]
		c.entries[pairKey(cp.ExperimentID, cp.UserID)] = &cp
	}
}

func activeExperiment(id int64, seed string, allocations ...int) *model.Experiment {
	var exp = &model.Experiment{
		ID:      id,
		Key:     fmt.Sprintf("exp-%d", id),
		Status:  model.StatusActive,
		Seed:    seed,
		Version: 1,
	}
	for i, pct := range allocations {
		exp.Variants = append(exp.Variants, model.Variant{
			ID:            id*100 + int64(i) + 1,
			ExperimentID:  id,
			Key:           fmt.Sprintf("v%d", i),
			AllocationPct: pct,
			IsControl:     i == 0,
		})
	}
	return exp
}

func TestGetOrCreateConcurrentIdempotency(t *testing.T) {
	var store = newFakeStore()
	store.experiments[1] = activeExperiment(1, "s1", 50, 50)
	var engine = NewEngine(Config{}, store, newFakeCache())

	var ctx = context.Background()
	var results = make([]int64, 100)
	var wg sync.WaitGroup
	for i := 0; i != 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := engine.GetOrCreate(ctx, 1, "u-1", false)
			require.NoError(t, err)
			results[i] = a.VariantID
		}(i)
	}
	wg.Wait()

	for _, v := range results {
		require.Equal(t, results[0], v)
	}
	require.Equal(t, 1, store.outboxCount(model.KindAssignmentCreated),
		"exactly one ASSIGNMENT_CREATED record for the pair")
}

func TestGetOrCreateDeterministicAcrossRestarts(t *testing.T) {
	var ctx = context.Background()
	var users = []string{"alice", "bob", "carol", "dave", "erin"}

	var first = make([]int64, len(users))
	for run := 0; run != 2; run++ {
		// Fresh store and cache model a process restart with an empty
		// database: assignment must depend only on (user, seed, variants).
		var store = newFakeStore()
		store.experiments[2] = activeExperiment(2, "fixed-seed", 50, 50)
		var engine = NewEngine(Config{}, store, newFakeCache())

		for i, u := range users {
			a, err := engine.GetOrCreate(ctx, 2, u, false)
			require.NoError(t, err)
			if run == 0 {
				first[i] = a.VariantID
			} else {
				require.Equal(t, first[i], a.VariantID, "user %s", u)
			}
		}
	}
}

func TestAllocationChangeKeepsExistingAssignments(t *testing.T) {
	var ctx = context.Background()
	var store = newFakeStore()
	store.experiments[3] = activeExperiment(3, "s3", 50, 50)
	var engine = NewEngine(Config{}, store, newFakeCache())

	const n = 10000
	var before = make(map[string]int64, n)
	for i := 0; i != n; i++ {
		var u = fmt.Sprintf("old-user-%d", i)
		a, err := engine.GetOrCreate(ctx, 3, u, false)
		require.NoError(t, err)
		before[u] = a.VariantID
	}

	// Reallocate 80/20 and bump the version; variant ids are unchanged.
	store.mu.Lock()
	store.experiments[3].Variants[0].AllocationPct = 80
	store.experiments[3].Variants[1].AllocationPct = 20
	store.experiments[3].Version = 2
	store.mu.Unlock()

	// Existing users keep their original variant.
	for u, want := range before {
		a, err := engine.GetOrCreate(ctx, 3, u, false)
		require.NoError(t, err)
		require.Equal(t, want, a.VariantID)
		require.Equal(t, 1, a.ExperimentVersion)
	}

	// Newly assigned users distribute against the updated allocations.
	var seen = map[int64]int{}
	for i := 0; i != n; i++ {
		a, err := engine.GetOrCreate(ctx, 3, fmt.Sprintf("new-user-%d", i), false)
		require.NoError(t, err)
		seen[a.VariantID]++
		require.Equal(t, 2, a.ExperimentVersion)
	}
	require.InDelta(t, 0.80, float64(seen[301])/n, 0.02)
	require.InDelta(t, 0.20, float64(seen[302])/n, 0.02)
}

func TestGetOrCreateEligibility(t *testing.T) {
	var ctx = context.Background()
	var store = newFakeStore()
	var engine = NewEngine(Config{}, store, newFakeCache())

	_, err := engine.GetOrCreate(ctx, 99, "u-1", false)
	require.True(t, model.IsCode(err, model.CodeNotFound))

	var draft = activeExperiment(4, "s4", 100)
	draft.Status = model.StatusDraft
	store.experiments[4] = draft
	_, err = engine.GetOrCreate(ctx, 4, "u-1", false)
	require.True(t, model.IsCode(err, model.CodeNotEligible))

	var ended = activeExperiment(5, "s5", 100)
	var past = time.Now().Add(-time.Hour)
	ended.EndsAt = &past
	store.experiments[5] = ended
	_, err = engine.GetOrCreate(ctx, 5, "u-1", false)
	require.True(t, model.IsCode(err, model.CodeNotEligible))
}

func TestEnrollmentIsOneShot(t *testing.T) {
	var ctx = context.Background()
	var store = newFakeStore()
	store.experiments[6] = activeExperiment(6, "s6", 100)
	var engine = NewEngine(Config{}, store, newFakeCache())

	a, err := engine.GetOrCreate(ctx, 6, "u-1", false)
	require.NoError(t, err)
	require.False(t, a.Enrolled())

	a, err = engine.GetOrCreate(ctx, 6, "u-1", true)
	require.NoError(t, err)
	require.True(t, a.Enrolled())
	var enrolledAt = *a.EnrolledAt

	// Enrolling again does not move the timestamp or append another record.
	a, err = engine.GetOrCreate(ctx, 6, "u-1", true)
	require.NoError(t, err)
	require.Equal(t, enrolledAt, *a.EnrolledAt)
	require.Equal(t, 1, store.outboxCount(model.KindAssignmentEnrolled))
}

func TestEnrollOnCreateIsSingleWrite(t *testing.T) {
	var ctx = context.Background()
	var store = newFakeStore()
	store.experiments[7] = activeExperiment(7, "s7", 100)
	var engine = NewEngine(Config{}, store, newFakeCache())

	a, err := engine.GetOrCreate(ctx, 7, "u-1", true)
	require.NoError(t, err)
	require.True(t, a.Enrolled())
	require.Equal(t, 1, store.outboxCount(model.KindAssignmentCreated))
	require.Equal(t, 1, store.outboxCount(model.KindAssignmentEnrolled))
	require.Equal(t, 0, store.markEnrolledCalls,
		"creation and enrollment share one transaction")
}

func TestGetBulkMixesCacheStoreAndComputed(t *testing.T) {
	var ctx = context.Background()
	var store = newFakeStore()
	var cache = newFakeCache()
	store.experiments[10] = activeExperiment(10, "s10", 100)
	store.experiments[11] = activeExperiment(11, "s11", 100)
	store.experiments[12] = activeExperiment(12, "s12", 100)
	var paused = activeExperiment(13, "s13", 100)
	paused.Status = model.StatusPaused
	store.experiments[13] = paused

	var engine = NewEngine(Config{}, store, cache)

	// Seed: experiment 10 in cache, 11 only in the store.
	seeded, err := engine.GetOrCreate(ctx, 10, "u-9", false)
	require.NoError(t, err)
	fromStore, err := engine.GetOrCreate(ctx, 11, "u-9", false)
	require.NoError(t, err)
	cache.mu.Lock()
	delete(cache.entries, pairKey(11, "u-9"))
	cache.mu.Unlock()

	out, err := engine.GetBulk(ctx, "u-9", []int64{10, 11, 12, 13, 99})
	require.NoError(t, err)

	require.Equal(t, seeded.VariantID, out[10].VariantID)
	require.Equal(t, fromStore.VariantID, out[11].VariantID)
	require.NotNil(t, out[12], "missing pair is computed and persisted")
	require.NotContains(t, out, int64(13), "paused experiment is skipped")
	require.NotContains(t, out, int64(99), "unknown experiment is skipped")

	// The computed pair is now cached.
	require.NotNil(t, cache.GetAssignment(ctx, 12, "u-9"))
}

func TestAssignCohort(t *testing.T) {
	var ctx = context.Background()
	var store = newFakeStore()
	store.experiments[20] = activeExperiment(20, "s20", 50, 50)
	var engine = NewEngine(Config{}, store, newFakeCache())

	var users = make([]string, 500)
	for i := range users {
		users[i] = fmt.Sprintf("cohort-%d", i)
	}
	created, err := engine.AssignCohort(ctx, 20, users, model.SourceImported)
	require.NoError(t, err)
	require.Equal(t, 500, created)

	// Re-running is a no-op: every pair already exists.
	created, err = engine.AssignCohort(ctx, 20, users, model.SourceImported)
	require.NoError(t, err)
	require.Equal(t, 0, created)
	require.Equal(t, 500, store.outboxCount(model.KindAssignmentCreated))
}

func TestForceAssignment(t *testing.T) {
	var ctx = context.Background()
	var store = newFakeStore()
	store.experiments[30] = activeExperiment(30, "s30", 50, 50)
	var engine = NewEngine(Config{}, store, newFakeCache())

	a, err := engine.Force(ctx, 30, "vip", 3002)
	require.NoError(t, err)
	require.Equal(t, int64(3002), a.VariantID)
	require.Equal(t, model.SourceForced, a.Source)

	// Forcing the same variant again is idempotent.
	a, err = engine.Force(ctx, 30, "vip", 3002)
	require.NoError(t, err)
	require.Equal(t, int64(3002), a.VariantID)

	// Forcing a different variant conflicts: assignments never re-roll.
	_, err = engine.Force(ctx, 30, "vip", 3001)
	require.True(t, model.IsCode(err, model.CodeConflict))

	_, err = engine.Force(ctx, 30, "other", 9999)
	require.True(t, model.IsCode(err, model.CodeInvalidInput))
}

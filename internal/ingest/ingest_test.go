package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/expflow/expflow/internal/model"
)

type fakeStore struct {
	mu          sync.Mutex
	events      []model.Event
	assignments map[string]*model.Assignment
	lookups     int
}

func pair(experimentID int64, userID string) string {
	return fmt.Sprintf("%d:%s", experimentID, userID)
}

func (s *fakeStore) InsertEvent(_ context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *fakeStore) InsertEventBatch(_ context.Context, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *fakeStore) GetAssignment(_ context.Context, experimentID int64, userID string) (*model.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	return s.assignments[pair(experimentID, userID)], nil
}

type fakeCache struct {
	entries map[string]*model.Assignment
}

func (c *fakeCache) GetAssignment(_ context.Context, experimentID int64, userID string) *model.Assignment {
	return c.entries[pair(experimentID, userID)]
}

func (c *fakeCache) SetAssignment(_ context.Context, a *model.Assignment) {
	c.entries[pair(a.ExperimentID, a.UserID)] = a
}

func newIngestor(store *fakeStore) *Ingestor {
	return newIngestorWith(Config{}, store)
}

func newIngestorWith(cfg Config, store *fakeStore) *Ingestor {
	if store.assignments == nil {
		store.assignments = map[string]*model.Assignment{}
	}
	return NewIngestor(cfg, store, &fakeCache{entries: map[string]*model.Assignment{}})
}

func TestRecordValidation(t *testing.T) {
	var in = newIngestor(&fakeStore{})
	var ctx = context.Background()

	var err = in.Record(ctx, &model.Event{EventType: "click"})
	require.True(t, model.IsCode(err, model.CodeInvalidInput))

	err = in.Record(ctx, &model.Event{UserID: "u-1"})
	require.True(t, model.IsCode(err, model.CodeInvalidInput))

	err = in.Record(ctx, &model.Event{UserID: "u-1", EventType: strings.Repeat("x", 65)})
	require.True(t, model.IsCode(err, model.CodeInvalidInput))
}

func TestRecordDefaultsAndDenormalizes(t *testing.T) {
	var assignedAt = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var store = &fakeStore{assignments: map[string]*model.Assignment{
		pair(7, "u-1"): {ExperimentID: 7, UserID: "u-1", VariantID: 701, AssignedAt: assignedAt},
	}}
	var in = newIngestor(store)

	var expID = int64(7)
	var ev = model.Event{ExperimentID: &expID, UserID: "u-1", EventType: "conversion"}
	require.NoError(t, in.Record(context.Background(), &ev))

	require.NotEmpty(t, ev.ID)
	require.False(t, ev.Timestamp.IsZero())
	require.NotNil(t, ev.VariantID)
	require.Equal(t, int64(701), *ev.VariantID)
	require.Equal(t, assignedAt, *ev.AssignmentAt)
	require.Len(t, store.events, 1)
}

func TestRecordWithoutAssignmentStoresAsIs(t *testing.T) {
	var store = &fakeStore{}
	var in = newIngestor(store)

	var expID = int64(9)
	var ev = model.Event{ExperimentID: &expID, UserID: "drive-by", EventType: "exposure"}
	require.NoError(t, in.Record(context.Background(), &ev))

	require.Nil(t, ev.VariantID)
	require.Nil(t, ev.AssignmentAt)
	require.False(t, ev.Valid())
	require.Len(t, store.events, 1)
}

func TestRecordClampsFutureTimestamps(t *testing.T) {
	var store = &fakeStore{}
	var in = newIngestor(store)
	var frozen = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	in.now = func() time.Time { return frozen }

	var ev = model.Event{UserID: "u-1", EventType: "click", Timestamp: frozen.Add(time.Hour)}
	require.NoError(t, in.Record(context.Background(), &ev))
	require.Equal(t, frozen, ev.Timestamp)

	// Small skew is preserved.
	ev = model.Event{UserID: "u-1", EventType: "click", Timestamp: frozen.Add(time.Minute)}
	require.NoError(t, in.Record(context.Background(), &ev))
	require.Equal(t, frozen.Add(time.Minute), ev.Timestamp)
}

func TestRecordBatchPartialRejection(t *testing.T) {
	var store = &fakeStore{assignments: map[string]*model.Assignment{
		pair(3, "u-1"): {ExperimentID: 3, UserID: "u-1", VariantID: 301, AssignedAt: time.Now().Add(-time.Hour)},
	}}
	var in = newIngestor(store)

	var expID = int64(3)
	accepted, failures, err := in.RecordBatch(context.Background(), []model.Event{
		{ExperimentID: &expID, UserID: "u-1", EventType: "exposure"},
		{UserID: "", EventType: "click"},
		{ExperimentID: &expID, UserID: "u-1", EventType: "conversion"},
		{UserID: "u-2", EventType: ""},
	})
	require.NoError(t, err)
	require.Equal(t, 2, accepted)
	require.Len(t, failures, 2)
	require.Equal(t, 1, failures[0].Index)
	require.Equal(t, 3, failures[1].Index)
	require.Len(t, store.events, 2)

	// Both accepted rows share one (experiment, user) pair: one DB lookup.
	require.Equal(t, 1, store.lookups)
	for _, ev := range store.events {
		require.Equal(t, int64(301), *ev.VariantID)
	}
}

func TestRecordBatchSizeLimit(t *testing.T) {
	var in = newIngestor(&fakeStore{})
	var events = make([]model.Event, DefaultBatchMaxRows+1)
	for i := range events {
		events[i] = model.Event{UserID: "u", EventType: "click"}
	}
	_, _, err := in.RecordBatch(context.Background(), events)
	require.True(t, model.IsCode(err, model.CodeInvalidInput))
}

func TestBatchLimitsAreConfigurable(t *testing.T) {
	var store = &fakeStore{}
	var in = newIngestorWith(Config{BatchMaxRows: 2, BatchMaxBytes: 16}, store)
	var ctx = context.Background()

	_, _, err := in.RecordBatch(ctx, []model.Event{
		{UserID: "u", EventType: "click"},
		{UserID: "u", EventType: "click"},
		{UserID: "u", EventType: "click"},
	})
	require.True(t, model.IsCode(err, model.CodeInvalidInput))

	accepted, failures, err := in.RecordBatch(ctx, []model.Event{
		{UserID: "u", EventType: "click"},
		{UserID: "u", EventType: "click", Properties: model.Properties{
			"payload": model.String(strings.Repeat("x", 32)),
		}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, accepted)
	require.Len(t, failures, 1)
	require.Equal(t, 1, failures[0].Index)
}

package maintenance

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/expflow/expflow/internal/model"
	"github.com/expflow/expflow/internal/projector"
)

type fakeOLTP struct {
	maxSeq        int64
	maxSeqCalls   int
	markedThrough int64
	trimCutoff    time.Time
	ensuredAhead  int
	dropCutoff    time.Time
	activeIDs     []int64
}

func (f *fakeOLTP) MaxOutboxSeq(_ context.Context) (int64, error) {
	f.maxSeqCalls++
	return f.maxSeq, nil
}

func (f *fakeOLTP) MarkOutboxProcessed(_ context.Context, throughSeq int64) (int64, error) {
	f.markedThrough = throughSeq
	return 10, nil
}

func (f *fakeOLTP) TrimOutbox(_ context.Context, olderThan time.Time, _ int) (int64, error) {
	f.trimCutoff = olderThan
	return 0, nil
}

func (f *fakeOLTP) EnsureMonthlyPartitions(_ context.Context, ahead int) error {
	f.ensuredAhead = ahead
	return nil
}

func (f *fakeOLTP) DropPartitionsBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	f.dropCutoff = cutoff
	return nil, nil
}

func (f *fakeOLTP) ActiveExperimentIDs(_ context.Context, _ time.Time) ([]int64, error) {
	return f.activeIDs, nil
}

type fakeColumnar struct {
	dropCutoff time.Time
	rows       uint64
	rowCalls   int
}

func (f *fakeColumnar) DropPartitionsBefore(_ context.Context, cutoff time.Time) error {
	f.dropCutoff = cutoff
	return nil
}

func (f *fakeColumnar) ProjectedRowCount(_ context.Context) (uint64, error) {
	f.rowCalls++
	return f.rows, nil
}

type fakeCheckpoints struct {
	cp *projector.Checkpoint
}

func (f *fakeCheckpoints) GetJSON(_ context.Context, key string, out interface{}) bool {
	if f.cp == nil || key != projector.CheckpointKey {
		return false
	}
	raw, _ := json.Marshal(f.cp)
	return json.Unmarshal(raw, out) == nil
}

type fakeWarmer struct {
	calls map[int64][]string
}

func (f *fakeWarmer) AssignCohort(_ context.Context, experimentID int64, userIDs []string, _ model.AssignmentSource) (int, error) {
	if f.calls == nil {
		f.calls = map[int64][]string{}
	}
	f.calls[experimentID] = userIDs
	return len(userIDs), nil
}

func TestSweepTrimsBehindCheckpoint(t *testing.T) {
	var oltp = &fakeOLTP{maxSeq: 800}
	var now = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	var j = NewJanitor(Config{
		OutboxRetention: 30 * 24 * time.Hour,
		EventsRetention: 90 * 24 * time.Hour,
		TrimBatchSize:   1000,
		PartitionsAhead: 2,
	}, oltp, nil, &fakeCheckpoints{cp: &projector.Checkpoint{Seq: 777}}, nil, nil)
	j.now = func() time.Time { return now }

	j.Sweep(context.Background())

	require.Equal(t, int64(777), oltp.markedThrough)
	require.Equal(t, 1, oltp.maxSeqCalls, "backlog is sampled each sweep")
	require.Equal(t, now.Add(-30*24*time.Hour), oltp.trimCutoff)
	require.Equal(t, 2, oltp.ensuredAhead)
	require.Equal(t, now.Add(-90*24*time.Hour), oltp.dropCutoff)
}

func TestSweepSamplesColumnarVolume(t *testing.T) {
	var oltp = &fakeOLTP{}
	var col = &fakeColumnar{rows: 12345}
	var now = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	var j = NewJanitor(Config{
		ProjectedRetention: 730 * 24 * time.Hour,
		TrimBatchSize:      1000,
	}, oltp, col, &fakeCheckpoints{}, nil, nil)
	j.now = func() time.Time { return now }

	j.Sweep(context.Background())

	require.Equal(t, now.Add(-730*24*time.Hour), col.dropCutoff)
	require.Equal(t, 1, col.rowCalls, "row volume is sampled each sweep")
}

func TestSweepWithoutCheckpointNeverMarks(t *testing.T) {
	var oltp = &fakeOLTP{}
	var j = NewJanitor(Config{TrimBatchSize: 1000}, oltp, nil, &fakeCheckpoints{}, nil, nil)

	j.Sweep(context.Background())
	require.Zero(t, oltp.markedThrough, "no checkpoint, no marking")
	require.False(t, oltp.trimCutoff.IsZero(), "trimming of already-processed rows still runs")
}

func TestSweepWarmsCohorts(t *testing.T) {
	var oltp = &fakeOLTP{activeIDs: []int64{5, 6}}
	var warmer = &fakeWarmer{}
	var cohorts = func(_ context.Context, experimentID int64) ([]string, error) {
		if experimentID == 5 {
			return []string{"u-1", "u-2"}, nil
		}
		return nil, nil
	}
	var j = NewJanitor(Config{TrimBatchSize: 1000}, oltp, nil, &fakeCheckpoints{}, warmer, cohorts)

	j.Sweep(context.Background())
	require.Equal(t, []string{"u-1", "u-2"}, warmer.calls[5])
	require.NotContains(t, warmer.calls, int64(6), "empty cohorts are skipped")
}

package projector

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/expflow/expflow/internal/columnar"
)

func envelopeJSON(t *testing.T, op string, after map[string]interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"op":     op,
		"after":  after,
		"source": map[string]interface{}{"table": "outbox"},
		"ts_ms":  1700000000000,
	})
	require.NoError(t, err)
	return raw
}

func TestTransformEventNestedPayload(t *testing.T) {
	var raw = envelopeJSON(t, "c", map[string]interface{}{
		"seq":            42,
		"aggregate_type": "event",
		"aggregate_id":   "ev-1",
		"event_kind":     "EVENT_CREATED",
		"occurred_at":    "2026-08-20T10:00:00Z",
		"payload": map[string]interface{}{
			"id":            "ev-1",
			"experiment_id": 7,
			"user_id":       "u-1",
			"variant_id":    701,
			"event_type":    "conversion",
			"ts":            "2026-08-20T10:00:00.500Z",
			"assignment_at": "2026-08-20T09:00:00Z",
			"properties":    map[string]interface{}{"value": 9.5, "page": "/checkout"},
			"session_id":    "sess-1",
		},
	})
	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	row, ok, err := Transform(env)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, "ev-1", row.AggregateID)
	require.Equal(t, uint64(42), row.Seq)
	require.Equal(t, int64(7), row.ExperimentID)
	require.Equal(t, int64(701), row.VariantID)
	require.Equal(t, "conversion", row.EventType)
	require.Equal(t, time.Date(2026, 8, 20, 10, 0, 0, 500e6, time.UTC), row.Timestamp)
	require.Equal(t, time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC), *row.AssignmentAt)
	require.JSONEq(t, `{"value":9.5,"page":"/checkout"}`, row.Properties)
}

func TestTransformStringEncodedPayload(t *testing.T) {
	var raw = envelopeJSON(t, "r", map[string]interface{}{
		"seq":            43,
		"aggregate_type": "event",
		"aggregate_id":   "ev-2",
		"event_kind":     "EVENT_CREATED",
		"occurred_at":    "2026-08-20 10:05:00",
		"payload":        `{"id":"ev-2","experiment_id":7,"user_id":"u-2","event_type":"click"}`,
	})
	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	row, ok, err := Transform(env)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, "click", row.EventType)
	// Missing numerics default to zero; missing timestamps fall back to
	// occurred_at; missing strings to empty.
	require.Equal(t, int64(0), row.VariantID)
	require.Nil(t, row.AssignmentAt)
	require.Equal(t, time.Date(2026, 8, 20, 10, 5, 0, 0, time.UTC), row.Timestamp)
	require.Equal(t, "", row.SessionID)
}

func TestTransformSkipsNonProjectedRecords(t *testing.T) {
	for _, tc := range []struct {
		name string
		op   string
		agg  string
	}{
		{"update op", "u", "event"},
		{"delete op", "d", "event"},
		{"experiment aggregate", "c", "experiment"},
		{"variant aggregate", "c", "variant"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var raw = envelopeJSON(t, tc.op, map[string]interface{}{
				"seq":            1,
				"aggregate_type": tc.agg,
				"aggregate_id":   "x",
				"event_kind":     "EVENT_CREATED",
				"payload":        map[string]interface{}{},
			})
			env, err := DecodeEnvelope(raw)
			require.NoError(t, err)
			_, ok, err := Transform(env)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestTransformAssignment(t *testing.T) {
	var raw = envelopeJSON(t, "c", map[string]interface{}{
		"seq":            9,
		"aggregate_type": "assignment",
		"aggregate_id":   "7:u-3",
		"event_kind":     "ASSIGNMENT_CREATED",
		"payload": map[string]interface{}{
			"experiment_id": 7,
			"user_id":       "u-3",
			"variant_id":    702,
			"assigned_at":   "2026-08-20T11:00:00Z",
		},
	})
	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	row, ok, err := Transform(env)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, "assignment", row.EventType)
	require.Equal(t, int64(702), row.VariantID)
	require.Equal(t, row.Timestamp, *row.AssignmentAt)
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`not json`))
	require.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"before":null}`))
	require.Error(t, err, "missing op")

	env, err := DecodeEnvelope([]byte(`{"op":"c","after":null}`))
	require.NoError(t, err)
	_, _, err = Transform(env)
	require.Error(t, err, "missing after image")
}

func TestParseTimePermissive(t *testing.T) {
	var want = time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	for _, s := range []string{
		"2026-08-20T10:00:00Z",
		"2026-08-20T10:00:00+00:00",
		"2026-08-20T10:00:00",
		"2026-08-20 10:00:00",
	} {
		require.Equal(t, want, parseTime(s), "input %q", s)
	}
	require.True(t, parseTime("garbage").IsZero())
	require.True(t, parseTime(nil).IsZero())
}

// failingSink rejects any batch containing the poison aggregate id.
type failingSink struct {
	poison   string
	inserted []columnar.ProjectedEvent
	calls    int
}

func (s *failingSink) InsertProjected(_ context.Context, rows []columnar.ProjectedEvent) error {
	s.calls++
	for _, r := range rows {
		if r.AggregateID == s.poison {
			return fmt.Errorf("malformed value in row %s", r.AggregateID)
		}
	}
	s.inserted = append(s.inserted, rows...)
	return nil
}

func TestBisectIsolatesPoisonRecord(t *testing.T) {
	var sink = &failingSink{poison: "ev-poison"}
	var c = &Consumer{cfg: Config{MaxAttempts: 1}, sink: sink}

	var rows = make([]columnar.ProjectedEvent, 8)
	var recs = make([]*kgo.Record, 8)
	for i := range rows {
		rows[i] = columnar.ProjectedEvent{AggregateID: fmt.Sprintf("ev-%d", i), Seq: uint64(i)}
		recs[i] = &kgo.Record{Value: []byte("{}")}
	}
	rows[5].AggregateID = "ev-poison"

	require.NoError(t, c.insertBisecting(context.Background(), rows, recs))

	// Every healthy row landed exactly once; the poison row never did.
	require.Len(t, sink.inserted, 7)
	for _, r := range sink.inserted {
		require.NotEqual(t, "ev-poison", r.AggregateID)
	}
}

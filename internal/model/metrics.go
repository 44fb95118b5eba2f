package model

import "time"

// VariantTotals are the per-variant counters both stores can produce over a
// time window, restricted to post-assignment-valid events. The hot (OLTP) and
// cold (columnar) paths must agree on these for any closed window.
type VariantTotals struct {
	VariantID      int64
	TotalEvents    int64
	Exposures      int64
	Conversions    int64
	Clicks         int64
	UniqueUsers    int64
	UniqueSessions int64
	TotalValue     float64
	ValueCount     int64
}

// Add folds other into t, for fusing a columnar slice with an OLTP slice.
// The two slices cover disjoint time ranges, so distinct counts sum as an
// upper bound rather than an exact distinct.
func (t *VariantTotals) Add(other VariantTotals) {
	t.TotalEvents += other.TotalEvents
	t.Exposures += other.Exposures
	t.Conversions += other.Conversions
	t.Clicks += other.Clicks
	t.UniqueUsers += other.UniqueUsers
	t.UniqueSessions += other.UniqueSessions
	t.TotalValue += other.TotalValue
	t.ValueCount += other.ValueCount
}

// TimeBucket is one point of a per-variant time series.
type TimeBucket struct {
	Start       time.Time
	VariantID   int64
	TotalEvents int64
	Exposures   int64
	Conversions int64
	Clicks      int64
	UniqueUsers int64
	TotalValue  float64
}

// ExperimentStats are coarse volume counters for an experiment, including
// events excluded by the post-assignment filter. This is telemetry, not a
// results metric.
type ExperimentStats struct {
	ExperimentID  int64      `json:"experiment_id"`
	TotalUsers    int64      `json:"total_users"`
	EnrolledUsers int64      `json:"enrolled_users"`
	TotalEvents   int64      `json:"total_events"`
	InvalidEvents int64      `json:"invalid_events"`
	FirstEventAt  *time.Time `json:"first_event_at,omitempty"`
	LastEventAt   *time.Time `json:"last_event_at,omitempty"`
}

// Package results answers experiment performance queries, routing between the
// transactional store for fresh windows and the columnar aggregates for
// historical ones, and fusing the two when a window straddles the boundary.
package results

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/expflow/expflow/internal/model"
	"github.com/expflow/expflow/internal/telemetry"
)

// hotWindow is the trailing window served from OLTP. Anything older is the
// columnar store's responsibility.
const hotWindow = time.Hour

// Granularities accepted by Query.
const (
	GranularityRealtime = "realtime"
	GranularityHour     = "hour"
	GranularityDay      = "day"
)

// Metric names the engine computes.
const (
	MetricConversionRate = "conversion_rate"
	MetricUniqueUsers    = "unique_users"
	MetricAvgValue       = "avg_value"
)

// DefaultMinSample is the exposure count below which no CI is emitted.
const DefaultMinSample = 100

// Query is one results request.
type Query struct {
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	EventTypes  []string   `json:"event_types,omitempty"`
	Granularity string     `json:"granularity,omitempty"`
	Metrics     []string   `json:"metrics,omitempty"`
	IncludeCI   bool       `json:"include_ci,omitempty"`
	MinSample   int        `json:"min_sample,omitempty"`
}

// Metric is one computed metric for one variant.
type Metric struct {
	Value         float64  `json:"value"`
	SampleSize    int64    `json:"sample_size"`
	CILower       *float64 `json:"ci_lower,omitempty"`
	CIUpper       *float64 `json:"ci_upper,omitempty"`
	LiftVsControl *float64 `json:"lift_vs_control,omitempty"`
}

// TimeSeriesPoint is one bucket of a variant's series.
type TimeSeriesPoint struct {
	Start       time.Time `json:"start"`
	TotalEvents int64     `json:"total_events"`
	Exposures   int64     `json:"exposures"`
	Conversions int64     `json:"conversions"`
	Clicks      int64     `json:"clicks"`
	UniqueUsers int64     `json:"unique_users"`
	TotalValue  float64   `json:"total_value"`
}

// VariantResult is one variant's slice of the response.
type VariantResult struct {
	ID         int64             `json:"id"`
	Key        string            `json:"key"`
	IsControl  bool              `json:"is_control"`
	Metrics    map[string]Metric `json:"metrics"`
	TimeSeries []TimeSeriesPoint `json:"time_series,omitempty"`
}

// Summary heads the response.
type Summary struct {
	Status         model.ExperimentStatus `json:"status"`
	TotalUsers     int64                  `json:"total_users"`
	DurationHours  float64                `json:"duration_hours"`
	WinningVariant *string                `json:"winning_variant"`
}

// Metadata echoes the resolved query.
type Metadata struct {
	Query       Query     `json:"query"`
	Route       string    `json:"route"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Response is a full results answer. The engine never returns a partial one:
// any store failure fails the query.
type Response struct {
	ExperimentID int64           `json:"experiment_id"`
	Summary      Summary         `json:"summary"`
	Variants     []VariantResult `json:"variants"`
	Metadata     Metadata        `json:"metadata"`
}

// OLTP is the hot-path store surface. Satisfied by *store.Store.
type OLTP interface {
	GetExperiment(ctx context.Context, id int64) (*model.Experiment, error)
	VariantTotals(ctx context.Context, experimentID int64, start, end time.Time, eventTypes []string) (map[int64]model.VariantTotals, error)
	EventTimeSeries(ctx context.Context, experimentID int64, start, end time.Time, granularity string, eventTypes []string) ([]model.TimeBucket, error)
}

// Columnar is the cold-path store surface. Satisfied by *columnar.Client.
type Columnar interface {
	VariantTotals(ctx context.Context, experimentID int64, start, end time.Time, eventTypes []string) (map[int64]model.VariantTotals, error)
	EventTimeSeries(ctx context.Context, experimentID int64, start, end time.Time, granularity string, eventTypes []string) ([]model.TimeBucket, error)
}

// ResponseCache caches whole responses. Satisfied by *cache.Cache.
type ResponseCache interface {
	GetJSON(ctx context.Context, key string, out interface{}) bool
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration)
}

// Config tunes the engine.
type Config struct {
	ResultsTTLRealtime time.Duration `long:"results-ttl-realtime" env:"RESULTS_TTL_REALTIME" default:"60s" description:"Response cache TTL for realtime queries"`
	ResultsTTLOther    time.Duration `long:"results-ttl-other" env:"RESULTS_TTL_OTHER" default:"5m" description:"Response cache TTL for historical queries"`
	DefaultMinSample   int           `long:"default-min-sample" env:"DEFAULT_MIN_SAMPLE" default:"100" description:"Exposure floor for emitting confidence intervals"`
}

// Engine routes and computes results.
type Engine struct {
	cfg      Config
	oltp     OLTP
	columnar Columnar
	cache    ResponseCache
	now      func() time.Time
}

// NewEngine builds an Engine over the given stores.
func NewEngine(cfg Config, oltp OLTP, col Columnar, cache ResponseCache) *Engine {
	if cfg.DefaultMinSample == 0 {
		cfg.DefaultMinSample = DefaultMinSample
	}
	if cfg.ResultsTTLRealtime == 0 {
		cfg.ResultsTTLRealtime = time.Minute
	}
	if cfg.ResultsTTLOther == 0 {
		cfg.ResultsTTLOther = 5 * time.Minute
	}
	return &Engine{cfg: cfg, oltp: oltp, columnar: col, cache: cache, now: time.Now}
}

// normalize resolves defaults and validates the window.
func (e *Engine) normalize(q *Query, now time.Time) error {
	switch q.Granularity {
	case GranularityRealtime, GranularityHour, GranularityDay:
	case "":
		q.Granularity = GranularityHour
	default:
		return model.InvalidInputf("unknown granularity %q", q.Granularity)
	}
	if q.EndDate == nil {
		q.EndDate = &now
	}
	if q.StartDate == nil {
		var start = now.Add(-24 * time.Hour)
		if q.Granularity == GranularityRealtime {
			start = now.Add(-hotWindow)
		}
		q.StartDate = &start
	}
	if q.EndDate.Before(*q.StartDate) {
		return model.InvalidInputf("end date precedes start date")
	}
	if len(q.Metrics) == 0 {
		q.Metrics = []string{MetricConversionRate, MetricUniqueUsers, MetricAvgValue}
	}
	if q.MinSample == 0 {
		q.MinSample = e.cfg.DefaultMinSample
	}
	return nil
}

// route picks the serving store for the normalized window. Only realtime
// queries and hour-granularity windows inside the trailing hour are hot;
// everything else is answered from the columnar store, fusing an OLTP slice
// when the window straddles the boundary.
func (e *Engine) route(q *Query, now time.Time) string {
	var boundary = now.Add(-hotWindow)
	if q.Granularity == GranularityRealtime {
		return "hot"
	}
	if q.Granularity == GranularityHour && !q.StartDate.Before(boundary) {
		return "hot"
	}
	if !q.EndDate.After(boundary) || !q.StartDate.Before(boundary) {
		return "cold"
	}
	return "fused"
}

// cacheKey binds the full normalized query to the experiment's version, so
// variant-set edits invalidate implicitly.
func cacheKey(experimentID int64, version int, q *Query) string {
	var canonical = model.Properties{
		"start":       model.String(q.StartDate.UTC().Format(time.RFC3339Nano)),
		"end":         model.String(q.EndDate.UTC().Format(time.RFC3339Nano)),
		"granularity": model.String(q.Granularity),
		"types":       model.String(fmt.Sprintf("%v", q.EventTypes)),
		"metrics":     model.String(fmt.Sprintf("%v", q.Metrics)),
		"ci":          model.Bool(q.IncludeCI),
		"min_sample":  model.Int(int64(q.MinSample)),
	}.CanonicalJSON()
	var sum = sha256.Sum256(canonical)
	return fmt.Sprintf("results:v1:exp:%d:ver:%d:%s", experimentID, version, hex.EncodeToString(sum[:16]))
}

// Query answers one results request.
func (e *Engine) Query(ctx context.Context, experimentID int64, q Query) (*Response, error) {
	var now = e.now().UTC()
	if err := e.normalize(&q, now); err != nil {
		return nil, err
	}

	exp, err := e.oltp.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	var key = cacheKey(experimentID, exp.Version, &q)
	var route = e.route(&q, now)
	if e.cache != nil {
		var cached Response
		if e.cache.GetJSON(ctx, key, &cached) {
			telemetry.ResultsQueries.WithLabelValues(route, "hit").Inc()
			return &cached, nil
		}
	}
	telemetry.ResultsQueries.WithLabelValues(route, "miss").Inc()

	totals, err := e.fetchTotals(ctx, experimentID, &q, route, now)
	if err != nil {
		return nil, err
	}
	series, err := e.fetchSeries(ctx, experimentID, &q, route, now)
	if err != nil {
		return nil, err
	}

	var resp = e.assemble(exp, &q, route, now, totals, series)
	if e.cache != nil {
		var ttl = e.cfg.ResultsTTLOther
		if q.Granularity == GranularityRealtime {
			ttl = e.cfg.ResultsTTLRealtime
		}
		e.cache.SetJSON(ctx, key, resp, ttl)
	}
	return resp, nil
}

// fetchTotals runs the routed totals reads. The fused case sums a columnar
// slice [start, boundary) with an OLTP slice [boundary, end); the slices are
// disjoint, so counters add without double counting.
func (e *Engine) fetchTotals(ctx context.Context, experimentID int64, q *Query, route string, now time.Time) (map[int64]model.VariantTotals, error) {
	var start, end = *q.StartDate, *q.EndDate
	switch route {
	case "hot":
		return e.oltp.VariantTotals(ctx, experimentID, start, end, q.EventTypes)
	case "cold":
		return e.columnar.VariantTotals(ctx, experimentID, start, end, q.EventTypes)
	}

	var boundary = now.Add(-hotWindow)
	cold, err := e.columnar.VariantTotals(ctx, experimentID, start, boundary, q.EventTypes)
	if err != nil {
		return nil, fmt.Errorf("columnar slice: %w", err)
	}
	hot, err := e.oltp.VariantTotals(ctx, experimentID, boundary, end, q.EventTypes)
	if err != nil {
		return nil, fmt.Errorf("hot slice: %w", err)
	}
	for id, t := range hot {
		var fused = cold[id]
		fused.VariantID = id
		fused.Add(t)
		cold[id] = fused
	}
	return cold, nil
}

func (e *Engine) fetchSeries(ctx context.Context, experimentID int64, q *Query, route string, now time.Time) ([]model.TimeBucket, error) {
	var start, end = *q.StartDate, *q.EndDate
	var granularity = q.Granularity
	if granularity == GranularityRealtime {
		granularity = GranularityHour
	}
	switch route {
	case "hot":
		return e.oltp.EventTimeSeries(ctx, experimentID, start, end, granularity, q.EventTypes)
	case "cold":
		return e.columnar.EventTimeSeries(ctx, experimentID, start, end, granularity, q.EventTypes)
	}

	var boundary = now.Add(-hotWindow)
	cold, err := e.columnar.EventTimeSeries(ctx, experimentID, start, boundary, granularity, q.EventTypes)
	if err != nil {
		return nil, fmt.Errorf("columnar series: %w", err)
	}
	hot, err := e.oltp.EventTimeSeries(ctx, experimentID, boundary, end, granularity, q.EventTypes)
	if err != nil {
		return nil, fmt.Errorf("hot series: %w", err)
	}
	return append(cold, hot...), nil
}

// assemble computes per-variant metrics, lift, the Wilson intervals, and the
// winner, in the experiment's variant order.
func (e *Engine) assemble(exp *model.Experiment, q *Query, route string, now time.Time,
	totals map[int64]model.VariantTotals, series []model.TimeBucket) *Response {

	var control = exp.ControlVariant()
	var controlTotals model.VariantTotals
	if control != nil {
		controlTotals = totals[control.ID]
	}

	var seriesByVariant = make(map[int64][]TimeSeriesPoint)
	for _, b := range series {
		seriesByVariant[b.VariantID] = append(seriesByVariant[b.VariantID], TimeSeriesPoint{
			Start:       b.Start,
			TotalEvents: b.TotalEvents,
			Exposures:   b.Exposures,
			Conversions: b.Conversions,
			Clicks:      b.Clicks,
			UniqueUsers: b.UniqueUsers,
			TotalValue:  b.TotalValue,
		})
	}

	var resp = Response{
		ExperimentID: exp.ID,
		Summary: Summary{
			Status: exp.Status,
		},
		Metadata: Metadata{Query: *q, Route: route, GeneratedAt: now},
	}
	if exp.StartsAt != nil {
		var until = now
		if exp.EndsAt != nil && exp.EndsAt.Before(now) {
			until = *exp.EndsAt
		}
		resp.Summary.DurationHours = until.Sub(*exp.StartsAt).Hours()
	}

	type candidate struct {
		key          string
		lift         float64
		lower, upper float64
		hasCI        bool
	}
	var candidates []candidate

	for _, v := range exp.Variants {
		var t = totals[v.ID]
		var vr = VariantResult{
			ID:         v.ID,
			Key:        v.Key,
			IsControl:  v.IsControl,
			Metrics:    make(map[string]Metric, len(q.Metrics)),
			TimeSeries: seriesByVariant[v.ID],
		}
		resp.Summary.TotalUsers += t.UniqueUsers

		for _, name := range q.Metrics {
			var m Metric
			switch name {
			case MetricConversionRate:
				m.SampleSize = t.Exposures
				if t.Exposures > 0 {
					m.Value = float64(t.Conversions) / float64(t.Exposures)
				}
				if q.IncludeCI && t.Exposures >= int64(q.MinSample) {
					if lower, upper, ok := WilsonInterval(t.Conversions, t.Exposures); ok {
						m.CILower, m.CIUpper = &lower, &upper
					}
				}
			case MetricUniqueUsers:
				m.SampleSize = t.TotalEvents
				m.Value = float64(t.UniqueUsers)
			case MetricAvgValue:
				m.SampleSize = t.ValueCount
				if t.ValueCount > 0 {
					m.Value = t.TotalValue / float64(t.ValueCount)
				}
			default:
				continue
			}

			if control != nil && !v.IsControl {
				var controlValue = metricValue(name, controlTotals)
				if lift, ok := Lift(m.Value, controlValue); ok {
					var l = lift
					m.LiftVsControl = &l
				}
			}
			vr.Metrics[name] = m
		}

		if !v.IsControl {
			if m, ok := vr.Metrics[MetricConversionRate]; ok && m.LiftVsControl != nil && *m.LiftVsControl > 0 {
				var c = candidate{key: v.Key, lift: *m.LiftVsControl}
				if m.CILower != nil && m.CIUpper != nil {
					c.lower, c.upper, c.hasCI = *m.CILower, *m.CIUpper, true
				}
				candidates = append(candidates, c)
			}
		}
		resp.Variants = append(resp.Variants, vr)
	}

	// Winner: largest positive conversion-rate lift whose CI does not
	// overlap the control's. Anything less is inconclusive.
	if control != nil && len(candidates) > 0 {
		var controlResult *VariantResult
		for i := range resp.Variants {
			if resp.Variants[i].IsControl {
				controlResult = &resp.Variants[i]
			}
		}
		var controlCI = Metric{}
		if controlResult != nil {
			controlCI = controlResult.Metrics[MetricConversionRate]
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].lift > candidates[j].lift })
		for _, c := range candidates {
			if !c.hasCI || controlCI.CILower == nil || controlCI.CIUpper == nil {
				continue
			}
			if c.lower > *controlCI.CIUpper || c.upper < *controlCI.CILower {
				var winner = c.key
				resp.Summary.WinningVariant = &winner
				break
			}
		}
	}
	if resp.Summary.WinningVariant == nil {
		log.WithField("experiment", exp.ID).Debug("results inconclusive")
	}
	return &resp
}

// metricValue extracts the named metric's raw value from totals.
func metricValue(name string, t model.VariantTotals) float64 {
	switch name {
	case MetricConversionRate:
		if t.Exposures > 0 {
			return float64(t.Conversions) / float64(t.Exposures)
		}
	case MetricUniqueUsers:
		return float64(t.UniqueUsers)
	case MetricAvgValue:
		if t.ValueCount > 0 {
			return t.TotalValue / float64(t.ValueCount)
		}
	}
	return 0
}

// Package projector drains the CDC topic carrying the outbox stream and
// projects event and assignment records into the columnar store.
package projector

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/expflow/expflow/internal/columnar"
	"github.com/expflow/expflow/internal/model"
)

// Envelope is the Debezium-style change record wrapping one outbox row.
// Unknown fields are ignored; missing fields are defaulted downstream.
type Envelope struct {
	Op     string          `json:"op"`
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
	Source json.RawMessage `json:"source"`
	TsMs   int64           `json:"ts_ms"`
}

// outboxRow is the decoded `after` image of one outbox record. Payload is
// kept raw here; field extraction happens per aggregate type.
type outboxRow struct {
	Seq           uint64
	AggregateType string
	AggregateID   string
	EventKind     string
	Payload       map[string]interface{}
	OccurredAt    time.Time
}

// DecodeEnvelope parses one raw CDC record. Both envelope shapes on the wire
// are tolerated: `after.payload` may be a nested JSON object or a JSON string
// containing an encoded object.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Op == "" {
		return nil, fmt.Errorf("envelope has no op")
	}
	return &env, nil
}

// decodeAfter extracts the outbox row from the envelope's after image.
func decodeAfter(env *Envelope) (*outboxRow, error) {
	if len(env.After) == 0 || string(env.After) == "null" {
		return nil, fmt.Errorf("envelope has no after image")
	}
	var after map[string]interface{}
	if err := json.Unmarshal(env.After, &after); err != nil {
		return nil, fmt.Errorf("decoding after image: %w", err)
	}

	var row = outboxRow{
		Seq:           uint64(asFloat(after["seq"])),
		AggregateType: asString(after["aggregate_type"]),
		AggregateID:   asString(after["aggregate_id"]),
		EventKind:     asString(after["event_kind"]),
	}
	row.OccurredAt = parseTime(after["occurred_at"])
	if row.OccurredAt.IsZero() && env.TsMs != 0 {
		row.OccurredAt = time.UnixMilli(env.TsMs).UTC()
	}

	switch payload := after["payload"].(type) {
	case map[string]interface{}:
		row.Payload = payload
	case string:
		// Some producers double-encode the snapshot.
		if err := json.Unmarshal([]byte(payload), &row.Payload); err != nil {
			return nil, fmt.Errorf("decoding string payload: %w", err)
		}
	case nil:
		row.Payload = map[string]interface{}{}
	default:
		return nil, fmt.Errorf("payload has unexpected type %T", payload)
	}
	return &row, nil
}

// asString extracts a string with empty-string defaulting.
func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// asFloat extracts a numeric with zero defaulting. json.Unmarshal into
// interface{} yields float64 for all numbers.
func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		var f, _ = n.Float64()
		return f
	}
	return 0
}

// timeLayouts are tried in order by parseTime. Producers vary between
// RFC 3339 with and without sub-second precision, a trailing Z, an explicit
// offset, or a space separator.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseTime parses a timestamp value permissively, returning the zero time
// when nothing matches. Numeric values are epoch milliseconds.
func parseTime(v interface{}) time.Time {
	switch t := v.(type) {
	case string:
		var s = strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC()
			}
		}
	case float64:
		if t != 0 {
			return time.UnixMilli(int64(t)).UTC()
		}
	}
	return time.Time{}
}

// Transform translates one envelope into a projected row. The second return
// reports whether the record projects at all: retention updates and deletes on
// the outbox, and aggregates other than event and assignment, are skipped.
func Transform(env *Envelope) (*columnar.ProjectedEvent, bool, error) {
	switch env.Op {
	case "c", "r":
	default:
		return nil, false, nil
	}
	row, err := decodeAfter(env)
	if err != nil {
		return nil, false, err
	}

	switch model.AggregateType(row.AggregateType) {
	case model.AggregateEvent:
		return transformEvent(row)
	case model.AggregateAssignment:
		return transformAssignment(row)
	default:
		return nil, false, nil
	}
}

func transformEvent(row *outboxRow) (*columnar.ProjectedEvent, bool, error) {
	var p = row.Payload
	var out = columnar.ProjectedEvent{
		AggregateID:  row.AggregateID,
		Seq:          row.Seq,
		EventID:      asString(p["id"]),
		ExperimentID: int64(asFloat(p["experiment_id"])),
		UserID:       asString(p["user_id"]),
		VariantID:    int64(asFloat(p["variant_id"])),
		EventType:    asString(p["event_type"]),
		SessionID:    asString(p["session_id"]),
		RequestID:    asString(p["request_id"]),
	}
	if out.EventID == "" {
		out.EventID = row.AggregateID
	}
	out.Timestamp = parseTime(p["ts"])
	if out.Timestamp.IsZero() {
		out.Timestamp = row.OccurredAt
	}
	if at := parseTime(p["assignment_at"]); !at.IsZero() {
		out.AssignmentAt = &at
	}
	out.Properties = encodeProperties(p["properties"])
	return &out, true, nil
}

// transformAssignment projects assignment records as synthetic rows so the
// columnar store can answer enrollment and audience questions without a trip
// back to OLTP. They carry non-metric event types and never affect
// conversion counters.
func transformAssignment(row *outboxRow) (*columnar.ProjectedEvent, bool, error) {
	var p = row.Payload
	var eventType = "assignment"
	if row.EventKind == model.KindAssignmentEnrolled {
		eventType = "enrollment"
	}
	var out = columnar.ProjectedEvent{
		AggregateID:  row.AggregateID,
		Seq:          row.Seq,
		EventID:      row.AggregateID,
		ExperimentID: int64(asFloat(p["experiment_id"])),
		UserID:       asString(p["user_id"]),
		VariantID:    int64(asFloat(p["variant_id"])),
		EventType:    eventType,
		Properties:   "{}",
	}
	out.Timestamp = parseTime(p["assigned_at"])
	if out.Timestamp.IsZero() {
		out.Timestamp = row.OccurredAt
	}
	var at = out.Timestamp
	out.AssignmentAt = &at
	return &out, true, nil
}

// encodeProperties re-encodes the opaque properties map as a JSON string;
// the columnar table extracts known keys server-side.
func encodeProperties(v interface{}) string {
	if v == nil {
		return "{}"
	}
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

package model

import "time"

// AggregateType names the entity a domain event describes.
type AggregateType string

const (
	AggregateExperiment AggregateType = "experiment"
	AggregateVariant    AggregateType = "variant"
	AggregateAssignment AggregateType = "assignment"
	AggregateEvent      AggregateType = "event"
)

// Outbox event kinds. The payload is always a full post-image snapshot of
// the entity, never a diff: consumers interpret records without any lookup
// back into the transactional store.
const (
	KindExperimentCreated   = "EXPERIMENT_CREATED"
	KindExperimentUpdated   = "EXPERIMENT_UPDATED"
	KindExperimentActivated = "EXPERIMENT_ACTIVATED"
	KindExperimentPaused    = "EXPERIMENT_PAUSED"
	KindExperimentCompleted = "EXPERIMENT_COMPLETED"
	KindExperimentArchived  = "EXPERIMENT_ARCHIVED"
	KindVariantUpdated      = "VARIANT_UPDATED"
	KindAssignmentCreated   = "ASSIGNMENT_CREATED"
	KindAssignmentEnrolled  = "ASSIGNMENT_ENROLLED"
	KindEventCreated        = "EVENT_CREATED"
)

// OutboxRecord is one row of the transactional outbox. It is appended in the
// same OLTP transaction as the business write it describes, and is never
// mutated afterwards except for ProcessedAt, set by retention once the CDC
// checkpoint has moved past Seq.
type OutboxRecord struct {
	Seq           int64         `json:"seq"`
	AggregateType AggregateType `json:"aggregate_type"`
	AggregateID   string        `json:"aggregate_id"`
	EventKind     string        `json:"event_kind"`
	Payload       Properties    `json:"payload"`
	OccurredAt    time.Time     `json:"occurred_at"`
	ProcessedAt   *time.Time    `json:"processed_at,omitempty"`
}

// Package model defines the domain entities of the experimentation platform
// and the logical error taxonomy shared by every component.
package model

import (
	"time"
)

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	StatusDraft     ExperimentStatus = "draft"
	StatusActive    ExperimentStatus = "active"
	StatusPaused    ExperimentStatus = "paused"
	StatusCompleted ExperimentStatus = "completed"
	StatusArchived  ExperimentStatus = "archived"
)

// validTransitions enumerates the permitted status edges.
// Archival is terminal: nothing transitions out of it.
var validTransitions = map[ExperimentStatus][]ExperimentStatus{
	StatusDraft:     {StatusActive, StatusArchived},
	StatusActive:    {StatusPaused, StatusCompleted, StatusArchived},
	StatusPaused:    {StatusActive, StatusCompleted, StatusArchived},
	StatusCompleted: {StatusArchived},
	StatusArchived:  {},
}

// CanTransition reports whether moving from s to next is a legal lifecycle edge.
func (s ExperimentStatus) CanTransition(next ExperimentStatus) bool {
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a recognized status value.
func (s ExperimentStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// Experiment is a named test with an immutable hashing seed.
// The seed never changes after creation; rewriting it would re-roll
// every prior assignment.
type Experiment struct {
	ID          int64            `json:"id"`
	Key         string           `json:"key"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Status      ExperimentStatus `json:"status"`
	Seed        string           `json:"seed"`
	Version     int              `json:"version"`
	Config      Properties       `json:"config,omitempty"`
	StartsAt    *time.Time       `json:"starts_at,omitempty"`
	EndsAt      *time.Time       `json:"ends_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`

	// Variants are ordered by ascending id. This ordering is part of the
	// assignment contract and must be preserved by every loader.
	Variants []Variant `json:"variants,omitempty"`
}

// EligibleAt reports whether the experiment accepts new assignments at t:
// it must be active and t must fall inside [StartsAt, EndsAt] where set.
func (e *Experiment) EligibleAt(t time.Time) bool {
	if e.Status != StatusActive {
		return false
	}
	if e.StartsAt != nil && t.Before(*e.StartsAt) {
		return false
	}
	if e.EndsAt != nil && t.After(*e.EndsAt) {
		return false
	}
	return true
}

// ControlVariant returns the control variant, or nil if none is marked.
func (e *Experiment) ControlVariant() *Variant {
	for i := range e.Variants {
		if e.Variants[i].IsControl {
			return &e.Variants[i]
		}
	}
	return nil
}

// AllocationSum is the total allocation percentage across variants.
// Activation requires this to be exactly 100.
func (e *Experiment) AllocationSum() int {
	var sum int
	for _, v := range e.Variants {
		sum += v.AllocationPct
	}
	return sum
}

// Variant is one branch of an experiment.
type Variant struct {
	ID            int64      `json:"id"`
	ExperimentID  int64      `json:"experiment_id"`
	Key           string     `json:"key"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	AllocationPct int        `json:"allocation_pct"`
	IsControl     bool       `json:"is_control"`
	Config        Properties `json:"config,omitempty"`
}

// AssignmentSource records how an assignment came to be.
type AssignmentSource string

const (
	SourceHash     AssignmentSource = "hash"
	SourceForced   AssignmentSource = "forced"
	SourceImported AssignmentSource = "imported"
)

// Assignment is the one-time binding of a user to a variant.
// (ExperimentID, UserID) is unique; this is the idempotency key for the
// whole platform, enforced by the OLTP store rather than application locks.
type Assignment struct {
	ID                int64            `json:"id"`
	ExperimentID      int64            `json:"experiment_id"`
	UserID            string           `json:"user_id"`
	VariantID         int64            `json:"variant_id"`
	ExperimentVersion int              `json:"experiment_version"`
	Source            AssignmentSource `json:"source"`
	Context           Properties       `json:"context,omitempty"`
	AssignedAt        time.Time        `json:"assigned_at"`
	EnrolledAt        *time.Time       `json:"enrolled_at,omitempty"`
}

// Enrolled reports whether the one-shot enrollment timestamp is set.
func (a *Assignment) Enrolled() bool { return a.EnrolledAt != nil }

// Canonical event types recognized by the results engine. Arbitrary other
// types are stored and counted as generic events.
const (
	EventExposure   = "exposure"
	EventClick      = "click"
	EventConversion = "conversion"
)

// Event is a raw user event. VariantID and AssignmentAt are denormalized
// from the user's assignment at ingest time when one exists; events without
// an assignment (or preceding it) are still stored and contribute to volume
// telemetry only.
type Event struct {
	ID           string     `json:"id"`
	ExperimentID *int64     `json:"experiment_id,omitempty"`
	UserID       string     `json:"user_id"`
	VariantID    *int64     `json:"variant_id,omitempty"`
	EventType    string     `json:"event_type"`
	Timestamp    time.Time  `json:"ts"`
	AssignmentAt *time.Time `json:"assignment_at,omitempty"`
	Properties   Properties `json:"properties,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	RequestID    string     `json:"request_id,omitempty"`
}

// Valid reports whether the event falls inside the post-assignment window.
// Events with no assignment are stored but excluded from results.
func (e *Event) Valid() bool {
	return e.AssignmentAt != nil && !e.Timestamp.Before(*e.AssignmentAt)
}

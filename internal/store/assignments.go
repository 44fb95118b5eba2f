package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"

	"github.com/expflow/expflow/internal/model"
)

// GetAssignment returns the stored assignment for (experimentID, userID),
// or nil when none exists. Absence is a value here, not an error.
func (s *Store) GetAssignment(ctx context.Context, experimentID int64, userID string) (*model.Assignment, error) {
	var a, err = scanAssignment(s.pool.QueryRow(ctx,
		assignmentColumns+` WHERE experiment_id = $1 AND user_id = $2`,
		experimentID, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("querying assignment: %w", err)
	}
	return a, nil
}

const assignmentColumns = `SELECT id, experiment_id, user_id, variant_id, version, source, context, assigned_at, enrolled_at
	 FROM assignments`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAssignment(row rowScanner) (*model.Assignment, error) {
	var a model.Assignment
	var source string
	var context []byte
	var err = row.Scan(&a.ID, &a.ExperimentID, &a.UserID, &a.VariantID,
		&a.ExperimentVersion, &source, &context, &a.AssignedAt, &a.EnrolledAt)
	if err != nil {
		return nil, err
	}
	a.Source = model.AssignmentSource(source)
	if a.Context, err = model.DecodeProperties(context); err != nil {
		return nil, fmt.Errorf("decoding assignment context: %w", err)
	}
	return &a, nil
}

// UpsertAssignment inserts the computed assignment, serializing concurrent
// callers at the (experiment_id, user_id) unique constraint. The returned row
// is the winner, which may belong to a concurrent writer; exactly one
// ASSIGNMENT_CREATED outbox record exists per pair regardless of races.
// With enroll set, enrolled_at lands in the same transaction as the insert,
// alongside its ASSIGNMENT_ENROLLED record; a pre-existing unenrolled row is
// enrolled in place.
func (s *Store) UpsertAssignment(ctx context.Context, a *model.Assignment, enroll bool) (*model.Assignment, bool, error) {
	var stored *model.Assignment
	var created bool

	var err = s.WithTx(ctx, func(txn pgx.Tx) error {
		context, err := a.Context.EncodeJSON()
		if err != nil {
			return fmt.Errorf("encoding assignment context: %w", err)
		}
		row, err := scanAssignment(txn.QueryRow(ctx,
			`INSERT INTO assignments (experiment_id, user_id, variant_id, version, source, context, enrolled_at)
			 VALUES ($1, $2, $3, $4, $5, $6, CASE WHEN $7 THEN now() END)
			 ON CONFLICT (experiment_id, user_id) DO NOTHING
			 RETURNING id, experiment_id, user_id, variant_id, version, source, context, assigned_at, enrolled_at`,
			a.ExperimentID, a.UserID, a.VariantID, a.ExperimentVersion, string(a.Source), context, enroll,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the race; the constraint guarantees a winner exists.
			row, err = scanAssignment(txn.QueryRow(ctx,
				assignmentColumns+` WHERE experiment_id = $1 AND user_id = $2`,
				a.ExperimentID, a.UserID,
			))
			if err != nil {
				return fmt.Errorf("selecting winning assignment: %w", err)
			}
			if enroll && row.EnrolledAt == nil {
				if row, err = markEnrolledTx(ctx, txn, a.ExperimentID, a.UserID); err != nil {
					return err
				}
			}
			stored = row
			return nil
		} else if err != nil {
			return fmt.Errorf("inserting assignment: %w", err)
		}

		stored, created = row, true
		if err = AppendOutbox(ctx, txn, model.OutboxRecord{
			AggregateType: model.AggregateAssignment,
			AggregateID:   fmt.Sprintf("%d:%s", row.ExperimentID, row.UserID),
			EventKind:     model.KindAssignmentCreated,
			Payload:       snapshotOf(row),
		}); err != nil {
			return err
		}
		if enroll {
			return AppendOutbox(ctx, txn, model.OutboxRecord{
				AggregateType: model.AggregateAssignment,
				AggregateID:   fmt.Sprintf("%d:%s", row.ExperimentID, row.UserID),
				EventKind:     model.KindAssignmentEnrolled,
				Payload:       snapshotOf(row),
			})
		}
		return nil
	})
	return stored, created, err
}

// MarkEnrolled sets the one-shot enrolled_at timestamp on an existing row.
// Subsequent calls are no-ops that return the stored row; only the first
// transition appends an ASSIGNMENT_ENROLLED outbox record.
func (s *Store) MarkEnrolled(ctx context.Context, experimentID int64, userID string) (*model.Assignment, error) {
	var stored *model.Assignment
	var err = s.WithTx(ctx, func(txn pgx.Tx) error {
		var row, err = markEnrolledTx(ctx, txn, experimentID, userID)
		stored = row
		return err
	})
	return stored, err
}

func markEnrolledTx(ctx context.Context, txn pgx.Tx, experimentID int64, userID string) (*model.Assignment, error) {
	row, err := scanAssignment(txn.QueryRow(ctx,
		`UPDATE assignments SET enrolled_at = now()
		 WHERE experiment_id = $1 AND user_id = $2 AND enrolled_at IS NULL
		 RETURNING id, experiment_id, user_id, variant_id, version, source, context, assigned_at, enrolled_at`,
		experimentID, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		row, err = scanAssignment(txn.QueryRow(ctx,
			assignmentColumns+` WHERE experiment_id = $1 AND user_id = $2`,
			experimentID, userID,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.NotFoundf("assignment for experiment %d user %q not found", experimentID, userID)
		} else if err != nil {
			return nil, fmt.Errorf("selecting assignment: %w", err)
		}
		return row, nil
	} else if err != nil {
		return nil, fmt.Errorf("marking enrollment: %w", err)
	}

	if err = AppendOutbox(ctx, txn, model.OutboxRecord{
		AggregateType: model.AggregateAssignment,
		AggregateID:   fmt.Sprintf("%d:%s", experimentID, userID),
		EventKind:     model.KindAssignmentEnrolled,
		Payload:       snapshotOf(row),
	}); err != nil {
		return nil, err
	}
	return row, nil
}

// GetAssignmentsForUser returns existing assignments for one user across many
// experiments, in a single round trip.
func (s *Store) GetAssignmentsForUser(ctx context.Context, userID string, experimentIDs []int64) ([]model.Assignment, error) {
	rows, err := s.pool.Query(ctx,
		assignmentColumns+` WHERE user_id = $1 AND experiment_id = ANY($2)`,
		userID, experimentIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying user assignments: %w", err)
	}
	defer rows.Close()
	return collectAssignments(rows)
}

// GetAssignmentsForUsers returns existing assignments for many users within
// one experiment, in a single round trip.
func (s *Store) GetAssignmentsForUsers(ctx context.Context, experimentID int64, userIDs []string) ([]model.Assignment, error) {
	rows, err := s.pool.Query(ctx,
		assignmentColumns+` WHERE experiment_id = $1 AND user_id = ANY($2)`,
		experimentID, userIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying experiment assignments: %w", err)
	}
	defer rows.Close()
	return collectAssignments(rows)
}

func collectAssignments(rows pgx.Rows) ([]model.Assignment, error) {
	var out []model.Assignment
	for rows.Next() {
		var a, err = scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning assignment: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpsertAssignmentBatch writes many computed assignments in one transaction
// with ON CONFLICT DO NOTHING semantics, appending one outbox record per row
// actually created. Returns the stored winner for every input pair.
func (s *Store) UpsertAssignmentBatch(ctx context.Context, assignments []model.Assignment) ([]model.Assignment, error) {
	if len(assignments) == 0 {
		return nil, nil
	}
	var stored = make([]model.Assignment, 0, len(assignments))

	var err = s.WithTx(ctx, func(txn pgx.Tx) error {
		var batch pgx.Batch
		for i := range assignments {
			var a = &assignments[i]
			context, err := a.Context.EncodeJSON()
			if err != nil {
				return fmt.Errorf("encoding assignment context: %w", err)
			}
			batch.Queue(
				`INSERT INTO assignments (experiment_id, user_id, variant_id, version, source, context)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (experiment_id, user_id) DO NOTHING
				 RETURNING id, experiment_id, user_id, variant_id, version, source, context, assigned_at, enrolled_at`,
				a.ExperimentID, a.UserID, a.VariantID, a.ExperimentVersion, string(a.Source), context,
			)
		}

		var results = txn.SendBatch(ctx, &batch)
		var lost []model.Assignment
		var outbox []model.OutboxRecord
		for i := 0; i != batch.Len(); i++ {
			row, err := scanAssignment(results.QueryRow())
			if errors.Is(err, pgx.ErrNoRows) {
				lost = append(lost, assignments[i])
				continue
			} else if err != nil {
				results.Close()
				return fmt.Errorf("batch upsert at index %d: %w", i, err)
			}
			stored = append(stored, *row)
			outbox = append(outbox, model.OutboxRecord{
				AggregateType: model.AggregateAssignment,
				AggregateID:   fmt.Sprintf("%d:%s", row.ExperimentID, row.UserID),
				EventKind:     model.KindAssignmentCreated,
				Payload:       snapshotOf(row),
			})
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("closing batch: %w", err)
		}

		for _, rec := range outbox {
			if err := AppendOutbox(ctx, txn, rec); err != nil {
				return err
			}
		}

		// Re-read pairs whose insert lost a concurrent race.
		for _, a := range lost {
			row, err := scanAssignment(txn.QueryRow(ctx,
				assignmentColumns+` WHERE experiment_id = $1 AND user_id = $2`,
				a.ExperimentID, a.UserID,
			))
			if err != nil {
				return fmt.Errorf("selecting winning assignment: %w", err)
			}
			stored = append(stored, *row)
		}
		return nil
	})
	return stored, err
}

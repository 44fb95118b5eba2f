package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"

	"github.com/expflow/expflow/internal/model"
)

// snapshotOf renders an entity as the opaque map carried in outbox payloads.
func snapshotOf(v interface{}) model.Properties {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	props, err := model.DecodeProperties(raw)
	if err != nil {
		return nil
	}
	return props
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateExperiment inserts an experiment and its variants, appending an
// EXPERIMENT_CREATED outbox record in the same transaction. The seed is fixed
// here for the life of the experiment.
func (s *Store) CreateExperiment(ctx context.Context, exp *model.Experiment) error {
	var err = s.WithTx(ctx, func(txn pgx.Tx) error {
		config, err := exp.Config.EncodeJSON()
		if err != nil {
			return fmt.Errorf("encoding experiment config: %w", err)
		}
		err = txn.QueryRow(ctx,
			`INSERT INTO experiments (key, name, description, status, seed, version, config, starts_at, ends_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING id, created_at, updated_at`,
			exp.Key, exp.Name, exp.Description, string(exp.Status), exp.Seed,
			exp.Version, config, exp.StartsAt, exp.EndsAt,
		).Scan(&exp.ID, &exp.CreatedAt, &exp.UpdatedAt)
		if err != nil {
			return fmt.Errorf("inserting experiment: %w", err)
		}

		for i := range exp.Variants {
			var v = &exp.Variants[i]
			v.ExperimentID = exp.ID
			vConfig, err := v.Config.EncodeJSON()
			if err != nil {
				return fmt.Errorf("encoding variant config: %w", err)
			}
			err = txn.QueryRow(ctx,
				`INSERT INTO variants (experiment_id, key, name, description, allocation_pct, is_control, config)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 RETURNING id`,
				v.ExperimentID, v.Key, v.Name, v.Description, v.AllocationPct, v.IsControl, vConfig,
			).Scan(&v.ID)
			if err != nil {
				return fmt.Errorf("inserting variant %q: %w", v.Key, err)
			}
		}

		return AppendOutbox(ctx, txn, model.OutboxRecord{
			AggregateType: model.AggregateExperiment,
			AggregateID:   fmt.Sprintf("%d", exp.ID),
			EventKind:     model.KindExperimentCreated,
			Payload:       snapshotOf(exp),
		})
	})
	if err != nil && isUniqueViolation(err) {
		return model.Conflictf("experiment key %q already exists", exp.Key)
	}
	return err
}

// GetExperiment loads an experiment with its variants in ascending variant-id
// order, which is the order the allocator walks.
func (s *Store) GetExperiment(ctx context.Context, id int64) (*model.Experiment, error) {
	var exp, err = s.scanExperiment(ctx,
		`SELECT id, key, name, COALESCE(description, ''), status, seed, version, config,
		        starts_at, ends_at, created_at, updated_at
		 FROM experiments WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if err = s.loadVariants(ctx, exp); err != nil {
		return nil, err
	}
	return exp, nil
}

// GetExperimentByKey is GetExperiment addressed by the human handle.
func (s *Store) GetExperimentByKey(ctx context.Context, key string) (*model.Experiment, error) {
	var exp, err = s.scanExperiment(ctx,
		`SELECT id, key, name, COALESCE(description, ''), status, seed, version, config,
		        starts_at, ends_at, created_at, updated_at
		 FROM experiments WHERE key = $1`, key)
	if err != nil {
		return nil, err
	}
	if err = s.loadVariants(ctx, exp); err != nil {
		return nil, err
	}
	return exp, nil
}

func (s *Store) scanExperiment(ctx context.Context, sql string, arg interface{}) (*model.Experiment, error) {
	var exp model.Experiment
	var status string
	var config []byte

	var err = s.pool.QueryRow(ctx, sql, arg).Scan(
		&exp.ID, &exp.Key, &exp.Name, &exp.Description, &status, &exp.Seed,
		&exp.Version, &config, &exp.StartsAt, &exp.EndsAt, &exp.CreatedAt, &exp.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFoundf("experiment %v not found", arg)
	} else if err != nil {
		return nil, fmt.Errorf("querying experiment: %w", err)
	}
	exp.Status = model.ExperimentStatus(status)
	if exp.Config, err = model.DecodeProperties(config); err != nil {
		return nil, fmt.Errorf("decoding experiment config: %w", err)
	}
	return &exp, nil
}

func (s *Store) loadVariants(ctx context.Context, exp *model.Experiment) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, experiment_id, key, name, COALESCE(description, ''), allocation_pct, is_control, config
		 FROM variants WHERE experiment_id = $1 ORDER BY id ASC`,
		exp.ID,
	)
	if err != nil {
		return fmt.Errorf("querying variants: %w", err)
	}
	defer rows.Close()

	exp.Variants = exp.Variants[:0]
	for rows.Next() {
		var v model.Variant
		var config []byte
		if err = rows.Scan(&v.ID, &v.ExperimentID, &v.Key, &v.Name, &v.Description,
			&v.AllocationPct, &v.IsControl, &config); err != nil {
			return fmt.Errorf("scanning variant: %w", err)
		}
		if v.Config, err = model.DecodeProperties(config); err != nil {
			return fmt.Errorf("decoding variant config: %w", err)
		}
		exp.Variants = append(exp.Variants, v)
	}
	return rows.Err()
}

// ListExperiments returns experiments, optionally filtered by status,
// newest first.
func (s *Store) ListExperiments(ctx context.Context, status model.ExperimentStatus, limit, offset int) ([]model.Experiment, error) {
	var sql = `SELECT id, key, name, COALESCE(description, ''), status, seed, version, config,
	                  starts_at, ends_at, created_at, updated_at
	           FROM experiments`
	var args []interface{}
	if status != "" {
		sql += ` WHERE status = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`
		args = []interface{}{string(status), limit, offset}
	} else {
		sql += ` ORDER BY id DESC LIMIT $1 OFFSET $2`
		args = []interface{}{limit, offset}
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing experiments: %w", err)
	}
	defer rows.Close()

	var out []model.Experiment
	for rows.Next() {
		var exp model.Experiment
		var st string
		var config []byte
		if err = rows.Scan(&exp.ID, &exp.Key, &exp.Name, &exp.Description, &st, &exp.Seed,
			&exp.Version, &config, &exp.StartsAt, &exp.EndsAt, &exp.CreatedAt, &exp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning experiment: %w", err)
		}
		exp.Status = model.ExperimentStatus(st)
		if exp.Config, err = model.DecodeProperties(config); err != nil {
			return nil, fmt.Errorf("decoding experiment config: %w", err)
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

// UpdateExperimentStatus transitions an experiment's status and appends the
// matching outbox record, atomically. Legality of the transition is checked
// by the caller; this write is a plain compare-and-set on the current status.
func (s *Store) UpdateExperimentStatus(ctx context.Context, id int64, from, to model.ExperimentStatus, kind string) (*model.Experiment, error) {
	var exp *model.Experiment
	var err = s.WithTx(ctx, func(txn pgx.Tx) error {
		tag, err := txn.Exec(ctx,
			`UPDATE experiments SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
			string(to), id, string(from),
		)
		if err != nil {
			return fmt.Errorf("updating experiment status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.Conflictf("experiment %d is not in status %q", id, from)
		}
		if exp, err = s.getExperimentTx(ctx, txn, id); err != nil {
			return err
		}
		return AppendOutbox(ctx, txn, model.OutboxRecord{
			AggregateType: model.AggregateExperiment,
			AggregateID:   fmt.Sprintf("%d", id),
			EventKind:     kind,
			Payload:       snapshotOf(exp),
		})
	})
	return exp, err
}

// UpdateVariantAllocations rewrites allocation percentages for a draft
// experiment and bumps its version so cached results keyed on the version
// fall out implicitly. Variant ids are never reassigned.
func (s *Store) UpdateVariantAllocations(ctx context.Context, experimentID int64, allocations map[int64]int) (*model.Experiment, error) {
	var exp *model.Experiment
	var err = s.WithTx(ctx, func(txn pgx.Tx) error {
		for variantID, pct := range allocations {
			tag, err := txn.Exec(ctx,
				`UPDATE variants SET allocation_pct = $1, updated_at = now()
				 WHERE id = $2 AND experiment_id = $3`,
				pct, variantID, experimentID,
			)
			if err != nil {
				return fmt.Errorf("updating variant %d: %w", variantID, err)
			}
			if tag.RowsAffected() == 0 {
				return model.NotFoundf("variant %d not found in experiment %d", variantID, experimentID)
			}
		}
		_, err := txn.Exec(ctx,
			`UPDATE experiments SET version = version + 1, updated_at = now() WHERE id = $1`,
			experimentID,
		)
		if err != nil {
			return fmt.Errorf("bumping experiment version: %w", err)
		}
		if exp, err = s.getExperimentTx(ctx, txn, experimentID); err != nil {
			return err
		}
		return AppendOutbox(ctx, txn, model.OutboxRecord{
			AggregateType: model.AggregateVariant,
			AggregateID:   fmt.Sprintf("%d", experimentID),
			EventKind:     model.KindVariantUpdated,
			Payload:       snapshotOf(exp),
		})
	})
	return exp, err
}

func (s *Store) getExperimentTx(ctx context.Context, txn pgx.Tx, id int64) (*model.Experiment, error) {
	var exp model.Experiment
	var status string
	var config []byte
	var err = txn.QueryRow(ctx,
		`SELECT id, key, name, COALESCE(description, ''), status, seed, version, config,
		        starts_at, ends_at, created_at, updated_at
		 FROM experiments WHERE id = $1`, id,
	).Scan(&exp.ID, &exp.Key, &exp.Name, &exp.Description, &status, &exp.Seed,
		&exp.Version, &config, &exp.StartsAt, &exp.EndsAt, &exp.CreatedAt, &exp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFoundf("experiment %d not found", id)
	} else if err != nil {
		return nil, fmt.Errorf("querying experiment: %w", err)
	}
	exp.Status = model.ExperimentStatus(status)
	if exp.Config, err = model.DecodeProperties(config); err != nil {
		return nil, fmt.Errorf("decoding experiment config: %w", err)
	}

	rows, err := txn.Query(ctx,
		`SELECT id, experiment_id, key, name, COALESCE(description, ''), allocation_pct, is_control, config
		 FROM variants WHERE experiment_id = $1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("querying variants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v model.Variant
		var vConfig []byte
		if err = rows.Scan(&v.ID, &v.ExperimentID, &v.Key, &v.Name, &v.Description,
			&v.AllocationPct, &v.IsControl, &vConfig); err != nil {
			return nil, fmt.Errorf("scanning variant: %w", err)
		}
		if v.Config, err = model.DecodeProperties(vConfig); err != nil {
			return nil, fmt.Errorf("decoding variant config: %w", err)
		}
		exp.Variants = append(exp.Variants, v)
	}
	return &exp, rows.Err()
}

// ActiveExperimentIDs lists experiments currently eligible for assignment,
// used by cache warming.
func (s *Store) ActiveExperimentIDs(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM experiments
		 WHERE status = 'active'
		   AND (starts_at IS NULL OR starts_at <= $1)
		   AND (ends_at IS NULL OR ends_at >= $1)`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("querying active experiments: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning experiment id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

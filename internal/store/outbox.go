package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	log "github.com/sirupsen/logrus"

	"github.com/expflow/expflow/internal/model"
)

// AppendOutbox enlists one outbox record in an in-progress transaction.
// The payload is a self-describing snapshot of the entity after the write;
// downstream consumers never look back into this store to interpret it.
func AppendOutbox(ctx context.Context, txn pgx.Tx, rec model.OutboxRecord) error {
	payload, err := rec.Payload.EncodeJSON()
	if err != nil {
		return fmt.Errorf("encoding outbox payload: %w", err)
	}
	var occurred = rec.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	_, err = txn.Exec(ctx,
		`INSERT INTO outbox (aggregate_type, aggregate_id, event_kind, payload, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		string(rec.AggregateType), rec.AggregateID, rec.EventKind, payload, occurred,
	)
	if err != nil {
		return fmt.Errorf("appending outbox record: %w", err)
	}
	return nil
}

// MarkOutboxProcessed stamps processed_at on records at or below seq that the
// CDC consumer has checkpointed past. Records are otherwise immutable.
func (s *Store) MarkOutboxProcessed(ctx context.Context, throughSeq int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox SET processed_at = now()
		 WHERE seq <= $1 AND processed_at IS NULL`,
		throughSeq,
	)
	if err != nil {
		return 0, fmt.Errorf("marking outbox processed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TrimOutbox deletes processed records older than the cutoff, in bounded
// batches so the delete never takes long locks. Returns rows removed.
func (s *Store) TrimOutbox(ctx context.Context, olderThan time.Time, batchSize int) (int64, error) {
	var total int64
	for {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM outbox WHERE seq IN (
				SELECT seq FROM outbox
				WHERE processed_at IS NOT NULL AND occurred_at < $1
				ORDER BY seq
				LIMIT $2
			)`,
			olderThan, batchSize,
		)
		if err != nil {
			return total, fmt.Errorf("trimming outbox: %w", err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < int64(batchSize) {
			break
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
	if total > 0 {
		log.WithFields(log.Fields{"rows": total, "cutoff": olderThan}).Info("trimmed outbox")
	}
	return total, nil
}

// MaxOutboxSeq returns the highest sequence currently in the outbox, or zero
// when empty. Used by maintenance to bound checkpoint reconciliation.
func (s *Store) MaxOutboxSeq(ctx context.Context) (int64, error) {
	var seq *int64
	if err := s.pool.QueryRow(ctx, `SELECT max(seq) FROM outbox`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("querying outbox max seq: %w", err)
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

package projector

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/expflow/expflow/internal/columnar"
	"github.com/expflow/expflow/internal/telemetry"
)

// Config is the CDC consumer configuration.
type Config struct {
	Brokers  []string `long:"broker" env:"BROKERS" env-delim:"," default:"localhost:9092" description:"Kafka bootstrap broker (repeatable)"`
	Topic    string   `long:"topic" env:"TOPIC" default:"expflow.outbox" description:"CDC topic carrying the outbox stream"`
	Group    string   `long:"group" env:"GROUP" default:"expflow-projector" description:"Consumer group id"`
	DLQTopic string   `long:"dlq-topic" env:"DLQ_TOPIC" default:"expflow.outbox.dlq" description:"Dead-letter topic for malformed and poison records"`

	BatchSize     int           `long:"batch-size" env:"BATCH_SIZE" default:"2048" description:"Rows buffered before a flush"`
	FlushInterval time.Duration `long:"flush-interval" env:"FLUSH_INTERVAL" default:"5s" description:"Maximum buffer age before a flush"`
	MaxAttempts   int           `long:"max-attempts" env:"MAX_ATTEMPTS" default:"5" description:"Insert attempts before a record is quarantined"`
}

// Sink receives projected rows. Satisfied by *columnar.Client.
type Sink interface {
	InsertProjected(ctx context.Context, rows []columnar.ProjectedEvent) error
}

// CheckpointStore publishes the consumer's progress for the outbox trimmer.
// Satisfied by *cache.Cache.
type CheckpointStore interface {
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration)
}

// CheckpointKey is where the consumer publishes its high-water mark.
const CheckpointKey = "projector:checkpoint:v1"

// Checkpoint is the consumer's durable progress marker: every outbox record
// with seq at or below Seq has been flushed and committed.
type Checkpoint struct {
	Seq         uint64    `json:"seq"`
	CommittedAt time.Time `json:"committed_at"`
}

// buffered pairs a projected row with the record it came from, so offsets
// commit only for flushed rows and poison rows can be quarantined with their
// original bytes.
type buffered struct {
	row columnar.ProjectedEvent
	rec *kgo.Record
}

// Consumer is one worker of the projector group: poll, decode, transform,
// buffer, flush, commit. Partition ordering is preserved because rows flush
// in poll order and offsets advance only after a successful flush.
type Consumer struct {
	cfg         Config
	client      *kgo.Client
	sink        Sink
	checkpoints CheckpointStore

	buf      []buffered
	bufSince time.Time
	maxSeq   uint64
	skipped  int // malformed records since the last log line
}

// NewConsumer joins the consumer group. Offsets are committed manually.
// checkpoints may be nil when no trimmer consumes the high-water mark.
func NewConsumer(cfg Config, sink Sink, checkpoints CheckpointStore) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	log.WithFields(log.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
		"group":   cfg.Group,
	}).Info("joined projector consumer group")
	return &Consumer{cfg: cfg, client: client, sink: sink, checkpoints: checkpoints}, nil
}

// Close leaves the group and releases the client.
func (c *Consumer) Close() { c.client.Close() }

// Run polls until the context is cancelled. Returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		var fetches = c.client.PollRecords(ctx, c.cfg.BatchSize)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return c.drain(context.Background())
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			log.WithError(err).WithFields(log.Fields{
				"topic":     topic,
				"partition": partition,
			}).Warn("fetch error")
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			c.ingest(ctx, rec)
		})

		if len(c.buf) >= c.cfg.BatchSize ||
			(len(c.buf) > 0 && time.Since(c.bufSince) >= c.cfg.FlushInterval) {
			if err := c.flush(ctx); err != nil {
				return err
			}
		}
	}
}

// ingest decodes and transforms one record into the buffer. Malformed
// records are shipped to the DLQ and skipped; they never block the stream.
func (c *Consumer) ingest(ctx context.Context, rec *kgo.Record) {
	env, err := DecodeEnvelope(rec.Value)
	if err == nil {
		var row *columnar.ProjectedEvent
		var ok bool
		if row, ok, err = Transform(env); err == nil {
			if !ok {
				telemetry.ConsumerMessages.WithLabelValues("skipped").Inc()
				c.buf = append(c.buf, buffered{rec: rec}) // commit-only
				return
			}
			telemetry.ConsumerMessages.WithLabelValues("projected").Inc()
			if len(c.buf) == 0 {
				c.bufSince = time.Now()
			}
			c.buf = append(c.buf, buffered{row: *row, rec: rec})
			return
		}
	}

	telemetry.ConsumerMessages.WithLabelValues("malformed").Inc()
	c.skipped++
	if c.skipped == 1 || c.skipped%100 == 0 {
		log.WithError(err).WithField("skipped", c.skipped).Warn("skipping malformed CDC record")
	}
	c.toDLQ(ctx, rec.Value)
	c.buf = append(c.buf, buffered{rec: rec})
}

// flush writes buffered rows and commits their offsets. Transient sink
// failures retry with backoff; a batch that keeps failing is bisected down to
// the poison record, which is quarantined.
func (c *Consumer) flush(ctx context.Context) error {
	if len(c.buf) == 0 {
		return nil
	}
	var rows = make([]columnar.ProjectedEvent, 0, len(c.buf))
	var rowRecs = make([]*kgo.Record, 0, len(c.buf))
	var commit = make([]*kgo.Record, 0, len(c.buf))
	for i := range c.buf {
		commit = append(commit, c.buf[i].rec)
		if c.buf[i].row.AggregateID != "" {
			rows = append(rows, c.buf[i].row)
			rowRecs = append(rowRecs, c.buf[i].rec)
		}
	}

	var started = time.Now()
	if err := c.insertBisecting(ctx, rows, rowRecs); err != nil {
		return err
	}
	telemetry.ConsumerFlushRows.Observe(float64(len(rows)))
	telemetry.ConsumerFlushSeconds.Observe(time.Since(started).Seconds())

	if err := c.client.CommitRecords(ctx, commit...); err != nil {
		// Offsets will re-deliver; the replacing engine absorbs the replay.
		log.WithError(err).Warn("offset commit failed; rows will replay")
	} else {
		for i := range rows {
			if rows[i].Seq > c.maxSeq {
				c.maxSeq = rows[i].Seq
			}
		}
		if c.checkpoints != nil && c.maxSeq > 0 {
			c.checkpoints.SetJSON(ctx, CheckpointKey,
				Checkpoint{Seq: c.maxSeq, CommittedAt: time.Now().UTC()}, 0)
		}
	}
	c.buf = c.buf[:0]
	return nil
}

// drain flushes whatever is buffered at shutdown.
func (c *Consumer) drain(ctx context.Context) error {
	if len(c.buf) == 0 {
		return nil
	}
	var deadline, cancel = context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return c.flush(deadline)
}

// insertBisecting inserts rows, retrying transient failures with jittered
// exponential backoff. If a batch exhausts its attempts it is split in half
// and each half retried, isolating the poison record, which goes to the DLQ.
func (c *Consumer) insertBisecting(ctx context.Context, rows []columnar.ProjectedEvent, recs []*kgo.Record) error {
	if len(rows) == 0 {
		return nil
	}
	var err = c.insertWithRetry(ctx, rows)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(rows) == 1 {
		log.WithError(err).WithFields(log.Fields{
			"aggregate": rows[0].AggregateID,
			"seq":       rows[0].Seq,
		}).Error("quarantining poison record")
		telemetry.ConsumerMessages.WithLabelValues("quarantined").Inc()
		c.toDLQ(ctx, recs[0].Value)
		return nil
	}
	var mid = len(rows) / 2
	if err = c.insertBisecting(ctx, rows[:mid], recs[:mid]); err != nil {
		return err
	}
	return c.insertBisecting(ctx, rows[mid:], recs[mid:])
}

func (c *Consumer) insertWithRetry(ctx context.Context, rows []columnar.ProjectedEvent) error {
	var err error
	for attempt := 0; attempt != c.cfg.MaxAttempts; attempt++ {
		if err = c.sink.InsertProjected(ctx, rows); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt+1 == c.cfg.MaxAttempts {
			break
		}
		var backoff = time.Duration(1<<uint(attempt)) * 250 * time.Millisecond
		backoff += time.Duration(rand.Int63n(int64(backoff)))
		log.WithError(err).WithFields(log.Fields{
			"attempt": attempt + 1,
			"rows":    len(rows),
			"backoff": backoff,
		}).Warn("columnar insert failed; backing off")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// toDLQ ships raw bytes to the dead-letter topic. DLQ failures are logged
// and dropped: the DLQ is an investigation aid, not a durability mechanism.
func (c *Consumer) toDLQ(ctx context.Context, raw []byte) {
	if c.cfg.DLQTopic == "" {
		return
	}
	var rec = &kgo.Record{Topic: c.cfg.DLQTopic, Value: raw}
	if err := c.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		log.WithError(err).Warn("dead-letter produce failed")
		return
	}
	telemetry.DLQRecords.Inc()
}

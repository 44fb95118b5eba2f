// Package store is the OLTP layer of the platform, backed by PostgreSQL.
// It owns the experiment, variant, assignment, event, and outbox tables, and
// provides the transactional envelope that keeps business writes and their
// outbox records atomic.
package store

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	log "github.com/sirupsen/logrus"
)

// Config is the PostgreSQL endpoint configuration.
type Config struct {
	Host     string `long:"host" env:"HOST" default:"localhost" description:"Postgres host"`
	Port     uint16 `long:"port" env:"PORT" default:"5432" description:"Postgres port"`
	User     string `long:"user" env:"USER" default:"expflow" description:"Postgres user"`
	Password string `long:"password" env:"PASSWORD" default:"" description:"Postgres password"`
	DBName   string `long:"dbname" env:"DBNAME" default:"expflow" description:"Database name"`

	MaxConns       int32         `long:"max-conns" env:"MAX_CONNS" default:"16" description:"Connection pool upper bound"`
	ConnectTimeout time.Duration `long:"connect-timeout" env:"CONNECT_TIMEOUT" default:"5s" description:"Dial deadline for new database connections"`
}

// Validate the configuration.
func (c *Config) Validate() error {
	var requiredProperties = [][]string{
		{"host", c.Host},
		{"user", c.User},
		{"dbname", c.DBName},
	}
	for _, req := range requiredProperties {
		if req[1] == "" {
			return fmt.Errorf("missing '%s'", req[0])
		}
	}
	return nil
}

// ToURI converts the Config to a DSN string.
func (c *Config) ToURI() string {
	var host = c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", host, c.Port)
	}
	var uri = url.URL{
		Scheme: "postgres",
		Host:   host,
		User:   url.UserPassword(c.User, c.Password),
	}
	if c.DBName != "" {
		uri.Path = "/" + c.DBName
	}
	return uri.String()
}

// Store wraps a bounded pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating postgres config: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ToURI())
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	log.WithFields(log.Fields{
		"database": cfg.DBName,
		"host":     cfg.Host,
		"port":     cfg.Port,
		"user":     cfg.User,
	}).Info("opening database")

	pool, err := pgxpool.ConnectConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close tears down the pool. Safe to call once at shutdown.
func (s *Store) Close() { s.pool.Close() }

// Pool exposes the underlying pool for read-only queries issued by
// collaborating packages.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// WithTx runs fn inside a transaction, rolling back on error. Every business
// write that also appends an outbox record goes through here, so the pair is
// either both committed or both absent.
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	txn, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer txn.Rollback(ctx)

	if err = fn(txn); err != nil {
		return err
	}
	if err = txn.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

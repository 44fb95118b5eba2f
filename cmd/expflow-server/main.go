package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/expflow/expflow/internal/assign"
	"github.com/expflow/expflow/internal/cache"
	"github.com/expflow/expflow/internal/columnar"
	"github.com/expflow/expflow/internal/ingest"
	"github.com/expflow/expflow/internal/results"
	"github.com/expflow/expflow/internal/service"
	"github.com/expflow/expflow/internal/store"
)

// Config is the top-level configuration of the expflow server.
var Config = new(struct {
	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" description:"Logging format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`

	Postgres   store.Config    `group:"Postgres" namespace:"postgres" env-namespace:"POSTGRES"`
	Redis      cache.Config    `group:"Redis" namespace:"redis" env-namespace:"REDIS"`
	ClickHouse columnar.Config `group:"ClickHouse" namespace:"clickhouse" env-namespace:"CLICKHOUSE"`
	Assignment assign.Config   `group:"Assignment" namespace:"assignment" env-namespace:"ASSIGNMENT"`
	Ingestor   ingest.Config   `group:"Ingestor" namespace:"ingestor" env-namespace:"INGESTOR"`
	Results    results.Config  `group:"Results" namespace:"results" env-namespace:"RESULTS"`

	MetricsAddr string `long:"metrics-addr" env:"METRICS_ADDR" default:":9090" description:"Prometheus metrics listen address"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	initLog()
	log.WithField("config", Config).Info("expflow-server configuration")

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, Config.Postgres)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()
	if err = db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}

	redis, err := cache.Open(ctx, Config.Redis)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer redis.Close()

	col, err := columnar.Open(ctx, Config.ClickHouse)
	if err != nil {
		return fmt.Errorf("opening columnar store: %w", err)
	}
	defer col.Close()

	var svc = service.New(
		db,
		assign.NewEngine(Config.Assignment, db, redis),
		ingest.NewIngestor(Config.Ingestor, db, redis),
		results.NewEngine(Config.Results, db, col, redis),
		redis,
	)
	if _, err = svc.ListExperiments(ctx, "", 0, 1); err != nil {
		return fmt.Errorf("store self-check: %w", err)
	}

	go func() {
		var mux = http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.WithField("addr", Config.MetricsAddr).Info("serving metrics")
		if err := http.ListenAndServe(Config.MetricsAddr, mux); err != nil {
			log.WithError(err).Error("metrics listener failed")
		}
	}()

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	var sig = <-signalCh
	log.WithField("signal", sig).Info("caught signal")
	cancel()

	log.Info("goodbye")
	return nil
}

func initLog() {
	if Config.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(Config.Log.Level); err == nil {
		log.SetLevel(level)
	}
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)
	_, _ = parser.AddCommand("serve", "Serve the expflow platform", `
Open the OLTP, cache, and columnar stores and expose the platform's
operations until signaled to exit (via SIGTERM).
`, &cmdServe{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}

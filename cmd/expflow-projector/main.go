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

	"github.com/expflow/expflow/internal/cache"
	"github.com/expflow/expflow/internal/columnar"
	"github.com/expflow/expflow/internal/projector"
)

// Config is the top-level configuration of the CDC projector.
var Config = new(struct {
	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" description:"Logging format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`

	Kafka      projector.Config `group:"Kafka" namespace:"kafka" env-namespace:"KAFKA"`
	ClickHouse columnar.Config  `group:"ClickHouse" namespace:"clickhouse" env-namespace:"CLICKHOUSE"`
	Redis      cache.Config     `group:"Redis" namespace:"redis" env-namespace:"REDIS"`

	MetricsAddr string `long:"metrics-addr" env:"METRICS_ADDR" default:":9091" description:"Prometheus metrics listen address"`
})

type cmdRun struct{}

func (cmdRun) Execute(_ []string) error {
	initLog()
	log.WithField("config", Config).Info("expflow-projector configuration")

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	col, err := columnar.Open(ctx, Config.ClickHouse)
	if err != nil {
		return fmt.Errorf("opening columnar store: %w", err)
	}
	defer col.Close()
	if err = col.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring columnar schema: %w", err)
	}

	redis, err := cache.Open(ctx, Config.Redis)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer redis.Close()

	consumer, err := projector.NewConsumer(Config.Kafka, col, redis)
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}
	defer consumer.Close()

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
	go func() {
		var sig = <-signalCh
		log.WithField("signal", sig).Info("caught signal")
		cancel()
	}()

	if err = consumer.Run(ctx); err != nil {
		return fmt.Errorf("projector failed: %w", err)
	}
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
	_, _ = parser.AddCommand("run", "Run the CDC projector", `
Consume the outbox CDC topic and project event and assignment records into
the columnar store, until signaled to exit (via SIGTERM).
`, &cmdRun{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}

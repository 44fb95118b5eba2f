package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/expflow/expflow/internal/cache"
	"github.com/expflow/expflow/internal/columnar"
	"github.com/expflow/expflow/internal/maintenance"
	"github.com/expflow/expflow/internal/store"
)

// Config is the top-level configuration of the maintenance janitor.
var Config = new(struct {
	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" description:"Logging format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`

	Postgres    store.Config       `group:"Postgres" namespace:"postgres" env-namespace:"POSTGRES"`
	Redis       cache.Config       `group:"Redis" namespace:"redis" env-namespace:"REDIS"`
	ClickHouse  columnar.Config    `group:"ClickHouse" namespace:"clickhouse" env-namespace:"CLICKHOUSE"`
	Maintenance maintenance.Config `group:"Maintenance" namespace:"maintenance" env-namespace:"MAINTENANCE"`
})

type cmdRun struct{}

func (cmdRun) Execute(_ []string) error {
	initLog()
	log.WithField("config", Config).Info("expflow-janitor configuration")

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, Config.Postgres)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

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

	var janitor = maintenance.NewJanitor(Config.Maintenance, db, col, redis, nil, nil)

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		var sig = <-signalCh
		log.WithField("signal", sig).Info("caught signal")
		cancel()
	}()

	if err = janitor.Run(ctx); err != nil {
		return fmt.Errorf("janitor failed: %w", err)
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
	_, _ = parser.AddCommand("run", "Run maintenance sweeps", `
Trim the outbox behind the projector checkpoint, roll event partitions on
both stores, and warm assignment caches, until signaled to exit (via SIGTERM).
`, &cmdRun{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}

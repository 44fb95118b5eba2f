package store

import (
	"testing"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	_, err := flags.NewParser(&cfg, flags.None).ParseArgs(nil)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.ConnectTimeout, "dial deadline for new connections")
	require.EqualValues(t, 16, cfg.MaxConns)
}

func TestConfigURI(t *testing.T) {
	var cfg = Config{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "expflow"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, "postgres://u:p@db:5432/expflow", cfg.ToURI())

	require.Error(t, (&Config{Host: "db"}).Validate(), "user and dbname are required")
}

package main

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"host-bridge/config"
	"host-bridge/server"
)

func TestApplyFlagsOverridesOnlyChanged(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("addr", "", "")
	fs.String("log-level", "", "")
	fs.String("log-format", "", "")
	fs.Duration("command-timeout", 0, "")
	fs.Float64("rate-limit", 0, "")
	fs.Int("retries", 0, "")
	fs.StringSlice("etcd", nil, "")
	fs.String("host-name", "", "")
	require.NoError(t, fs.Parse([]string{"--addr", "127.0.0.1:9999", "--retries", "3", "--etcd", "a:1,b:2"}))

	cfg := config.Default()
	require.NoError(t, applyFlags(fs, cfg))
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Limits.Retries)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Registry.Endpoints)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 300*time.Second, cfg.Bridge.CommandTimeout)
}

func TestRunRejectsNonLoopback(t *testing.T) {
	err := run([]string{"--addr", "0.0.0.0:8080"})
	assert.Error(t, err)
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Limits.RateLimit = 100
	cfg.Limits.Retries = 1

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, "Tower.rvt", zaptest.NewLogger(t)) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServeReportsListenFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Addr = "10.0.0.1:8080"
	err := serve(context.Background(), cfg, "", zaptest.NewLogger(t))
	assert.ErrorIs(t, err, server.ErrNotLoopback)
}

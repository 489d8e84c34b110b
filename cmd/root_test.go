package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baaaht/msgplane/internal/config"
	"github.com/baaaht/msgplane/internal/logger"
	"github.com/baaaht/msgplane/pkg/server"
)

func TestLoadConfigAppliesFlags(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	config.SetTestConfigPath(filepath.Join(t.TempDir(), "missing.yaml"))
	defer config.SetTestConfigPath("")

	endpoints = []string{"tcp://127.0.0.1:4000", "unix:///tmp/msgplane.sock"}
	workers = 8
	metricsAddress = "127.0.0.1:9100"
	defer func() {
		endpoints = nil
		workers = 0
		metricsAddress = ""
	}()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, endpoints, cfg.Transport.Endpoints)
	assert.Equal(t, 8, cfg.Dispatch.Workers)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Address)
	assert.False(t, cfg.Health.Enabled)
}

func TestLoadConfigRejectsBadFlags(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	config.SetTestConfigPath(filepath.Join(t.TempDir(), "missing.yaml"))
	defer config.SetTestConfigPath("")

	logLevel = "loud"
	defer func() { logLevel = "" }()

	_, err := loadConfig()
	assert.Error(t, err)
}

func TestProbe(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transport.Endpoints = []string{"tcp://127.0.0.1:0"}
	cfg.Dispatch.Workers = 2
	result, err := server.Bootstrap(context.Background(), server.BootstrapConfig{Config: cfg, Logger: logger.NewNop()})
	require.NoError(t, err)
	plane := result.Plane
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = plane.Close(ctx)
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"probe", "--address", plane.Broker().Endpoints()[0], "--identity", "checker", "--count", "2"})
	defer rootCmd.SetArgs(nil)
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), "registered checker")
	assert.Contains(t, out.String(), "heartbeat seq=2")
	assert.Contains(t, out.String(), "average rtt=")
	assert.Contains(t, out.String(), "unregistered")

	_, ok := plane.Store().Lookup("checker")
	assert.False(t, ok)
}

func TestProbeUnreachable(t *testing.T) {
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	probeCmd.SetOut(&out)
	err := runProbe(ctx, probeCmd, "tcp://127.0.0.1:1", "", 1)
	assert.Error(t, err)
	assert.Empty(t, out.String())

	assert.Error(t, runProbe(ctx, probeCmd, "tcp://127.0.0.1:1", "", 0))
}

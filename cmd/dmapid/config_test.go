package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/dnr/dmapi/common"
)

func parseFlags(t *testing.T, args ...string) *pflag.FlagSet {
	f := pflag.NewFlagSet("daemon", pflag.ContinueOnError)
	addDaemonFlags(f)
	require.NoError(t, f.Parse(args))
	return f
}

func TestLoadDaemonConfigDefaults(t *testing.T) {
	r := require.New(t)
	cfg, err := loadDaemonConfig(parseFlags(t, "--statedir", t.TempDir()))
	r.NoError(err)
	r.EqualValues(1024, cfg.MaxWaiters)
	r.Equal(64<<10, cfg.MaxPayload)
	r.Empty(cfg.MetricsAddr)
	r.NotEqual(common.DefaultStateDir, cfg.StateDir)
}

func TestLoadDaemonConfigLayers(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "dmapid.yaml")
	r.NoError(os.WriteFile(file, []byte(`
statedir: /var/lib/hsm
max_waiters: 5
max_payload: 200
bootstrap: /etc/hsm.yaml
`), 0o644))
	t.Setenv("DMAPID_MAX_WAITERS", "7")
	t.Setenv("DMAPID_METRICS", "127.0.0.1:9100")

	cfg, err := loadDaemonConfig(parseFlags(t, "--config", file, "--max_payload", "100"))
	r.NoError(err)
	r.Equal("/var/lib/hsm", cfg.StateDir)
	r.Equal("/etc/hsm.yaml", cfg.Bootstrap)
	r.EqualValues(7, cfg.MaxWaiters)
	r.Equal(100, cfg.MaxPayload)
	r.Equal("127.0.0.1:9100", cfg.MetricsAddr)

	// found by name in the state dir
	cfg, err = loadDaemonConfig(parseFlags(t, "--statedir", dir))
	r.NoError(err)
	r.Equal("/etc/hsm.yaml", cfg.Bootstrap)

	_, err = loadDaemonConfig(parseFlags(t, "--config", filepath.Join(dir, "missing.yaml")))
	r.Error(err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quillstats/rankwatch/internal/source"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
client:
  timeout_seconds: 45
  rate_limit_delay_ms: 1500
  max_retries: 4
scheduler:
  max_workers: 8
  backoff_base_seconds: 30
monitor:
  tick_minutes: 15
storage:
  backend: postgres
  dsn: postgres://localhost/rankwatch
sources:
  - id: hot
    kind: hotlist
    url: https://upstream.test/hot
    every: 1h
  - id: cat-history
    kind: category
    url: https://upstream.test/cat/{name}
    params:
      name: "历史"
    cron: "0 3 * * *"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "postgres", cfg.Storage.Backend)
	require.Len(t, cfg.Sources, 2)
	require.Equal(t, source.KindCategory, cfg.Sources[1].Kind)
	require.Equal(t, time.Hour, cfg.Sources[0].Every)
	require.Equal(t, "0 3 * * *", cfg.Sources[1].Cron)

	client := cfg.ClientSettings()
	require.Equal(t, 45*time.Second, client.Timeout)
	require.Equal(t, 1500*time.Millisecond, client.RateLimitDelay)
	require.Equal(t, 4, client.MaxRetries)

	sched := cfg.SchedulerSettings()
	require.Equal(t, 8, sched.MaxWorkers)
	require.Equal(t, 30*time.Second, sched.BackoffBase)

	mon := cfg.MonitorSettings()
	require.Equal(t, 15*time.Minute, mon.TickInterval)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
sources:
  - id: hot
    kind: hotlist
    url: https://upstream.test/hot
    every: 1h
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, 5, cfg.Scheduler.MaxWorkers)
	require.True(t, cfg.Monitor.Enabled)
	require.Equal(t, time.Second, cfg.ClientSettings().RateLimitDelay)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		yaml string
	}{
		{
			name: "no sources",
			yaml: "server:\n  port: 8080\n",
		},
		{
			name: "postgres without dsn",
			yaml: `
storage:
  backend: postgres
sources:
  - id: hot
    kind: hotlist
    url: https://upstream.test/hot
`,
		},
		{
			name: "auth without key",
			yaml: `
auth:
  enabled: true
sources:
  - id: hot
    kind: hotlist
    url: https://upstream.test/hot
`,
		},
		{
			name: "event topic without project",
			yaml: `
scheduler:
  event_topic: crawl-events
sources:
  - id: hot
    kind: hotlist
    url: https://upstream.test/hot
`,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
		})
	}
}

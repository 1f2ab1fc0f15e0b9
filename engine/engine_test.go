package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietwire/poisson/engine/config"
	"github.com/quietwire/poisson/engine/telemetry/health"
)

func writeFixtureDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"sites.yaml": `
categories:
  news:
    - url: "https://news.example.test/"
      weight: 1
links:
  "https://news.example.test/":
    - "https://news.example.test/a"
`,
		"personas.yaml": `
personas:
  - name: alex
    user_agent: "Mozilla/5.0 (test)"
    viewport_width: 1920
    viewport_height: 1080
    platform: "Win32"
    languages: ["en-US"]
    timezone: "America/New_York"
    accept_encoding: "gzip"
    mobile: false
    weight: 1
`,
		"search_terms.yaml": `
terms:
  news:
    - "headlines today"
`,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := Defaults()
	cfg.DataDir = writeFixtureDataDir(t)
	cfg.ControlAddr = "127.0.0.1:0"
	cfg.Seed = 42
	cfg.Options.MaxConcurrentSessions = 1
	return cfg
}

func TestNew_BuildsEveryComponent(t *testing.T) {
	eng, err := New(testConfig(t))
	require.NoError(t, err)
	require.NotNil(t, eng.ControlServer())
	require.NotEmpty(t, eng.ControlServer().APIKey())
}

func TestNew_RejectsInvalidOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Options.MaxConcurrentSessions = -1
	_, err := New(cfg)
	require.Error(t, err)
}

func TestNew_MissingRequiredDataFileFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.DataDir = t.TempDir() // no sites.yaml
	_, err := New(cfg)
	require.Error(t, err)
}

func TestStartStop_RunsUntilCanceled(t *testing.T) {
	eng, err := New(testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
	eng.Stop()
}

func TestHealthSnapshot_ReportsHealthyOnFreshEngine(t *testing.T) {
	eng, err := New(testConfig(t))
	require.NoError(t, err)
	snap := eng.HealthSnapshot(context.Background())
	require.Equal(t, health.StatusHealthy, snap.Overall, "probes: %+v", snap.Probes)
}

func TestDefaults_AppliesEngineConfigDefaults(t *testing.T) {
	cfg := Defaults()
	require.Equal(t, config.Defaults(), cfg.Options)
	require.NotEmpty(t, cfg.ControlAddr)
}

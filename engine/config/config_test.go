package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/quietwire/poisson/engine/models"
)

func TestDefaults_MatchSpecTable(t *testing.T) {
	d := Defaults()
	if d.Intensity != models.IntensityMedium || d.MaxBandwidthMBPerHour != 50 ||
		d.MaxConcurrentSessions != 2 || d.ScheduleMode != models.ScheduleAlways ||
		!d.EnableSearchNoise || !d.EnableBrowseNoise || !d.EnableDNSNoise ||
		d.EnableAdClicks || d.EnableTor || d.EnableResearchNoise || !d.MatchBrowserFingerprint {
		t.Fatalf("defaults drifted from spec §6: %+v", d)
	}
}

func TestResolve_OptionsFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "options.json")
	if err := os.WriteFile(path, []byte(`{"intensity":"high","max_bandwidth_mb_per_hour":10}`), 0o644); err != nil {
		t.Fatal(err)
	}
	opts, err := Resolve(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Intensity != models.IntensityHigh || opts.MaxBandwidthMBPerHour != 10 {
		t.Fatalf("expected file overrides to apply, got %+v", opts)
	}
	if opts.MaxConcurrentSessions != 2 {
		t.Fatalf("expected untouched fields to keep defaults, got %+v", opts)
	}
}

func TestResolve_EnvOverridesOptionsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "options.json")
	if err := os.WriteFile(path, []byte(`{"intensity":"high"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	opts, err := Resolve(path, []string{"POISSON_INTENSITY=paranoid", "POISSON_ENABLE_TOR=true"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Intensity != models.IntensityParanoid {
		t.Fatalf("expected env to win over file, got %s", opts.Intensity)
	}
	if !opts.EnableTor {
		t.Fatalf("expected enable_tor from env to apply")
	}
}

func TestResolve_RejectsUnknownIntensity(t *testing.T) {
	_, err := Resolve("", []string{"POISSON_INTENSITY=extreme"})
	if err != models.ErrUnknownIntensity {
		t.Fatalf("expected ErrUnknownIntensity, got %v", err)
	}
}

func TestResolve_RejectsOutOfRangeConcurrency(t *testing.T) {
	_, err := Resolve("", []string{"POISSON_MAX_CONCURRENT_SESSIONS=9"})
	if err != models.ErrConcurrencyOutOfRange {
		t.Fatalf("expected ErrConcurrencyOutOfRange, got %v", err)
	}
}

func TestResolve_MissingOptionsFileIsNotAnError(t *testing.T) {
	opts, err := Resolve(filepath.Join(t.TempDir(), "missing.json"), nil)
	if err != nil {
		t.Fatalf("missing options file should be tolerated, got %v", err)
	}
	if opts != Defaults() {
		t.Fatalf("expected pure defaults when no file exists")
	}
}

func TestLive_SetIntensityValidatesAndApplies(t *testing.T) {
	live := NewLive(Defaults())
	if err := live.SetIntensity(models.IntensityLow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if live.Snapshot().Intensity != models.IntensityLow {
		t.Fatalf("expected intensity to update")
	}
	if err := live.SetIntensity("nonsense"); err != models.ErrUnknownIntensity {
		t.Fatalf("expected rejection of unknown intensity, got %v", err)
	}
}

func TestLive_SetEngineEnabledTracksToggle(t *testing.T) {
	live := NewLive(Defaults())
	live.SetEngineEnabled(models.EngineTor, true)
	if !live.Snapshot().EnableTor {
		t.Fatalf("expected tor toggle to be reflected in the live snapshot")
	}
}

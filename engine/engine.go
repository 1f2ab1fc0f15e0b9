// Package engine is the top-level facade wiring every Poisson component
// together, grounded on the teacher's own engine.Config/engine.New/
// engine.Start shape (cli/cmd/ariadne/main.go calls exactly this pattern:
// resolve a Config, construct an Engine, Start it with a context, read
// back a Snapshot for periodic reporting).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quietwire/poisson/engine/activity"
	"github.com/quietwire/poisson/engine/bandwidth"
	"github.com/quietwire/poisson/engine/config"
	"github.com/quietwire/poisson/engine/control"
	"github.com/quietwire/poisson/engine/datafiles"
	"github.com/quietwire/poisson/engine/dispatch"
	"github.com/quietwire/poisson/engine/driver/httpdriver"
	"github.com/quietwire/poisson/engine/models"
	"github.com/quietwire/poisson/engine/orchestrator"
	"github.com/quietwire/poisson/engine/persona"
	"github.com/quietwire/poisson/engine/session"
	"github.com/quietwire/poisson/engine/telemetry/events"
	"github.com/quietwire/poisson/engine/telemetry/health"
	"github.com/quietwire/poisson/engine/telemetry/metrics"
	"github.com/quietwire/poisson/engine/telemetry/tracing"
	"github.com/quietwire/poisson/engine/topic"
	"github.com/quietwire/poisson/internal/rng"
)

// engineProfile is the coarse byte-size and relative-weight seed for one
// traffic-generating engine (spec §4.4: "Estimated bytes per task are
// engine-specific coarse constants (e.g., browse ~= 1.5 MB, search ~= 300
// KB, DNS ~= 1 KB)"). Research/adclick/tor have no spec-given figure;
// research is sized like a long-form article page, adclick like a small
// landing page, tor like browse's own same-shape page (spec §4.6: "tor:
// same shape as browse").
type engineProfile struct {
	weight         float64
	estimatedBytes int64
}

var engineProfiles = map[models.EngineName]engineProfile{
	models.EngineSearch:   {weight: 1.0, estimatedBytes: 300 * 1024},
	models.EngineBrowse:   {weight: 1.0, estimatedBytes: 1536 * 1024},
	models.EngineDNS:      {weight: 1.0, estimatedBytes: 1024},
	models.EngineResearch: {weight: 0.6, estimatedBytes: 450 * 1024},
	models.EngineAdclick:  {weight: 0.4, estimatedBytes: 180 * 1024},
	models.EngineTor:      {weight: 0.6, estimatedBytes: 1536 * 1024},
}

// Config is the facade's own wiring surface: the layered option set
// (engine/config.Options) plus the process-level concerns that are never
// part of the hot-reloadable option layers — where data lives, where the
// control plane listens, and the root randomness seed (spec §9: "a single
// root seed, injectable for deterministic test runs").
type Config struct {
	Options     config.Options
	DataDir     string
	ControlAddr string
	Seed        uint64
	Logger      *slog.Logger
}

// Defaults mirrors config.Defaults() plus the facade-only fields' zero
// values a caller is expected to fill in (DataDir, ControlAddr).
func Defaults() Config {
	return Config{Options: config.Defaults(), ControlAddr: "127.0.0.1:8742"}
}

// Engine owns every long-lived component and is the single object
// cmd/poissond drives.
type Engine struct {
	cfg Config
	log *slog.Logger

	loader       *datafiles.Loader
	topics       *topic.Model
	personas     *persona.Registry
	dispatcher   *dispatch.Dispatcher
	governor     *bandwidth.Governor
	sessions     *session.Manager
	orchestrator *orchestrator.Orchestrator
	control      *control.Server
	live         *config.Live
	health       *health.Evaluator
	eventBus     events.Bus
	metrics      metrics.Provider
	tracer       *tracing.Tracer
}

// New resolves every component from cfg but starts nothing (spec §5: a
// clean construct/start/stop lifecycle), mirroring the teacher's
// engine.New(cfg) / eng.Start(ctx, seeds) split.
func New(cfg Config) (*Engine, error) {
	if err := config.Validate(cfg.Options); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}

	loader := datafiles.New(cfg.DataDir, log)
	if err := loader.Load(); err != nil {
		return nil, fmt.Errorf("engine: initial data load: %w", err)
	}
	snap := loader.Current()

	streams := rng.NewStreams(cfg.Seed)
	live := config.NewLive(cfg.Options)

	topics := topic.New(snap.Profiles, snap.Wordlists, streams.Sub("topic"))
	personas := persona.New(snap.Personas, streams.Sub("persona"))
	loader.SetOnReload(func(s *datafiles.Snapshot) {
		topics.SetProfiles(s.Profiles, s.Wordlists)
		personas.SetPersonas(s.Personas)
	})

	sites := &liveSites{loader: loader}
	hosts := &liveHosts{loader: loader}

	engines := []dispatch.Engine{
		dispatch.NewSearch(sites, engineProfiles[models.EngineSearch].weight, engineProfiles[models.EngineSearch].estimatedBytes),
		dispatch.NewBrowse(sites, engineProfiles[models.EngineBrowse].weight, engineProfiles[models.EngineBrowse].estimatedBytes),
		dispatch.NewDNS(hosts, engineProfiles[models.EngineDNS].weight, engineProfiles[models.EngineDNS].estimatedBytes),
		dispatch.NewResearch(sites, engineProfiles[models.EngineResearch].weight, engineProfiles[models.EngineResearch].estimatedBytes),
		dispatch.NewAdclick(sites, engineProfiles[models.EngineAdclick].weight, engineProfiles[models.EngineAdclick].estimatedBytes),
		dispatch.NewTor(sites, engineProfiles[models.EngineTor].weight, engineProfiles[models.EngineTor].estimatedBytes),
	}
	applyEnableFlags(engines, cfg.Options)

	dispatcher := dispatch.New(engines, streams.Sub("dispatch"))

	governor := bandwidth.New(time.Hour, int64(cfg.Options.MaxBandwidthMBPerHour)*1024*1024, nil)
	sessions := session.New(cfg.Options.MaxConcurrentSessions, governor, nil)

	promProvider := metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	bus := events.NewBus(promProvider)
	ring := activity.New(0)
	tracer := tracing.New("poisson", "default")

	orch := orchestrator.New(orchestrator.Dependencies{
		Topics:        topics,
		Personas:      personas,
		Dispatch:      dispatcher,
		Sessions:      sessions,
		Governor:      governor,
		Ring:          ring,
		Live:          live,
		DriverFactory: httpdriver.New(),
		RootRNG:       streams,
		Logger:        log,
		Tracer:        tracer,
	})

	ctrl := control.New(control.Dependencies{
		Orchestrator: orch,
		Dispatch:     dispatcher,
		Personas:     personas,
		Live:         live,
		Ring:         ring,
		Governor:     governor,
		Logger:       log,
	})

	ev := &Engine{
		cfg:          cfg,
		log:          log,
		loader:       loader,
		topics:       topics,
		personas:     personas,
		dispatcher:   dispatcher,
		governor:     governor,
		sessions:     sessions,
		orchestrator: orch,
		control:      ctrl,
		live:         live,
		eventBus:     bus,
		metrics:      promProvider,
		tracer:       tracer,
	}
	ev.health = health.NewEvaluator(5*time.Second,
		health.ProbeFunc(ev.probeBandwidth),
		health.ProbeFunc(ev.probeSessionSlots),
		health.ProbeFunc(ev.probeDatafiles),
	)
	return ev, nil
}

func applyEnableFlags(engines []dispatch.Engine, opts config.Options) {
	flags := map[models.EngineName]bool{
		models.EngineSearch:   opts.EnableSearchNoise,
		models.EngineBrowse:   opts.EnableBrowseNoise,
		models.EngineDNS:      opts.EnableDNSNoise,
		models.EngineResearch: opts.EnableResearchNoise,
		models.EngineAdclick:  opts.EnableAdClicks,
		models.EngineTor:      opts.EnableTor,
	}
	for _, e := range engines {
		if v, ok := flags[e.Name()]; ok {
			e.Spec().SetEnabled(v)
		}
	}
}

// Start runs the orchestrator, the data-file watcher, and the control
// plane HTTP server until ctx is canceled (spec §5).
func (e *Engine) Start(ctx context.Context) error {
	if err := e.loader.Watch(); err != nil {
		return fmt.Errorf("engine: start datafiles watch: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- e.orchestrator.Run(ctx) }()
	go func() { errCh <- e.control.Serve(ctx, e.cfg.ControlAddr) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop requests a graceful shutdown; Start's context cancellation is the
// primary stop signal, this additionally drains the orchestrator's
// in-flight sessions immediately rather than waiting on ctx.Done to
// propagate (spec §5: "stops emitting new tasks immediately").
func (e *Engine) Stop() {
	e.orchestrator.Stop()
	_ = e.loader.Close()
}

// ControlServer exposes the control plane for callers that need its
// minted API key (cmd/poissond prints it to the operator at startup).
func (e *Engine) ControlServer() *control.Server { return e.control }

// HealthSnapshot reports the cached multi-probe rollup for /healthz-style
// external monitoring outside the control plane's own handler.
func (e *Engine) HealthSnapshot(ctx context.Context) health.Snapshot {
	return e.health.Evaluate(ctx)
}

func (e *Engine) probeBandwidth(ctx context.Context) health.ProbeResult {
	cap := int64(e.live.Snapshot().MaxBandwidthMBPerHour) * 1024 * 1024
	used := e.governor.Used()
	if cap > 0 && used >= cap {
		return health.Degraded("bandwidth", "rolling window at cap")
	}
	return health.Healthy("bandwidth")
}

func (e *Engine) probeSessionSlots(ctx context.Context) health.ProbeResult {
	if leaks := e.sessions.SlotLeaks(); leaks > 0 {
		return health.Degraded("session_slots", fmt.Sprintf("%d leaked slot releases observed", leaks))
	}
	return health.Healthy("session_slots")
}

func (e *Engine) probeDatafiles(ctx context.Context) health.ProbeResult {
	if e.loader.Current() == nil {
		return health.Unhealthy("datafiles", "no snapshot loaded")
	}
	return health.Healthy("datafiles")
}

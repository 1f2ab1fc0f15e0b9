// Package orchestrator implements the top-level tick loop of spec §4.7:
// wait for a timing-kernel event, consult the schedule gate, draw a topic
// and persona, ask the dispatcher for an engine, and submit the resulting
// work either to the session manager (browser-backed engines) or directly
// (dns, which spec §4.6 keeps independent of browser slots). Grounded on
// the teacher's engine orchestration loop shape
// (engine/internal/runtime's watch-and-dispatch pattern) generalized from
// a single config-reload consumer to the full session lifecycle.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quietwire/poisson/engine/activity"
	"github.com/quietwire/poisson/engine/bandwidth"
	"github.com/quietwire/poisson/engine/config"
	"github.com/quietwire/poisson/engine/dispatch"
	"github.com/quietwire/poisson/engine/driver"
	"github.com/quietwire/poisson/engine/models"
	"github.com/quietwire/poisson/engine/persona"
	"github.com/quietwire/poisson/engine/session"
	"github.com/quietwire/poisson/engine/telemetry/tracing"
	"github.com/quietwire/poisson/engine/timing"
	"github.com/quietwire/poisson/engine/topic"
	"github.com/quietwire/poisson/internal/rng"
)

// Presence is the external home/away signal that gates schedule_mode
// home_only/away_only (spec §8 S5: "presence oscillates home/away").
// The spec names the gate but not its input channel; this core treats the
// extension heartbeat (POST /ext/heartbeat) as the presence source,
// defaulting to PresenceHome when no extension has ever reported in, so a
// host platform without the optional extension still gets useful traffic
// under home_only rather than silently never firing.
type Presence string

const (
	PresenceHome Presence = "home"
	PresenceAway Presence = "away"
)

// presenceTracker is the single owning component for the presence signal
// (spec §5: one owner mediates writes, others read snapshots).
type presenceTracker struct {
	mu    sync.RWMutex
	value Presence
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{value: PresenceHome}
}

func (p *presenceTracker) Set(v Presence) {
	p.mu.Lock()
	p.value = v
	p.mu.Unlock()
}

func (p *presenceTracker) Get() Presence {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value
}

// customWindow is the operator-facing schedule for schedule_mode=custom.
// Spec §6 names the enum value but leaves its window format open; absent
// further host-platform input this resolves to a fixed evening-and-weekend
// window, the same shape as a household's typical discretionary browsing
// hours, configurable later without changing the gate's call shape.
type customWindow struct {
	startHour, endHour int // [startHour, endHour), local time, every day
}

var defaultCustomWindow = customWindow{startHour: 18, endHour: 23}

func (w customWindow) open(t time.Time) bool {
	h := t.Hour()
	if w.startHour <= w.endHour {
		return h >= w.startHour && h < w.endHour
	}
	return h >= w.startHour || h < w.endHour // wraps midnight
}

// Orchestrator owns the timing kernel(s), and wires the topic/persona/
// dispatch/session/bandwidth components into the tick loop (spec §4.7).
type Orchestrator struct {
	log *slog.Logger

	sessionKernel *timing.Kernel
	dnsKernel     *timing.Kernel
	clock         timing.Clock

	topics    *topic.Model
	personas  *persona.Registry
	dispatch  *dispatch.Dispatcher
	sessions  *session.Manager
	governor  *bandwidth.Governor
	ring      *activity.Ring
	live      *config.Live
	presence  *presenceTracker
	custom    customWindow
	driverF   driver.Factory
	rootRNG   *rng.Streams
	tracer    *tracing.Tracer

	gateWaitMu sync.Mutex
	gateWaitCh chan struct{}

	sessionsToday  atomic.Int64
	requestsToday  atomic.Int64
	errorsToday    atomic.Int64
	nextSessionETA atomic.Int64 // unix nano; 0 if unknown

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Dependencies bundles the constructed components an Orchestrator drives;
// kept as a struct (rather than a long positional New) since the wiring
// happens once, at process startup, in cmd/poissond.
type Dependencies struct {
	Topics   *topic.Model
	Personas *persona.Registry
	Dispatch *dispatch.Dispatcher
	Sessions *session.Manager
	Governor *bandwidth.Governor
	Ring     *activity.Ring
	Live     *config.Live
	DriverFactory driver.Factory
	RootRNG  *rng.Streams
	Clock    timing.Clock
	Logger   *slog.Logger
	Tracer   *tracing.Tracer
}

func New(deps Dependencies) *Orchestrator {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = timing.RealClock{}
	}
	o := &Orchestrator{
		log:        log,
		clock:      clock,
		topics:     deps.Topics,
		personas:   deps.Personas,
		dispatch:   deps.Dispatch,
		sessions:   deps.Sessions,
		governor:   deps.Governor,
		ring:       deps.Ring,
		live:       deps.Live,
		presence:   newPresenceTracker(),
		custom:     defaultCustomWindow,
		driverF:    deps.DriverFactory,
		rootRNG:    deps.RootRNG,
		tracer:     deps.Tracer,
		gateWaitCh: make(chan struct{}),
		stopCh:     make(chan struct{}),
	}

	intensity := func() float64 { return o.live.Snapshot().Intensity.LambdaBase() }
	loc := time.Local

	sessionState := timing.NewIntensityState(intensity, loc, o.rootRNG.Sub("lambda_session"))
	o.sessionKernel = timing.New("session_start", sessionState.Lambda, sessionState.LambdaMax,
		30*time.Minute, clock, o.rootRNG.Sub("kernel_session"), o.gate)
	o.sessionKernel.GateWaitCh = o.gateSignal

	dnsIntensity := func() float64 { return intensity() * 0.5 } // dns ticks at half the session rate, spec §4.6 "lightweight"
	dnsState := timing.NewIntensityState(dnsIntensity, loc, o.rootRNG.Sub("lambda_dns"))
	o.dnsKernel = timing.New("dns_tick", dnsState.Lambda, dnsState.LambdaMax,
		30*time.Minute, clock, o.rootRNG.Sub("kernel_dns"), o.dnsGate)
	o.dnsKernel.GateWaitCh = o.gateSignal

	return o
}

// SetPresence updates the home/away signal (wired from POST
// /ext/heartbeat; see engine/control).
func (o *Orchestrator) SetPresence(p Presence) { o.presence.Set(p) }

// gate is the schedule-mode gate for session_start events (spec §4.7 step 2).
func (o *Orchestrator) gate() bool {
	switch o.live.Snapshot().ScheduleMode {
	case models.ScheduleAlways:
		return true
	case models.ScheduleHomeOnly:
		return o.presence.Get() == PresenceHome
	case models.ScheduleAwayOnly:
		return o.presence.Get() == PresenceAway
	case models.ScheduleCustom:
		return o.custom.open(o.clock.Now())
	default:
		return true
	}
}

// dnsGate additionally requires the dns engine itself be enabled; a
// disabled dns engine should not wake the dns kernel at all.
func (o *Orchestrator) dnsGate() bool {
	return o.gate() && o.live.Snapshot().EnableDNSNoise
}

// gateSignal is handed to both kernels as their GateWaitCh so a config or
// presence change wakes a suspended kernel promptly instead of polling
// (spec §4.1: "the kernel suspends on a condition variable until the gate
// lifts"). NotifyGateChanged should be called by the control plane
// whenever intensity, schedule_mode, or presence changes.
func (o *Orchestrator) gateSignal() <-chan struct{} {
	o.gateWaitMu.Lock()
	defer o.gateWaitMu.Unlock()
	return o.gateWaitCh
}

// NotifyGateChanged wakes any kernel currently suspended on the schedule
// gate, e.g. after POST /intensity or a presence update.
func (o *Orchestrator) NotifyGateChanged() {
	o.gateWaitMu.Lock()
	defer o.gateWaitMu.Unlock()
	close(o.gateWaitCh)
	o.gateWaitCh = make(chan struct{})
}

// Run drives both kernels until ctx is canceled (spec §5: the orchestrator
// stops emitting new tasks immediately on a stop signal).
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	var sessionErr, dnsErr error

	go func() {
		defer wg.Done()
		sessionErr = o.runSessionLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		dnsErr = o.runDNSLoop(ctx)
	}()

	wg.Wait()
	if sessionErr != nil && sessionErr != context.Canceled {
		return sessionErr
	}
	if dnsErr != nil && dnsErr != context.Canceled {
		return dnsErr
	}
	return nil
}

// Stop signals a graceful shutdown: no new sessions are dispatched and all
// running sessions are canceled (spec §5).
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.sessions.CancelAll("shutdown")
}

func (o *Orchestrator) runSessionLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.stopCh:
			return nil
		default:
		}

		ev, err := o.sessionKernel.Next(ctx)
		if err != nil {
			return err
		}
		o.nextSessionETA.Store(ev.FireAt.UnixNano())

		if err := timing.WaitUntil(ctx, o.clock, ev.FireAt); err != nil {
			return err
		}

		select {
		case <-o.stopCh:
			return nil
		default:
		}

		if !o.gate() {
			continue // schedule closed between draw and fire; discard, do not queue (spec §4.7 step 2)
		}

		o.handleSessionEvent(ctx, ev)
	}
}

func (o *Orchestrator) runDNSLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.stopCh:
			return nil
		default:
		}

		ev, err := o.dnsKernel.Next(ctx)
		if err != nil {
			return err
		}
		if err := timing.WaitUntil(ctx, o.clock, ev.FireAt); err != nil {
			return err
		}

		select {
		case <-o.stopCh:
			return nil
		default:
		}

		if !o.dnsGate() {
			continue
		}
		o.handleDNSTick()
	}
}

func (o *Orchestrator) handleSessionEvent(ctx context.Context, ev models.Event) {
	now := o.clock.Now()
	draw := o.topics.Next(now, o.engineEnabled)
	if draw.Category == "" {
		return // no live topic category (e.g. every category's engine is disabled)
	}

	p := o.personas.Select(now)
	if p == nil {
		return // no persona pool loaded yet
	}

	hasFreeSlot := o.sessions.ActiveCount() < o.sessions.Capacity()
	eng, ok := o.dispatch.Select(hasFreeSlot)
	if !ok {
		return
	}

	if eng.Name() == models.EngineDNS {
		o.fireDNS(eng)
		return
	}

	sessionRNG := o.rootRNG.Sub("session_" + p.Name + "_" + draw.Category)
	source := dispatch.NewSessionTaskSource(eng, draw, sessionRNG, 1+int(sessionRNG.Int64N(5)))

	chainSeed := rng.NewStreams(timing.SeedFromPersonaTopic(p.Name, draw.Category))
	chain := timing.NewChain(chainSeed.Sub("markov"))

	sess := models.NewSession(uuid.NewString(), p, draw.Category, now, sessionDuration(sessionRNG), pageBudget(sessionRNG))

	o.sessionsToday.Add(1)
	go func() {
		sessCtx, span := o.tracer.StartSession(ctx, sess.ID, p.Name, draw.Category)
		err := o.sessions.Run(sessCtx, sess, chain, source, o.driverF, o.ring)
		if err == session.ErrNoSlot {
			o.tracer.EndSession(span, false)
			return // lost the race for the slot between peek and Run; try again next tick
		}
		if err != nil {
			o.errorsToday.Add(1)
			o.log.Warn("session ended with error", "session_id", sess.ID, "error", err)
			o.tracer.RecordError(sessCtx, "session_run", err)
		}
		for _, engName := range sess.EnginePath() {
			o.tracer.RecordTask(sessCtx, engName, 0, sess.BytesConsumed(), "ok")
		}
		o.requestsToday.Add(int64(len(sess.EnginePath())))
		o.tracer.EndSession(span, err == nil)
	}()
}

// fireDNS executes a dns tick directly, bypassing the session manager
// entirely (spec §4.6: "independent of browser slots").
func (o *Orchestrator) fireDNS(eng dispatch.Engine) {
	dnsEng, ok := eng.(dispatch.DNSEngine)
	if !ok {
		return
	}
	o.dispatchDNS(dnsEng)
}

func (o *Orchestrator) handleDNSTick() {
	eng, ok := o.dispatch.Engine(models.EngineDNS)
	if !ok || !eng.Spec().Enabled() {
		return
	}
	dnsEng, ok := eng.(dispatch.DNSEngine)
	if !ok {
		return
	}
	o.dispatchDNS(dnsEng)
}

func (o *Orchestrator) dispatchDNS(dnsEng dispatch.DNSEngine) {
	source := o.rootRNG.Sub("dns_tick")
	task, ok := dnsEng.NextTask(source)
	if !ok {
		return
	}

	decision := o.governor.Admit(task.Engine, task.ExpectedBytes)
	now := o.clock.Now()
	if !decision.Admitted {
		dnsEng.OnComplete(task, models.OutcomeSkipped, 0)
		o.ring.Record(models.ActivityEntry{Timestamp: now, Engine: task.Engine, Detail: "skipped: " + decision.Reason, Outcome: models.OutcomeSkipped})
		return
	}

	// The real resolver call is an external collaborator, same as the page
	// driver; the core only accounts for it. A DNS lookup's observed size
	// is its estimated constant, since there is no response-body driver
	// result to measure (spec §4.6: "lightweight").
	o.governor.RecordActual(task.Engine, task.ExpectedBytes)
	o.requestsToday.Add(1)
	dnsEng.OnComplete(task, models.OutcomeOK, task.ExpectedBytes)
	o.ring.Record(models.ActivityEntry{
		Timestamp: now,
		Engine:    task.Engine,
		Detail:    task.URL,
		Bytes:     task.ExpectedBytes,
		Outcome:   models.OutcomeOK,
	})
}

func (o *Orchestrator) engineEnabled(name models.EngineName) bool {
	eng, ok := o.dispatch.Engine(name)
	if !ok {
		return false
	}
	return eng.Spec().Enabled()
}

// sessionDuration and pageBudget give the Markov-driven session runner a
// planned outer bound and per-session page ceiling (spec §4.5); the
// runner itself decides exactly when to leave via the Markov chain, these
// are just the cooperative caps session.Manager enforces.
// sessionDuration draws planned_duration log-normal over a 30s-2h range
// (spec §3), using the same ln-space Box-Muller draw as intra-session dwell
// sampling in engine/timing. Median is centered around 8 minutes, a typical
// browsing session, with enough spread that both the 30s floor and the 2h
// ceiling see occasional traffic.
func sessionDuration(source rng.Source) time.Duration {
	const (
		median = 8 * time.Minute
		sigma  = 1.1
		min    = 30 * time.Second
		max    = 2 * time.Hour
	)
	return timing.LogNormalDuration(source, median, sigma, min, max)
}

func pageBudget(source rng.Source) int {
	return 1 + int(source.Int64N(12))
}

// NextSessionETA reports the orchestrator's monotonic next-session
// estimate for /stats' next_session_in (spec §4.7).
func (o *Orchestrator) NextSessionETA() time.Time {
	nano := o.nextSessionETA.Load()
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// Topics exposes the topic model so the control plane's extension
// next-task handler can draw outside the normal session tick loop.
func (o *Orchestrator) Topics() *topic.Model { return o.topics }

// EngineEnabled exports engineEnabled for the same extension handler.
func (o *Orchestrator) EngineEnabled(name models.EngineName) bool { return o.engineEnabled(name) }

func (o *Orchestrator) SessionsToday() int64 { return o.sessionsToday.Load() }
func (o *Orchestrator) RequestsToday() int64 { return o.requestsToday.Load() }
func (o *Orchestrator) ErrorsToday() int64   { return o.errorsToday.Load() }
func (o *Orchestrator) ActiveSessions() int  { return o.sessions.ActiveCount() }

// Package session implements the concurrency-slot-bound session runner of
// spec §4.5, grounded on the teacher's pipeline stage model
// (engine/internal/pipeline/pipeline.go: bounded channels as a semaphore,
// per-stage WaitGroup, a small aggregate stats struct) adapted from a
// fixed four-stage worker pipeline to a single bounded pool of
// independently long-running Markov-driven session runners.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quietwire/poisson/engine/bandwidth"
	"github.com/quietwire/poisson/engine/driver"
	"github.com/quietwire/poisson/engine/models"
	"github.com/quietwire/poisson/engine/timing"
)

// ErrNoSlot is returned by Run when every concurrency slot is occupied.
var ErrNoSlot = errors.New("session: no free concurrency slot")

// graceDeadline bounds how long Cancel waits for a session to unwind
// cleanly before force-releasing its slot (spec §4.5, "<= 5s").
const graceDeadline = 5 * time.Second

// maxSessionCap is the absolute ceiling on a session's total duration
// regardless of PlannedDuration (spec §4.5).
const maxSessionCap = 3 * time.Hour

// Clock abstracts wall-clock access for deterministic tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TaskSource is the engine-dispatcher side of the contract: given the
// session's current Markov state, produce a concrete task (or none for
// states with no network action, e.g. idle) and later be told the
// outcome (spec §4.6 produce_task/on_complete).
type TaskSource interface {
	ProduceTask(state timing.State, sess *models.Session) (models.Task, bool)
	OnComplete(task models.Task, outcome models.Outcome, bytes int64)
}

// ActivityRecorder is the single-writer activity ring (spec §5: "Activity
// ring writes are serialized").
type ActivityRecorder interface {
	Record(entry models.ActivityEntry)
}

// Admitter is the bandwidth governor's admission surface.
type Admitter interface {
	Admit(engine models.EngineName, estimatedBytes int64) bandwidth.Decision
	RecordActual(engine models.EngineName, bytes int64)
}

type handle struct {
	cancel      context.CancelFunc
	done        chan struct{}
	releaseOnce sync.Once
}

// Manager holds up to maxConcurrent live sessions (spec §4.5).
type Manager struct {
	sem   chan struct{}
	clock Clock

	mu       sync.Mutex
	running  map[string]*models.Session
	handles  map[string]*handle

	governor Admitter

	slotLeaks atomic.Int64
}

func New(maxConcurrent int, governor Admitter, clock Clock) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Manager{
		sem:      make(chan struct{}, maxConcurrent),
		clock:    clock,
		running:  make(map[string]*models.Session),
		handles:  make(map[string]*handle),
		governor: governor,
	}
}

// ActiveCount reports the number of sessions currently running
// (spec §8 invariant 5).
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Capacity reports the configured concurrency slot count (spec §4.5), for
// callers that need to peek at headroom without reserving a slot.
func (m *Manager) Capacity() int {
	return cap(m.sem)
}

// SlotLeaks reports how many times Cancel had to force-release a slot
// whose driver failed to unwind within the grace deadline (spec §7,
// SPEC_FULL's auditor counter).
func (m *Manager) SlotLeaks() int64 {
	return m.slotLeaks.Load()
}

func (m *Manager) tryAcquireSlot() bool {
	select {
	case m.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (h *handle) release(sem chan struct{}, leaked bool, leakCounter *atomic.Int64) {
	h.releaseOnce.Do(func() {
		<-sem
		if leaked {
			leakCounter.Add(1)
		}
	})
}

// Run drives sess to completion: reserves a slot, executes the Markov
// chain, calls the driver per state through TaskSource, admits each
// candidate task against the bandwidth governor, records every outcome,
// and releases the slot when done. Returns ErrNoSlot immediately if the
// manager is at capacity (spec §4.5 admit()); otherwise blocks until the
// session finishes, is canceled, or its hard timeout elapses.
func (m *Manager) Run(ctx context.Context, sess *models.Session, chain *timing.Chain, source TaskSource, driverFactory driver.Factory, recorder ActivityRecorder) error {
	if !m.tryAcquireSlot() {
		return ErrNoSlot
	}

	sessCtx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.running[sess.ID] = sess
	m.handles[sess.ID] = h
	m.mu.Unlock()

	defer func() {
		close(h.done)
		m.mu.Lock()
		delete(m.running, sess.ID)
		delete(m.handles, sess.ID)
		m.mu.Unlock()
		h.release(m.sem, false, &m.slotLeaks)
	}()

	sess.SetState(models.SessionRunning)
	err := m.drive(sessCtx, sess, chain, source, driverFactory, recorder)
	if err != nil {
		sess.SetState(models.SessionFailed)
		recorder.Record(models.ActivityEntry{
			Timestamp: m.clock.Now(),
			Detail:    "session failed: " + err.Error(),
			Outcome:   models.OutcomeError,
			Persona:   personaName(sess),
			SessionID: sess.ID,
		})
	} else {
		sess.SetState(models.SessionDone)
	}
	return err
}

// Cancel transitions sess to stopping and instructs its driver to
// terminate, waiting up to the grace deadline before force-releasing the
// slot (spec §4.5).
func (m *Manager) Cancel(sessionID string, reason string) {
	m.mu.Lock()
	sess := m.running[sessionID]
	h := m.handles[sessionID]
	m.mu.Unlock()
	if h == nil {
		return
	}
	if sess != nil {
		sess.SetState(models.SessionStopping)
	}
	h.cancel()

	select {
	case <-h.done:
	case <-time.After(graceDeadline):
		h.release(m.sem, true, &m.slotLeaks)
	}
}

// CancelAll cancels every currently running session (spec §5, global stop
// signal propagation).
func (m *Manager) CancelAll(reason string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Cancel(id, reason)
	}
}

func (m *Manager) drive(ctx context.Context, sess *models.Session, chain *timing.Chain, source TaskSource, driverFactory driver.Factory, recorder ActivityRecorder) error {
	totalCap := time.Duration(float64(sess.PlannedDuration) * 1.5)
	if totalCap <= 0 || totalCap > maxSessionCap {
		totalCap = maxSessionCap
	}
	ctx, cancel := context.WithTimeout(ctx, totalCap)
	defer cancel()

	drv := driverFactory(sess.Persona)
	defer drv.Close()

	state := timing.StateLand
	pagesUsed := 0
	var lastLinks []string

	for state != timing.StateLeave {
		if err := ctx.Err(); err != nil {
			return err
		}

		dwellSeconds := chain.Dwell(state)
		stateTimeout := time.Duration(dwellSeconds*2*float64(time.Second)) + time.Second

		if task, ok := source.ProduceTask(state, sess); ok {
			m.handleTask(ctx, sess, task, drv, stateTimeout, pagesUsed, source, recorder, &lastLinks)
			pagesUsed++
		}

		if err := sleepCtx(ctx, time.Duration(dwellSeconds*float64(time.Second))); err != nil {
			return err
		}
		state = chain.Next(state)
	}
	return nil
}

func (m *Manager) handleTask(ctx context.Context, sess *models.Session, task models.Task, drv driver.PageDriver, stateTimeout time.Duration, pagesUsed int, source TaskSource, recorder ActivityRecorder, lastLinks *[]string) {
	if pagesUsed >= sess.PageBudget {
		return
	}

	decision := m.governor.Admit(task.Engine, task.ExpectedBytes)
	if !decision.Admitted {
		source.OnComplete(task, models.OutcomeSkipped, 0)
		recorder.Record(models.ActivityEntry{
			Timestamp: m.clock.Now(),
			Engine:    task.Engine,
			Detail:    "skipped: " + decision.Reason,
			Outcome:   models.OutcomeSkipped,
			Persona:   personaName(sess),
			SessionID: sess.ID,
		})
		return
	}

	// DNS tasks never reach the session manager: spec §4.6 treats dns as
	// "independent of browser slots", fired directly by the orchestrator
	// without a Session or concurrency slot (see engine/dispatch/dns.go).
	var result driver.Result
	switch {
	case task.ClickAd:
		result = drv.ClickAd(ctx, stateTimeout)
	case task.FollowLink:
		// Follow by index against the driver's own last-seen links
		// (spec §6 PageDriver.follow) whenever the resolved URL matches one
		// of them; a driver with no matching link (or none discovered at
		// all, e.g. the very first follow of a session) falls back to Open.
		if idx := indexOfLink(*lastLinks, task.URL); idx >= 0 {
			result = drv.Follow(ctx, idx, stateTimeout)
		} else {
			result = drv.Open(ctx, task.URL, sess.Persona, stateTimeout)
		}
	default:
		result = drv.Open(ctx, task.URL, sess.Persona, stateTimeout)
	}
	if len(result.Links) > 0 {
		*lastLinks = result.Links
	}

	outcome := models.OutcomeOK
	detail := task.URL
	if !result.OK {
		outcome = models.OutcomeError
		if result.Err != nil {
			detail = task.URL + ": " + result.Err.Error()
		}
	} else if result.Excerpt != "" {
		detail = result.Excerpt
	}

	m.governor.RecordActual(task.Engine, result.BytesRead)
	sess.AddBytes(result.BytesRead)
	sess.AppendEnginePath(task.Engine)
	source.OnComplete(task, outcome, result.BytesRead)
	recorder.Record(models.ActivityEntry{
		Timestamp: m.clock.Now(),
		Engine:    task.Engine,
		Detail:    detail,
		Bytes:     result.BytesRead,
		Outcome:   outcome,
		Persona:   personaName(sess),
		SessionID: sess.ID,
	})

	if task.PostDelay > 0 {
		_ = sleepCtx(ctx, task.PostDelay)
	}
}

// indexOfLink returns the position of url within links, or -1 if absent.
func indexOfLink(links []string, url string) int {
	for i, l := range links {
		if l == url {
			return i
		}
	}
	return -1
}

func personaName(sess *models.Session) string {
	if sess.Persona == nil {
		return ""
	}
	return sess.Persona.Name
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

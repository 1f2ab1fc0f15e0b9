// Package models holds the shared value types passed between Poisson's
// timing, topic, persona, bandwidth, session, and dispatch components.
// Kept dependency-free (no sub-package imports) so every other package can
// import it without cycles, mirroring the teacher's pkg/models convention.
package models

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// IntensityLevel selects the base arrival rate for the timing kernel.
type IntensityLevel string

const (
	IntensityLow      IntensityLevel = "low"
	IntensityMedium   IntensityLevel = "medium"
	IntensityHigh     IntensityLevel = "high"
	IntensityParanoid IntensityLevel = "paranoid"
)

// LambdaBase returns the events-per-hour base rate for the level (spec §3,
// IntensityProfile). Unknown levels fall back to medium.
func (l IntensityLevel) LambdaBase() float64 {
	switch l {
	case IntensityLow:
		return 18
	case IntensityHigh:
		return 150
	case IntensityParanoid:
		return 300
	default:
		return 60
	}
}

func (l IntensityLevel) Valid() bool {
	switch l {
	case IntensityLow, IntensityMedium, IntensityHigh, IntensityParanoid:
		return true
	}
	return false
}

// ScheduleMode gates whether the orchestrator acts on a fired event.
type ScheduleMode string

const (
	ScheduleAlways   ScheduleMode = "always"
	ScheduleHomeOnly ScheduleMode = "home_only"
	ScheduleAwayOnly ScheduleMode = "away_only"
	ScheduleCustom   ScheduleMode = "custom"
)

func (m ScheduleMode) Valid() bool {
	switch m {
	case ScheduleAlways, ScheduleHomeOnly, ScheduleAwayOnly, ScheduleCustom:
		return true
	}
	return false
}

// SessionState is the lifecycle of a Session (spec §3 invariants).
type SessionState string

const (
	SessionPending  SessionState = "pending"
	SessionRunning  SessionState = "running"
	SessionStopping SessionState = "stopping"
	SessionDone     SessionState = "done"
	SessionFailed   SessionState = "failed"
)

// Outcome is recorded for every admitted or rejected task.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
)

// EngineName identifies one of the six traffic-generating engines.
type EngineName string

const (
	EngineSearch   EngineName = "search"
	EngineBrowse   EngineName = "browse"
	EngineDNS      EngineName = "dns"
	EngineResearch EngineName = "research"
	EngineTor      EngineName = "tor"
	EngineAdclick  EngineName = "adclick"
)

// AllEngineNames lists every engine the dispatcher knows how to construct.
func AllEngineNames() []EngineName {
	return []EngineName{EngineSearch, EngineBrowse, EngineDNS, EngineResearch, EngineTor, EngineAdclick}
}

// SafetyDefault reports whether an engine is enabled out of the box
// (spec §3 EngineSpec.allowed_by_safety_default, tested by invariant 8).
func (n EngineName) SafetyDefault() bool {
	switch n {
	case EngineSearch, EngineBrowse, EngineDNS:
		return true
	default:
		return false
	}
}

// RequiresBrowser reports whether the engine needs a page-driver (session)
// slot, as opposed to firing independently (dns).
func (n EngineName) RequiresBrowser() bool {
	return n != EngineDNS
}

// TaskKind distinguishes the shape of network action a Task performs.
type TaskKind string

const (
	TaskKindPage TaskKind = "page"
	TaskKindDNS  TaskKind = "dns"
	TaskKindAPI  TaskKind = "api"
)

// Event is a single scheduled firing produced by the timing kernel
// (spec §3). Single-use: once handed to the orchestrator it is discarded.
type Event struct {
	Tag       string
	FireAt    time.Time
	LambdaAt  float64 // λ(t) sample that produced this event, for observability
}

// FingerprintBundle is an optional, operator-reported set of browser
// identifying signals the persona registry aligns one persona to
// (spec §4.3, "fingerprint match").
type FingerprintBundle struct {
	CanvasHash   string
	WebGLVendor  string
	WebGLRender  string
	Fonts        []string
	ScreenWidth  int
	ScreenHeight int
}

// Persona is an immutable, pinned-for-session browser identity (spec §3).
type Persona struct {
	Name           string
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	Platform       string
	Languages      []string
	Timezone       string // optional, empty if unset
	AcceptEncoding string
	Mobile         bool
	Fingerprint    *FingerprintBundle // present only for the dashboard/extension-matched persona
	Matched        bool
	Weight         float64
}

// Obsession is a sustained topical bias (spec §3/§4.2).
type Obsession struct {
	Category  string
	ExpiresAt time.Time
	Strength  float64 // (0, 1]
}

func (o *Obsession) Live(now time.Time) bool {
	return o != nil && now.Before(o.ExpiresAt)
}

// TopicProfile is one weighted category in the topic draw (spec §3).
type TopicProfile struct {
	Category         string
	Weight           float64
	ObsessionHorizon time.Duration // 0 means this category never becomes an obsession
	RequiresEngine   EngineName    // zero value means no engine gate (e.g. privacy_tools -> research)
}

// Task is a concrete unit of network work an engine hands to the session
// manager or, for DNS, executes directly (spec §4.6).
type Task struct {
	Engine          EngineName
	URL             string
	Method          string
	ExpectedBytes   int64
	PostDelay       time.Duration
	Kind            TaskKind
	QueryHint       string
	FollowUpQueries []string // multi-query research runs (spec §4.2)
	ClickAd         bool     // true only for adclick's click_ad action
	FollowLink      bool     // true for the follow_link Markov state; the session manager
	// prefers driver.PageDriver.Follow by index over Open when URL matches a
	// link the driver itself last discovered.
}

// ActivityEntry is one append-only record in the activity ring (spec §3).
type ActivityEntry struct {
	Timestamp time.Time
	Engine    EngineName
	Detail    string
	Bytes     int64
	Outcome   Outcome
	Persona   string
	SessionID string
}

// EngineStats are the per-engine counters exposed on GET /engines.
type EngineStats struct {
	Requests atomic.Int64
	Errors   atomic.Int64
	Bytes    atomic.Int64
}

// Snapshot returns a plain-value copy safe to marshal to JSON.
func (s *EngineStats) Snapshot() EngineStatsSnapshot {
	return EngineStatsSnapshot{
		Requests: s.Requests.Load(),
		Errors:   s.Errors.Load(),
		Bytes:    s.Bytes.Load(),
	}
}

type EngineStatsSnapshot struct {
	Requests int64 `json:"requests"`
	Errors   int64 `json:"errors"`
	Bytes    int64 `json:"bytes"`
}

// EngineSpec is the dispatcher's live, mutable record for one engine
// (spec §3). Enabled/Weight are protected by mu since control-plane
// toggles and session starts race.
type EngineSpec struct {
	Name                    EngineName
	RequiresBrowser         bool
	AllowedBySafetyDefault  bool
	EstimatedBytesPerTask   int64 // coarse constant, spec §4.4

	mu      sync.RWMutex
	enabled bool
	weight  float64

	Stats EngineStats
}

func NewEngineSpec(name EngineName, weight float64, estimatedBytes int64) *EngineSpec {
	return &EngineSpec{
		Name:                   name,
		RequiresBrowser:        name.RequiresBrowser(),
		AllowedBySafetyDefault: name.SafetyDefault(),
		EstimatedBytesPerTask:  estimatedBytes,
		enabled:                name.SafetyDefault(),
		weight:                 weight,
	}
}

func (e *EngineSpec) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

func (e *EngineSpec) SetEnabled(v bool) {
	e.mu.Lock()
	e.enabled = v
	e.mu.Unlock()
}

func (e *EngineSpec) Weight() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.weight
}

func (e *EngineSpec) SetWeight(w float64) {
	e.mu.Lock()
	e.weight = w
	e.mu.Unlock()
}

// Session represents one coherent browsing period (spec §3).
type Session struct {
	ID              string
	Persona         *Persona // pinned for the session's lifetime, never reassigned
	StartTS         time.Time
	PlannedDuration time.Duration
	PageBudget      int

	mu         sync.Mutex
	topic      string
	state      SessionState
	enginePath []string

	bytesConsumed atomic.Int64
}

func NewSession(id string, persona *Persona, topic string, start time.Time, planned time.Duration, pageBudget int) *Session {
	return &Session{
		ID:              id,
		Persona:         persona,
		StartTS:         start,
		PlannedDuration: planned,
		PageBudget:      pageBudget,
		state:           SessionPending,
		topic:           topic,
	}
}

func (s *Session) Topic() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topic
}

// SetTopic allows intra-session Markov transitions to shift topic
// (spec §3: "topic may shift via Markov transitions"); persona is never
// touched here.
func (s *Session) SetTopic(t string) {
	s.mu.Lock()
	s.topic = t
	s.mu.Unlock()
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SetState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) AppendEnginePath(name EngineName) {
	s.mu.Lock()
	s.enginePath = append(s.enginePath, string(name))
	s.mu.Unlock()
}

func (s *Session) EnginePath() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.enginePath))
	copy(out, s.enginePath)
	return out
}

func (s *Session) AddBytes(n int64) int64 {
	return s.bytesConsumed.Add(n)
}

func (s *Session) BytesConsumed() int64 {
	return s.bytesConsumed.Load()
}

// Errors returned by configuration validation (spec §7, exit code 2).
var (
	ErrUnknownIntensity    = errors.New("unknown intensity level")
	ErrUnknownScheduleMode = errors.New("unknown schedule_mode")
	ErrBandwidthOutOfRange = errors.New("max_bandwidth_mb_per_hour must be >= 1")
	ErrConcurrencyOutOfRange = errors.New(
		"max_concurrent_sessions must be between 1 and 5",
	)
)

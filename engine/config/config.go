// Package config implements the layered options loader of spec §6,
// modeled on the teacher's engine/configx layer-precedence concept
// (LayerGlobal -> LayerEnvironment -> ...): Poisson layers compiled
// defaults -> options.json -> POISSON_* environment -> in-memory
// control-plane overrides, lowest to highest priority.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/quietwire/poisson/engine/models"
)

// Layer precedence, lowest to highest, mirroring configx's LayerGlobal..
// LayerEphemeral ordering but over Poisson's own option set (spec §6).
const (
	LayerDefaults = iota
	LayerOptionsFile
	LayerEnvironment
	LayerControlPlane
)

var layerNames = map[int]string{
	LayerDefaults:      "defaults",
	LayerOptionsFile:   "options_file",
	LayerEnvironment:   "environment",
	LayerControlPlane:  "control_plane",
}

func LayerName(layer int) string {
	if n, ok := layerNames[layer]; ok {
		return n
	}
	return "unknown"
}

// Options is the recognized key set from spec §6's options table.
type Options struct {
	Intensity               models.IntensityLevel `json:"intensity"`
	EnableSearchNoise        bool                  `json:"enable_search_noise"`
	EnableBrowseNoise        bool                  `json:"enable_browse_noise"`
	EnableDNSNoise           bool                  `json:"enable_dns_noise"`
	EnableAdClicks           bool                  `json:"enable_ad_clicks"`
	EnableTor                bool                  `json:"enable_tor"`
	EnableResearchNoise      bool                  `json:"enable_research_noise"`
	MaxBandwidthMBPerHour    int                   `json:"max_bandwidth_mb_per_hour"`
	MaxConcurrentSessions    int                   `json:"max_concurrent_sessions"`
	MatchBrowserFingerprint  bool                  `json:"match_browser_fingerprint"`
	ScheduleMode             models.ScheduleMode   `json:"schedule_mode"`
}

// Defaults returns spec §6's compiled defaults (layer 0).
func Defaults() Options {
	return Options{
		Intensity:               models.IntensityMedium,
		EnableSearchNoise:       true,
		EnableBrowseNoise:       true,
		EnableDNSNoise:          true,
		EnableAdClicks:          false,
		EnableTor:               false,
		EnableResearchNoise:     false,
		MaxBandwidthMBPerHour:   50,
		MaxConcurrentSessions:   2,
		MatchBrowserFingerprint: true,
		ScheduleMode:            models.ScheduleAlways,
	}
}

// partial mirrors the teacher CLI's pointer-optional simpleJSONConfig
// pattern (cli/cmd/ariadne/main.go): every field is a pointer so "absent"
// and "explicitly false/zero" are distinguishable during a merge.
type partial struct {
	Intensity               *models.IntensityLevel `json:"intensity"`
	EnableSearchNoise        *bool                  `json:"enable_search_noise"`
	EnableBrowseNoise        *bool                  `json:"enable_browse_noise"`
	EnableDNSNoise           *bool                  `json:"enable_dns_noise"`
	EnableAdClicks           *bool                  `json:"enable_ad_clicks"`
	EnableTor                *bool                  `json:"enable_tor"`
	EnableResearchNoise      *bool                  `json:"enable_research_noise"`
	MaxBandwidthMBPerHour    *int                   `json:"max_bandwidth_mb_per_hour"`
	MaxConcurrentSessions    *int                   `json:"max_concurrent_sessions"`
	MatchBrowserFingerprint  *bool                  `json:"match_browser_fingerprint"`
	ScheduleMode             *models.ScheduleMode   `json:"schedule_mode"`
}

func (p partial) applyTo(base Options) Options {
	if p.Intensity != nil {
		base.Intensity = *p.Intensity
	}
	if p.EnableSearchNoise != nil {
		base.EnableSearchNoise = *p.EnableSearchNoise
	}
	if p.EnableBrowseNoise != nil {
		base.EnableBrowseNoise = *p.EnableBrowseNoise
	}
	if p.EnableDNSNoise != nil {
		base.EnableDNSNoise = *p.EnableDNSNoise
	}
	if p.EnableAdClicks != nil {
		base.EnableAdClicks = *p.EnableAdClicks
	}
	if p.EnableTor != nil {
		base.EnableTor = *p.EnableTor
	}
	if p.EnableResearchNoise != nil {
		base.EnableResearchNoise = *p.EnableResearchNoise
	}
	if p.MaxBandwidthMBPerHour != nil {
		base.MaxBandwidthMBPerHour = *p.MaxBandwidthMBPerHour
	}
	if p.MaxConcurrentSessions != nil {
		base.MaxConcurrentSessions = *p.MaxConcurrentSessions
	}
	if p.MatchBrowserFingerprint != nil {
		base.MatchBrowserFingerprint = *p.MatchBrowserFingerprint
	}
	if p.ScheduleMode != nil {
		base.ScheduleMode = *p.ScheduleMode
	}
	return base
}

// LoadOptionsFile reads an options.json-style blob (spec §6, layer 1). A
// missing path is not an error: the caller passes "" when the host
// platform supplied none.
func LoadOptionsFile(path string) (partial, error) {
	if path == "" {
		return partial{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return partial{}, nil
		}
		return partial{}, fmt.Errorf("config: read options file: %w", err)
	}
	var p partial
	if err := json.Unmarshal(data, &p); err != nil {
		return partial{}, fmt.Errorf("config: parse options file: %w", err)
	}
	return p, nil
}

// envPrefix is spec §6's POISSON_ environment namespace.
const envPrefix = "POISSON_"

// LoadEnv reads POISSON_* environment variables (spec §6, layer 2).
func LoadEnv(environ []string) (partial, error) {
	var p partial
	lookup := make(map[string]string, len(environ))
	for _, kv := range environ {
		if name, value, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(name, envPrefix) {
			lookup[strings.ToLower(strings.TrimPrefix(name, envPrefix))] = value
		}
	}
	get := func(key string) (string, bool) { v, ok := lookup[key]; return v, ok }

	if v, ok := get("intensity"); ok {
		lvl := models.IntensityLevel(v)
		p.Intensity = &lvl
	}
	if v, ok := get("schedule_mode"); ok {
		mode := models.ScheduleMode(v)
		p.ScheduleMode = &mode
	}
	boolFields := map[string]**bool{
		"enable_search_noise":       &p.EnableSearchNoise,
		"enable_browse_noise":       &p.EnableBrowseNoise,
		"enable_dns_noise":          &p.EnableDNSNoise,
		"enable_ad_clicks":          &p.EnableAdClicks,
		"enable_tor":                &p.EnableTor,
		"enable_research_noise":     &p.EnableResearchNoise,
		"match_browser_fingerprint": &p.MatchBrowserFingerprint,
	}
	for key, dst := range boolFields {
		v, ok := get(key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return partial{}, fmt.Errorf("config: %s%s: %w", envPrefix, strings.ToUpper(key), err)
		}
		*dst = &b
	}
	intFields := map[string]**int{
		"max_bandwidth_mb_per_hour": &p.MaxBandwidthMBPerHour,
		"max_concurrent_sessions":   &p.MaxConcurrentSessions,
	}
	for key, dst := range intFields {
		v, ok := get(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return partial{}, fmt.Errorf("config: %s%s: %w", envPrefix, strings.ToUpper(key), err)
		}
		*dst = &n
	}
	return p, nil
}

// Validate enforces spec §6/§7's range and enum constraints, returning the
// exit-code-2 errors defined in engine/models.
func Validate(o Options) error {
	if !o.Intensity.Valid() {
		return models.ErrUnknownIntensity
	}
	if !o.ScheduleMode.Valid() {
		return models.ErrUnknownScheduleMode
	}
	if o.MaxBandwidthMBPerHour < 1 {
		return models.ErrBandwidthOutOfRange
	}
	if o.MaxConcurrentSessions < 1 || o.MaxConcurrentSessions > 5 {
		return models.ErrConcurrencyOutOfRange
	}
	return nil
}

// Resolve merges defaults, an options file, and the environment, lowest to
// highest priority, and validates the result (spec §6, §7 exit code 2).
func Resolve(optionsPath string, environ []string) (Options, error) {
	base := Defaults()

	file, err := LoadOptionsFile(optionsPath)
	if err != nil {
		return Options{}, err
	}
	base = file.applyTo(base)

	env, err := LoadEnv(environ)
	if err != nil {
		return Options{}, err
	}
	base = env.applyTo(base)

	if err := Validate(base); err != nil {
		return Options{}, err
	}
	return base, nil
}

// Live holds the resolved options plus any control-plane overrides applied
// at runtime (spec §6 layer 3), single-owner-mediates-writes per spec §5.
type Live struct {
	mu      sync.RWMutex
	current Options
}

func NewLive(resolved Options) *Live {
	return &Live{current: resolved}
}

func (l *Live) Snapshot() Options {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// SetIntensity applies POST /intensity (spec §4.8), the only control-plane
// override the spec names explicitly.
func (l *Live) SetIntensity(level models.IntensityLevel) error {
	if !level.Valid() {
		return models.ErrUnknownIntensity
	}
	l.mu.Lock()
	l.current.Intensity = level
	l.mu.Unlock()
	return nil
}

// SetEngineEnabled is applied by POST /engines/{name}/toggle, tracked here
// too so a fresh Snapshot (e.g. for a later options.json reload) reflects
// runtime toggles rather than clobbering them (spec §6: control-plane is
// the highest-priority layer).
func (l *Live) SetEngineEnabled(name models.EngineName, enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch name {
	case models.EngineSearch:
		l.current.EnableSearchNoise = enabled
	case models.EngineBrowse:
		l.current.EnableBrowseNoise = enabled
	case models.EngineDNS:
		l.current.EnableDNSNoise = enabled
	case models.EngineAdclick:
		l.current.EnableAdClicks = enabled
	case models.EngineTor:
		l.current.EnableTor = enabled
	case models.EngineResearch:
		l.current.EnableResearchNoise = enabled
	}
}

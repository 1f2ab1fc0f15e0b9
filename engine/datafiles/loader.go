// Package datafiles loads the YAML tables that drive topic, persona, and
// dispatch behavior, with fsnotify-based hot reload (spec §6, §9:
// "snapshot-swap semantics — load into a fresh table, atomically replace
// the pointer; in-flight sessions continue with whatever snapshot they
// started under"), grounded on the teacher's HotReloadSystem
// (engine/internal/runtime/runtime.go), stripped of its config-versioning
// and A/B-testing halves (out of scope here, see DESIGN.md) and adapted
// from one JSON business-policy file to the YAML tables spec §6 names.
// Seven files are watched; six are parsed into a Snapshot. A change to
// user_agents.yaml triggers a reload, but its contents are not read.
package datafiles

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/quietwire/poisson/engine/models"
	"github.com/quietwire/poisson/internal/rng"
)

// File names spec §6 requires under the data directory.
const (
	FileSites         = "sites.yaml"
	FilePersonas      = "personas.yaml"
	FileSearchTerms   = "search_terms.yaml"
	FileAcademicTerms = "academic_terms.yaml"
	FileShoppingTerms = "shopping_terms.yaml"
	FileOnionSites    = "onion_sites.yaml"
	FileUserAgents    = "user_agents.yaml"
)

type weightedEntry struct {
	URL    string  `yaml:"url"`
	Weight float64 `yaml:"weight"`
}

type sitesFile struct {
	Categories map[string][]weightedEntry `yaml:"categories"`
	Links      map[string][]string        `yaml:"links"` // site url -> candidate internal links
}

type personaEntry struct {
	Name           string   `yaml:"name"`
	UserAgent      string   `yaml:"user_agent"`
	ViewportWidth  int      `yaml:"viewport_width"`
	ViewportHeight int      `yaml:"viewport_height"`
	Platform       string   `yaml:"platform"`
	Languages      []string `yaml:"languages"`
	Timezone       string   `yaml:"timezone"`
	AcceptEncoding string   `yaml:"accept_encoding"`
	Mobile         bool     `yaml:"mobile"`
	Weight         float64  `yaml:"weight"`
}

type personasFile struct {
	Personas []personaEntry `yaml:"personas"`
}

type termsFile struct {
	Terms map[string][]string `yaml:"terms"`
}

type userAgentsFile struct {
	UserAgents []string `yaml:"user_agents"`
}

// Snapshot is one atomically-swappable, fully-loaded data generation.
type Snapshot struct {
	Profiles   []models.TopicProfile
	Wordlists  map[string][]string
	Personas   []*models.Persona
	Hostnames  []string // derived from site hostnames, for the dns engine's mixed pool

	sites map[string][]weightedEntry
	links map[string][]string
	mu    sync.Mutex // guards rng draws inside RandomSite/RandomLink only
}

// RandomSite implements dispatch.SiteProvider (spec §6 sites.yaml).
func (s *Snapshot) RandomSite(category string, source rng.Source) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.sites[category]
	if len(entries) == 0 {
		return "", false
	}
	return weightedPickEntry(entries, source), true
}

// RandomLink implements dispatch.SiteProvider's link-follow half.
func (s *Snapshot) RandomLink(siteURL string, source rng.Source) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	links := s.links[siteURL]
	if len(links) == 0 {
		return "", false
	}
	return links[int(source.Int64N(int64(len(links))))], true
}

// RandomHostname implements dispatch.HostnameProvider (spec §4.6 dns pool).
func (s *Snapshot) RandomHostname(source rng.Source) (string, bool) {
	if len(s.Hostnames) == 0 {
		return "", false
	}
	return s.Hostnames[int(source.Int64N(int64(len(s.Hostnames))))], true
}

func weightedPickEntry(entries []weightedEntry, source rng.Source) string {
	var total float64
	for _, e := range entries {
		total += e.Weight
	}
	if total <= 0 {
		return entries[int(source.Int64N(int64(len(entries))))].URL
	}
	u := source.Float64() * total
	var cumulative float64
	for _, e := range entries {
		cumulative += e.Weight
		if u <= cumulative {
			return e.URL
		}
	}
	return entries[len(entries)-1].URL
}

// Loader owns the data directory, the live *Snapshot pointer, and the
// fsnotify watcher that triggers reloads (spec §9 hot reload).
type Loader struct {
	dir     string
	current atomic.Pointer[Snapshot]
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	watching  bool
	log       *slog.Logger
	onReload  func(*Snapshot)
}

// SetOnReload registers a callback fired after every successful load,
// including the first (Load) and every hot reload (Watch). Used by the
// top-level facade to propagate a fresh snapshot into topic.Model and
// persona.Registry, which hold their own copies rather than reading
// through the Loader directly.
func (l *Loader) SetOnReload(fn func(*Snapshot)) {
	l.mu.Lock()
	l.onReload = fn
	l.mu.Unlock()
}

func (l *Loader) fireOnReload(snap *Snapshot) {
	l.mu.Lock()
	fn := l.onReload
	l.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

func New(dir string, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{dir: dir, log: log}
}

// Load reads every data file once and installs the result as the current
// snapshot. A missing optional file (onion_sites.yaml when tor is
// unused, etc.) is tolerated; a missing file backing a default-enabled
// engine's required category returns an error (spec §7: data load error).
func (l *Loader) Load() error {
	snap, err := l.readAll()
	if err != nil {
		return err
	}
	l.current.Store(snap)
	l.fireOnReload(snap)
	return nil
}

// Current returns the live snapshot; nil before the first Load.
func (l *Loader) Current() *Snapshot {
	return l.current.Load()
}

// Watch starts an fsnotify watch on the data directory; on any Write
// event for a recognized file it reloads into a fresh Snapshot and
// atomically swaps the pointer (spec §9: in-flight sessions keep using
// their old snapshot, no partial-update visibility).
func (l *Loader) Watch() error {
	l.mu.Lock()
	if l.watching {
		l.mu.Unlock()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("datafiles: create watcher: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("datafiles: watch dir %s: %w", l.dir, err)
	}
	l.watcher = w
	l.watching = true
	l.mu.Unlock()

	go l.watchLoop(w)
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case e, ok := <-w.Events:
			if !ok {
				return
			}
			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !isRecognizedFile(filepath.Base(e.Name)) {
				continue
			}
			if snap, err := l.readAll(); err != nil {
				l.log.Error("datafiles reload failed, keeping previous snapshot", "error", err)
			} else {
				l.current.Store(snap)
				l.fireOnReload(snap)
				l.log.Info("datafiles reloaded", "file", e.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.log.Error("datafiles watcher error", "error", err)
		}
	}
}

func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.watching {
		return nil
	}
	l.watching = false
	return l.watcher.Close()
}

func isRecognizedFile(name string) bool {
	switch name {
	case FileSites, FilePersonas, FileSearchTerms, FileAcademicTerms, FileShoppingTerms, FileOnionSites, FileUserAgents:
		return true
	default:
		return false
	}
}

func (l *Loader) readAll() (*Snapshot, error) {
	var sites sitesFile
	if err := readYAML(filepath.Join(l.dir, FileSites), &sites, true); err != nil {
		return nil, err
	}
	var onion sitesFile
	_ = readYAML(filepath.Join(l.dir, FileOnionSites), &onion, false)
	for cat, entries := range onion.Categories {
		sites.Categories[cat] = append(sites.Categories[cat], entries...)
	}
	for url, links := range onion.Links {
		sites.Links[url] = append(sites.Links[url], links...)
	}

	var personas personasFile
	if err := readYAML(filepath.Join(l.dir, FilePersonas), &personas, true); err != nil {
		return nil, err
	}

	wordlists := map[string][]string{}
	for name, required := range map[string]bool{FileSearchTerms: true, FileAcademicTerms: false, FileShoppingTerms: false} {
		var tf termsFile
		if err := readYAML(filepath.Join(l.dir, name), &tf, required); err != nil {
			return nil, err
		}
		for cat, words := range tf.Terms {
			wordlists[cat] = append(wordlists[cat], words...)
		}
	}

	profiles := make([]models.TopicProfile, 0, len(sites.Categories))
	for cat := range sites.Categories {
		profiles = append(profiles, models.TopicProfile{Category: cat, Weight: 1})
	}

	personaModels := make([]*models.Persona, 0, len(personas.Personas))
	for _, p := range personas.Personas {
		personaModels = append(personaModels, &models.Persona{
			Name: p.Name, UserAgent: p.UserAgent, ViewportWidth: p.ViewportWidth,
			ViewportHeight: p.ViewportHeight, Platform: p.Platform, Languages: p.Languages,
			Timezone: p.Timezone, AcceptEncoding: p.AcceptEncoding, Mobile: p.Mobile, Weight: p.Weight,
		})
	}

	hostnames := make([]string, 0, len(sites.Categories))
	for _, entries := range sites.Categories {
		for _, e := range entries {
			if host := hostOf(e.URL); host != "" {
				hostnames = append(hostnames, host)
			}
		}
	}

	return &Snapshot{
		Profiles:  profiles,
		Wordlists: wordlists,
		Personas:  personaModels,
		Hostnames: hostnames,
		sites:     sites.Categories,
		links:     sites.Links,
	}, nil
}

// hostOf extracts a bare hostname from a site URL for the dns engine's
// pool, tolerating malformed entries rather than failing the whole load.
func hostOf(rawURL string) string {
	start := 0
	for i := 0; i+2 < len(rawURL); i++ {
		if rawURL[i] == ':' && rawURL[i+1] == '/' && rawURL[i+2] == '/' {
			start = i + 3
			break
		}
	}
	end := len(rawURL)
	for i := start; i < len(rawURL); i++ {
		if rawURL[i] == '/' {
			end = i
			break
		}
	}
	if start >= end {
		return ""
	}
	return rawURL[start:end]
}

func readYAML(path string, out any, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		if os.IsNotExist(err) && required {
			return fmt.Errorf("datafiles: required file missing: %s: %w", path, err)
		}
		return fmt.Errorf("datafiles: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("datafiles: parse %s: %w", path, err)
	}
	return nil
}

package control

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/quietwire/poisson/engine/dispatch"
	"github.com/quietwire/poisson/engine/models"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handlePublicHealth is the one endpoint that skips auth (spec §4.8: "a
// public health probe"), mirroring the teacher's liveness-only handler
// shape from telemetryhttp.NewHealthHandler.
func (s *Server) handlePublicHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Status              string  `json:"status"`
	UptimeSeconds       float64 `json:"uptime_seconds"`
	CurrentPersona      string  `json:"current_persona"`
	Intensity           string  `json:"intensity"`
	FingerprintMatched  bool    `json:"fingerprint_matched"`
	TorStatus           string  `json:"tor_status"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := s.deps.Clock()
	opts := s.deps.Live.Snapshot()

	persona := ""
	matched := false
	if s.deps.Personas != nil {
		if p, ok := s.deps.Personas.Matched(); ok {
			persona = p.Name
			matched = true
		}
	}

	torStatus := string(dispatch.TorDisabled)
	if eng, ok := s.deps.Dispatch.Engine(models.EngineTor); ok {
		if torEng, ok := eng.(dispatch.TorEngine); ok {
			torStatus = string(torEng.Status())
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:             "running",
		UptimeSeconds:      now.Sub(s.startAt).Seconds(),
		CurrentPersona:     persona,
		Intensity:          string(opts.Intensity),
		FingerprintMatched: matched,
		TorStatus:          torStatus,
	})
}

type statsResponse struct {
	SessionsToday    int64   `json:"sessions_today"`
	RequestsToday    int64   `json:"requests_today"`
	BandwidthTodayMB float64 `json:"bandwidth_today_mb"`
	ActiveSessions   int     `json:"active_sessions"`
	ErrorsToday      int64   `json:"errors_today"`
	NextSessionIn    float64 `json:"next_session_in"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	o := s.deps.Orchestrator
	now := s.deps.Clock()

	nextIn := 0.0
	if eta := o.NextSessionETA(); !eta.IsZero() {
		if d := eta.Sub(now); d > 0 {
			nextIn = d.Seconds()
		}
	}

	var bandwidthMB float64
	if s.deps.Governor != nil {
		bandwidthMB = float64(s.deps.Governor.Used()) / (1024 * 1024)
	}

	writeJSON(w, http.StatusOK, statsResponse{
		SessionsToday:    o.SessionsToday(),
		RequestsToday:    o.RequestsToday(),
		BandwidthTodayMB: bandwidthMB,
		ActiveSessions:   o.ActiveSessions(),
		ErrorsToday:      o.ErrorsToday(),
		NextSessionIn:    nextIn,
	})
}

type activityEntryResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Engine    string    `json:"engine"`
	Detail    string    `json:"detail"`
	Bytes     int64     `json:"bytes"`
	Outcome   string    `json:"outcome"`
	Persona   string    `json:"persona,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

func toActivityResponse(e models.ActivityEntry) activityEntryResponse {
	return activityEntryResponse{
		Timestamp: e.Timestamp,
		Engine:    string(e.Engine),
		Detail:    e.Detail,
		Bytes:     e.Bytes,
		Outcome:   string(e.Outcome),
		Persona:   e.Persona,
		SessionID: e.SessionID,
	}
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	count := 50
	if raw := r.URL.Query().Get("count"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			count = n
		}
	}
	entries := s.deps.Ring.Snapshot(count)
	out := make([]activityEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = toActivityResponse(e)
	}
	writeJSON(w, http.StatusOK, out)
}

type chartBucketResponse struct {
	BucketStart time.Time                 `json:"bucket_start"`
	Count       int                       `json:"count"`
	BytesByEngine map[string]int64        `json:"bytes_by_engine"`
}

// handleActivityChart buckets the last 24 hours into hourly windows (spec
// §4.8: "a coarse time series of byte throughput per engine").
func (s *Server) handleActivityChart(w http.ResponseWriter, r *http.Request) {
	buckets := s.deps.Ring.Chart(s.deps.Clock(), time.Hour, 24)
	out := make([]chartBucketResponse, len(buckets))
	for i, b := range buckets {
		byEngine := make(map[string]int64, len(b.Bytes))
		for eng, n := range b.Bytes {
			byEngine[string(eng)] = n
		}
		out[i] = chartBucketResponse{BucketStart: b.BucketStart, Count: b.Count, BytesByEngine: byEngine}
	}
	writeJSON(w, http.StatusOK, out)
}

type engineResponse struct {
	Name            string                     `json:"name"`
	Enabled         bool                       `json:"enabled"`
	Weight          float64                    `json:"weight"`
	RequiresBrowser bool                       `json:"requires_browser"`
	Stats           models.EngineStatsSnapshot `json:"stats"`
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	engines := s.deps.Dispatch.All()
	out := make([]engineResponse, len(engines))
	for i, e := range engines {
		spec := e.Spec()
		out[i] = engineResponse{
			Name:            string(e.Name()),
			Enabled:         spec.Enabled(),
			Weight:          spec.Weight(),
			RequiresBrowser: spec.RequiresBrowser,
			Stats:           spec.Stats.Snapshot(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEngineToggle implements POST /engines/{name}/toggle. The engine's
// own enabled bit is the one every other component (Dispatcher.Select,
// orchestrator.engineEnabled) reads; Live.SetEngineEnabled mirrors the
// change into the config snapshot purely so a later options file reload
// doesn't silently undo an operator's runtime toggle (spec §6: the
// control plane is the highest-priority layer).
func (s *Server) handleEngineToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name, ok := pathSuffix(r.URL.Path, "/engines/", "/toggle")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	eng, ok := s.deps.Dispatch.Engine(models.EngineName(name))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown engine")
		return
	}

	// An empty body flips the current bit; {"enabled": bool} sets it.
	enabled := !eng.Spec().Enabled()
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Enabled != nil {
		enabled = *body.Enabled
	}

	eng.Spec().SetEnabled(enabled)
	s.deps.Live.SetEngineEnabled(eng.Name(), enabled)
	s.deps.Orchestrator.NotifyGateChanged()

	writeJSON(w, http.StatusOK, engineResponse{
		Name:            string(eng.Name()),
		Enabled:         eng.Spec().Enabled(),
		Weight:          eng.Spec().Weight(),
		RequiresBrowser: eng.Spec().RequiresBrowser,
		Stats:           eng.Spec().Stats.Snapshot(),
	})
}

func pathSuffix(path, prefix, suffix string) (string, bool) {
	if len(path) <= len(prefix)+len(suffix) {
		return "", false
	}
	if path[:len(prefix)] != prefix || path[len(path)-len(suffix):] != suffix {
		return "", false
	}
	return path[len(prefix) : len(path)-len(suffix)], true
}

func (s *Server) handleIntensity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Intensity string `json:"intensity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.deps.Live.SetIntensity(models.IntensityLevel(body.Intensity)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Orchestrator.NotifyGateChanged()
	writeJSON(w, http.StatusOK, map[string]string{"intensity": body.Intensity})
}

type fingerprintRequest struct {
	CanvasHash   string   `json:"canvas_hash"`
	WebGLVendor  string   `json:"webgl_vendor"`
	WebGLRender  string   `json:"webgl_renderer"`
	Fonts        []string `json:"fonts"`
	ScreenWidth  int      `json:"screen_width"`
	ScreenHeight int      `json:"screen_height"`
}

func (f fingerprintRequest) toBundle() models.FingerprintBundle {
	return models.FingerprintBundle{
		CanvasHash:   f.CanvasHash,
		WebGLVendor:  f.WebGLVendor,
		WebGLRender:  f.WebGLRender,
		Fonts:        f.Fonts,
		ScreenWidth:  f.ScreenWidth,
		ScreenHeight: f.ScreenHeight,
	}
}

func (s *Server) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body fingerprintRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	p := s.deps.Personas.AlignFingerprint(body.toBundle())
	if p == nil {
		writeError(w, http.StatusConflict, "no persona available to align")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"matched_persona": p.Name})
}

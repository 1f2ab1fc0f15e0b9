package control

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/quietwire/poisson/engine/dispatch"
	"github.com/quietwire/poisson/engine/orchestrator"
	"github.com/quietwire/poisson/engine/timing"
	"github.com/quietwire/poisson/internal/rng"
)

// extensionClient is the control plane's bookkeeping for one registered
// browser-extension collaborator (spec §6, "optional extension"). The
// extension executes tasks in a real logged-in browser tab and reports
// back over heartbeat/next-task rather than the core driving a PageDriver
// directly, so there is no session.Manager slot involved at all.
type extensionClient struct {
	token         string
	registeredAt  time.Time
	lastHeartbeat time.Time
	requests      int64
	bytes         int64
}

func (s *Server) handleExtRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	token := mintAPIKey()
	now := s.deps.Clock()

	s.extMu.Lock()
	s.extReg[token] = &extensionClient{token: token, registeredAt: now, lastHeartbeat: now}
	s.extMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type heartbeatRequest struct {
	Token    string `json:"token"`
	Presence string `json:"presence"`
	Requests int64  `json:"requests"`
	Bytes    int64  `json:"bytes"`
}

// handleExtHeartbeat is the presence signal's only write path (spec §8 S5;
// see orchestrator.Presence doc comment): every heartbeat carries the
// extension host's observed home/away state, which the orchestrator's
// schedule gate reads on the next tick.
func (s *Server) handleExtHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	client, ok := s.extensionClient(body.Token)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unknown extension token")
		return
	}
	client.lastHeartbeat = s.deps.Clock()
	client.requests += body.Requests
	client.bytes += body.Bytes

	switch orchestrator.Presence(body.Presence) {
	case orchestrator.PresenceHome:
		s.deps.Orchestrator.SetPresence(orchestrator.PresenceHome)
	case orchestrator.PresenceAway:
		s.deps.Orchestrator.SetPresence(orchestrator.PresenceAway)
	}
	s.deps.Orchestrator.NotifyGateChanged()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) extensionClient(token string) (*extensionClient, bool) {
	s.extMu.Lock()
	defer s.extMu.Unlock()
	c, ok := s.extReg[token]
	return c, ok
}

type nextTaskResponse struct {
	Available bool   `json:"available"`
	Kind      string `json:"kind,omitempty"`
	URL       string `json:"url,omitempty"`
	PostDelayMS int64 `json:"post_delay_ms,omitempty"`
}

// handleExtNextTask hands the extension one unit of work to execute in its
// own browser tab. The core treats this as a single land action against a
// freshly drawn topic: the extension has no Markov dwell state of its own,
// it simply polls again once the page settles (spec §6: "the extension
// polls for small tasks").
func (s *Server) handleExtNextTask(w http.ResponseWriter, r *http.Request) {
	now := s.deps.Clock()
	o := s.deps.Orchestrator
	draw := o.Topics().Next(now, o.EngineEnabled)
	if draw.Category == "" {
		writeJSON(w, http.StatusOK, nextTaskResponse{Available: false})
		return
	}

	eng, ok := s.deps.Dispatch.Select(true)
	if !ok {
		writeJSON(w, http.StatusOK, nextTaskResponse{Available: false})
		return
	}

	source := rng.NewStreams(timing.SeedFromPersonaTopic("extension", draw.Category)).Sub("ext_next_task")
	task, ok := eng.ProduceTask(timing.StateLand, draw, nil, source, &dispatch.Scratch{MaxFollows: 1})
	if !ok {
		writeJSON(w, http.StatusOK, nextTaskResponse{Available: false})
		return
	}

	writeJSON(w, http.StatusOK, nextTaskResponse{
		Available:   true,
		Kind:        string(task.Kind),
		URL:         task.URL,
		PostDelayMS: task.PostDelay.Milliseconds(),
	})
}

// handleExtFingerprint mirrors handleFingerprint but is reachable with a
// host-platform bearer token as well as with the core's API key (spec §6).
func (s *Server) handleExtFingerprint(w http.ResponseWriter, r *http.Request) {
	s.handleFingerprint(w, r)
}

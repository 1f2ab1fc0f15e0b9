package dispatch

import (
	"time"

	"github.com/quietwire/poisson/engine/models"
	"github.com/quietwire/poisson/engine/timing"
	"github.com/quietwire/poisson/engine/topic"
	"github.com/quietwire/poisson/internal/rng"
)

// torEngine wraps browseLike's land/follow_link mechanics with SOCKS-proxy
// reachability tracking (spec §4.6: "tor: same shape as browse ... may
// target .onion hosts"), default OFF.
type torEngine struct {
	browseLike
	circuit *torCircuit
	clock   func() time.Time
}

func (e *torEngine) ProduceTask(state timing.State, draw topic.Draw, persona *models.Persona, source rng.Source, scratch *Scratch) (models.Task, bool) {
	now := e.clock()
	if !e.circuit.Allow(now) {
		return models.Task{}, false
	}
	task, ok := e.browseLike.ProduceTask(state, draw, persona, source, scratch)
	if ok {
		task.Method = "SOCKS"
	}
	return task, ok
}

func (e *torEngine) OnComplete(task models.Task, outcome models.Outcome, bytes int64) {
	e.circuit.Report(e.clock(), outcome != models.OutcomeError)
	e.browseLike.OnComplete(task, outcome, bytes)
}

// Status reports the current tor_status for the /status endpoint (spec §6).
func (e *torEngine) Status() TorStatus {
	if !e.spec.Enabled() {
		return TorDisabled
	}
	return e.circuit.Status(e.clock())
}

// TorEngine is the narrow surface the control plane's /status handler needs.
type TorEngine interface {
	Engine
	Status() TorStatus
}

// NewTor constructs the tor engine (spec §4.6, default OFF). onionSites
// resolves .onion-hosted pages; it may be the same SiteProvider as browse's
// if the datafiles loader mixes onion_sites.yaml into one category pool.
func NewTor(onionSites SiteProvider, weight float64, estimatedBytes int64) TorEngine {
	name := models.EngineTor
	return &torEngine{
		browseLike: browseLike{
			name:  name,
			spec:  models.NewEngineSpec(name, weight, estimatedBytes),
			sites: onionSites,
		},
		circuit: newTorCircuit(),
		clock:   time.Now,
	}
}

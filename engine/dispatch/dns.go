package dispatch

import (
	"github.com/quietwire/poisson/engine/models"
	"github.com/quietwire/poisson/engine/timing"
	"github.com/quietwire/poisson/engine/topic"
	"github.com/quietwire/poisson/internal/rng"
)

// dnsEngine resolves hostnames from a mixed decoy/real pool independent of
// browser concurrency slots (spec §4.6: "dns: ... independent of browser
// slots"). It still satisfies Engine so it shows up in the /engines listing
// and participates in weighting and stats, but ProduceTask always declines:
// the orchestrator fires dns tasks directly via NextTask, never through the
// session manager or a Markov state.
type dnsEngine struct {
	spec  *models.EngineSpec
	hosts HostnameProvider
}

func (e *dnsEngine) Name() models.EngineName  { return models.EngineDNS }
func (e *dnsEngine) Spec() *models.EngineSpec { return e.spec }

func (e *dnsEngine) ProduceTask(state timing.State, draw topic.Draw, persona *models.Persona, source rng.Source, scratch *Scratch) (models.Task, bool) {
	return models.Task{}, false
}

func (e *dnsEngine) OnComplete(task models.Task, outcome models.Outcome, bytes int64) {
	e.spec.Stats.Requests.Add(1)
	if outcome == models.OutcomeError {
		e.spec.Stats.Errors.Add(1)
	}
}

// NextTask resolves the next hostname for a standalone DNS tick (spec §4.6),
// called by the orchestrator outside of any session.
func (e *dnsEngine) NextTask(source rng.Source) (models.Task, bool) {
	host, ok := e.hosts.RandomHostname(source)
	if !ok {
		return models.Task{}, false
	}
	return models.Task{
		Engine:        models.EngineDNS,
		URL:           host,
		Kind:          models.TaskKindDNS,
		ExpectedBytes: e.spec.EstimatedBytesPerTask,
	}, true
}

// DNSEngine is the narrow surface the orchestrator drives directly.
type DNSEngine interface {
	Engine
	NextTask(source rng.Source) (models.Task, bool)
}

// NewDNS constructs the dns engine (spec §4.6, default enabled).
func NewDNS(hosts HostnameProvider, weight float64, estimatedBytes int64) DNSEngine {
	return &dnsEngine{spec: models.NewEngineSpec(models.EngineDNS, weight, estimatedBytes), hosts: hosts}
}

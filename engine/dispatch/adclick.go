package dispatch

import (
	"github.com/quietwire/poisson/engine/models"
	"github.com/quietwire/poisson/engine/timing"
	"github.com/quietwire/poisson/engine/topic"
	"github.com/quietwire/poisson/internal/rng"
)

// adclickEngine selects ad-bearing pages and instructs the driver to click
// an ad during the ad_glance Markov state (spec §4.6), default OFF.
type adclickEngine struct {
	spec  *models.EngineSpec
	sites SiteProvider
}

func (e *adclickEngine) Name() models.EngineName  { return models.EngineAdclick }
func (e *adclickEngine) Spec() *models.EngineSpec { return e.spec }

func (e *adclickEngine) OnComplete(task models.Task, outcome models.Outcome, bytes int64) {
	e.spec.Stats.Requests.Add(1)
	e.spec.Stats.Bytes.Add(bytes)
	if outcome == models.OutcomeError {
		e.spec.Stats.Errors.Add(1)
	}
}

func (e *adclickEngine) ProduceTask(state timing.State, draw topic.Draw, persona *models.Persona, source rng.Source, scratch *Scratch) (models.Task, bool) {
	switch state {
	case timing.StateLand:
		url, ok := e.sites.RandomSite(draw.Category, source)
		if !ok {
			return models.Task{}, false
		}
		scratch.LastURL = url
		return models.Task{Engine: models.EngineAdclick, URL: url, Kind: models.TaskKindPage, ExpectedBytes: e.spec.EstimatedBytesPerTask}, true

	case timing.StateAdGlance:
		if scratch.LastURL == "" {
			return models.Task{}, false
		}
		return models.Task{Engine: models.EngineAdclick, URL: scratch.LastURL, Kind: models.TaskKindPage, ExpectedBytes: e.spec.EstimatedBytesPerTask, ClickAd: true}, true

	default:
		return models.Task{}, false
	}
}

// NewAdclick constructs the adclick engine (spec §4.6, default OFF).
func NewAdclick(sites SiteProvider, weight float64, estimatedBytes int64) Engine {
	return &adclickEngine{spec: models.NewEngineSpec(models.EngineAdclick, weight, estimatedBytes), sites: sites}
}

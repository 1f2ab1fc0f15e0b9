package dispatch

import (
	"net/url"

	"github.com/quietwire/poisson/engine/models"
	"github.com/quietwire/poisson/engine/timing"
	"github.com/quietwire/poisson/engine/topic"
	"github.com/quietwire/poisson/internal/rng"
)

// searchHosts rotates among the major engines' query endpoints (spec §4.6).
var searchHosts = []struct {
	host  string
	query string // query parameter name
}{
	{host: "https://www.google.com/search", query: "q"},
	{host: "https://www.bing.com/search", query: "q"},
	{host: "https://duckduckgo.com/html/", query: "q"},
	{host: "https://search.yahoo.com/search", query: "p"},
}

// followResultProbability is the chance a search lands on a result link
// instead of just reading the results page (spec §4.6: "search ... 20%
// chance to follow a result link").
const followResultProbability = 0.20

type searchEngine struct {
	spec  *models.EngineSpec
	sites SiteProvider // used only to resolve a plausible result link to follow
}

func (e *searchEngine) Name() models.EngineName  { return models.EngineSearch }
func (e *searchEngine) Spec() *models.EngineSpec { return e.spec }

func (e *searchEngine) OnComplete(task models.Task, outcome models.Outcome, bytes int64) {
	e.spec.Stats.Requests.Add(1)
	e.spec.Stats.Bytes.Add(bytes)
	if outcome == models.OutcomeError {
		e.spec.Stats.Errors.Add(1)
	}
}

func (e *searchEngine) ProduceTask(state timing.State, draw topic.Draw, persona *models.Persona, source rng.Source, scratch *Scratch) (models.Task, bool) {
	switch state {
	case timing.StateLand, timing.StateSearchRefine:
		query := draw.QueryHint
		if state == timing.StateSearchRefine && scratch.QueriesUsed < len(draw.FollowUpQueries) {
			query = draw.FollowUpQueries[scratch.QueriesUsed]
			scratch.QueriesUsed++
		}
		pick := searchHosts[int(source.Int64N(int64(len(searchHosts))))]
		u := pick.host + "?" + pick.query + "=" + url.QueryEscape(query)
		scratch.LastURL = u
		return models.Task{Engine: models.EngineSearch, URL: u, Kind: models.TaskKindPage, ExpectedBytes: e.spec.EstimatedBytesPerTask, QueryHint: query}, true

	case timing.StateFollowLink:
		if scratch.FollowCount > 0 || source.Float64() >= followResultProbability {
			// each follow_link state rolls the 20% chance; at most one result click per session
			return models.Task{}, false
		}
		if e.sites == nil {
			return models.Task{}, false
		}
		link, ok := e.sites.RandomSite(draw.Category, source)
		if !ok {
			return models.Task{}, false
		}
		scratch.FollowCount++
		scratch.LastURL = link
		return models.Task{Engine: models.EngineSearch, URL: link, Kind: models.TaskKindPage, ExpectedBytes: e.spec.EstimatedBytesPerTask, FollowLink: true}, true

	default:
		return models.Task{}, false
	}
}

// NewSearch constructs the search engine (spec §4.6, default enabled).
func NewSearch(sites SiteProvider, weight float64, estimatedBytes int64) Engine {
	return &searchEngine{spec: models.NewEngineSpec(models.EngineSearch, weight, estimatedBytes), sites: sites}
}

package dispatch

import (
	"time"

	"github.com/quietwire/poisson/engine/models"
	"github.com/quietwire/poisson/engine/timing"
	"github.com/quietwire/poisson/engine/topic"
	"github.com/quietwire/poisson/internal/rng"
)

// browseLike implements the shared "land on a category site, then follow
// 1-5 internal links via the follow_link Markov state" mechanics spec §4.6
// describes for browse, and which research and tor reuse with restricted
// category pools and, for tor, a SOCKS proxy target (spec: "research reuses
// browse mechanics"; "tor: same shape as browse").
type browseLike struct {
	name       models.EngineName
	spec       *models.EngineSpec
	sites      SiteProvider
	categories []string // empty means "any category the topic draw gives"
}

func (b *browseLike) Name() models.EngineName  { return b.name }
func (b *browseLike) Spec() *models.EngineSpec { return b.spec }

func (b *browseLike) OnComplete(task models.Task, outcome models.Outcome, bytes int64) {
	b.spec.Stats.Requests.Add(1)
	b.spec.Stats.Bytes.Add(bytes)
	if outcome == models.OutcomeError {
		b.spec.Stats.Errors.Add(1)
	}
}

func (b *browseLike) category(draw topic.Draw, source rng.Source) string {
	if len(b.categories) == 0 {
		return draw.Category
	}
	for _, c := range b.categories {
		if c == draw.Category {
			return draw.Category
		}
	}
	idx := int(source.Int64N(int64(len(b.categories))))
	return b.categories[idx]
}

func (b *browseLike) ProduceTask(state timing.State, draw topic.Draw, persona *models.Persona, source rng.Source, scratch *Scratch) (models.Task, bool) {
	switch state {
	case timing.StateLand:
		if scratch.MaxFollows == 0 {
			scratch.MaxFollows = 1 + int(source.Int64N(5)) // 1-5 internal links over the session
		}
		category := b.category(draw, source)
		url, ok := b.sites.RandomSite(category, source)
		if !ok {
			return models.Task{}, false
		}
		scratch.LastURL = url
		return models.Task{Engine: b.name, URL: url, Kind: models.TaskKindPage, ExpectedBytes: b.spec.EstimatedBytesPerTask}, true

	case timing.StateFollowLink:
		if scratch.FollowCount >= scratch.MaxFollows || scratch.LastURL == "" {
			return models.Task{}, false
		}
		link, ok := b.sites.RandomLink(scratch.LastURL, source)
		if !ok {
			return models.Task{}, false
		}
		scratch.FollowCount++
		scratch.LastURL = link
		return models.Task{Engine: b.name, URL: link, Kind: models.TaskKindPage, ExpectedBytes: b.spec.EstimatedBytesPerTask, PostDelay: postDelayJitter(source), FollowLink: true}, true

	default:
		return models.Task{}, false
	}
}

func postDelayJitter(source rng.Source) time.Duration {
	return time.Duration(200+source.Int64N(800)) * time.Millisecond
}

// NewBrowse constructs the browse engine (spec §4.6, default enabled).
func NewBrowse(sites SiteProvider, weight float64, estimatedBytes int64) Engine {
	name := models.EngineBrowse
	return &browseLike{name: name, spec: models.NewEngineSpec(name, weight, estimatedBytes), sites: sites}
}

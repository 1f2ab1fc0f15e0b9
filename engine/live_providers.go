package engine

import (
	"github.com/quietwire/poisson/engine/datafiles"
	"github.com/quietwire/poisson/internal/rng"
)

// liveSites and liveHosts adapt the loader's current snapshot into
// dispatch.SiteProvider/HostnameProvider without engines ever holding a
// stale *datafiles.Snapshot pointer: each call reads whatever snapshot is
// live at that instant, so a hot reload (spec §9) is visible to every
// engine on its very next task without any re-wiring.
type liveSites struct {
	loader *datafiles.Loader
}

func (l *liveSites) RandomSite(category string, source rng.Source) (string, bool) {
	return l.loader.Current().RandomSite(category, source)
}

func (l *liveSites) RandomLink(siteURL string, source rng.Source) (string, bool) {
	return l.loader.Current().RandomLink(siteURL, source)
}

type liveHosts struct {
	loader *datafiles.Loader
}

func (l *liveHosts) RandomHostname(source rng.Source) (string, bool) {
	return l.loader.Current().RandomHostname(source)
}

package dispatch

import "github.com/quietwire/poisson/internal/rng"

// SiteProvider resolves a weighted URL for a topic category, backed by
// engine/datafiles' sites.yaml / onion_sites.yaml tables (spec §6).
type SiteProvider interface {
	RandomSite(category string, source rng.Source) (string, bool)
	RandomLink(siteURL string, source rng.Source) (string, bool)
}

// HostnameProvider resolves a random hostname for the dns engine's mixed
// pool (spec §4.6).
type HostnameProvider interface {
	RandomHostname(source rng.Source) (string, bool)
}

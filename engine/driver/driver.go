// Package driver defines the page-driver contract consumed (not
// implemented) by the core per spec §6: the headless browser itself is an
// external collaborator. This package carries the contract, a
// deterministic fake for tests, and in engine/driver/httpdriver a
// colly/goquery-backed reference implementation usable when no real
// browser automation is wired up.
package driver

import (
	"context"
	"time"

	"github.com/quietwire/poisson/engine/models"
)

// Result is the outcome of one page-driver call (spec §6).
type Result struct {
	BytesRead int64
	FinalURL  string
	OK        bool
	Err       error
	// Links are candidate internal links discovered on the page, consumed
	// by engines driving the follow_link Markov state.
	Links []string
	// Excerpt is a short human-readable rendering of the page, used only
	// for the activity ring's detail field (spec §3); never retained or
	// analyzed further by the core.
	Excerpt string
}

// PageDriver is the fixed external interface: open/follow/click_ad/close.
type PageDriver interface {
	Open(ctx context.Context, url string, persona *models.Persona, timeout time.Duration) Result
	Follow(ctx context.Context, linkIndex int, timeout time.Duration) Result
	ClickAd(ctx context.Context, timeout time.Duration) Result
	Close() error
}

// Factory constructs one PageDriver instance per session, since a driver
// is pinned to a single persona/browser context for the session's life.
type Factory func(persona *models.Persona) PageDriver

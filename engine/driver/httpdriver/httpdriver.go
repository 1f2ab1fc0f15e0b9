// Package httpdriver is a reference driver.PageDriver implementation
// backed by colly/goquery/html-to-markdown, grounded on the teacher's
// Colly-based fetcher (engine/internal/crawler/colly_fetcher.go): the same
// request-timeout and user-agent wiring, with one collector per session
// and an atomic byte counter. Unlike the teacher, this driver discards
// the fetched content after extracting a short markdown excerpt and
// candidate links — Poisson's core never reads page content (spec §1).
package httpdriver

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/quietwire/poisson/engine/driver"
	"github.com/quietwire/poisson/engine/models"
)

// Driver is one colly.Collector pinned to a single persona/session.
type Driver struct {
	collector *colly.Collector
	conv      *converter.Converter
	baseURL   *url.URL
	lastLinks []string

	bytesRead atomic.Int64
	closed    atomic.Bool
}

// New returns a driver.Factory that constructs one Driver per session,
// configuring the collector's user-agent from the pinned persona so every
// request within the session is attributed consistently (spec §4.3).
func New() driver.Factory {
	return func(persona *models.Persona) driver.PageDriver {
		c := colly.NewCollector()
		if persona != nil && persona.UserAgent != "" {
			c.UserAgent = persona.UserAgent
		}
		conv := converter.NewConverter(
			converter.WithPlugins(base.NewBasePlugin(), commonmark.NewCommonmarkPlugin()),
		)
		return &Driver{collector: c, conv: conv}
	}
}

func (d *Driver) Open(ctx context.Context, rawURL string, persona *models.Persona, timeout time.Duration) driver.Result {
	u, err := url.Parse(rawURL)
	if err != nil {
		return driver.Result{OK: false, Err: fmt.Errorf("invalid url %q: %w", rawURL, err)}
	}
	return d.fetch(u, timeout)
}

// Follow resolves linkIndex against the links discovered by the most
// recent Open/Follow call that found any links (spec §6
// PageDriver.follow), since colly has no
// concept of "the Nth link on the current page" without the caller
// re-supplying a URL.
func (d *Driver) Follow(ctx context.Context, linkIndex int, timeout time.Duration) driver.Result {
	if d.baseURL == nil {
		return driver.Result{OK: false, Err: fmt.Errorf("follow called before open")}
	}
	if linkIndex < 0 || linkIndex >= len(d.lastLinks) {
		return driver.Result{OK: false, Err: fmt.Errorf("follow: link index %d out of range (%d known links)", linkIndex, len(d.lastLinks))}
	}
	u, err := url.Parse(d.lastLinks[linkIndex])
	if err != nil {
		return driver.Result{OK: false, Err: fmt.Errorf("invalid discovered link %q: %w", d.lastLinks[linkIndex], err)}
	}
	return d.fetch(u, timeout)
}

func (d *Driver) fetch(u *url.URL, timeout time.Duration) driver.Result {
	if d.closed.Load() {
		return driver.Result{OK: false, Err: fmt.Errorf("driver closed")}
	}
	d.baseURL = u
	d.collector.SetRequestTimeout(timeout)

	var result driver.Result
	d.collector.OnResponse(func(r *colly.Response) {
		result.BytesRead = int64(len(r.Body))
		result.FinalURL = r.Request.URL.String()
		result.OK = true
		d.bytesRead.Add(result.BytesRead)

		if doc, parseErr := goquery.NewDocumentFromReader(strings.NewReader(string(r.Body))); parseErr == nil {
			result.Links = extractLinks(doc, r.Request.URL)
		}
		if excerpt, mdErr := d.conv.ConvertString(string(r.Body)); mdErr == nil {
			result.Excerpt = excerptPrefix(excerpt, 200)
		}
	})
	d.collector.OnError(func(r *colly.Response, visitErr error) {
		result = driver.Result{OK: false, Err: visitErr}
	})

	if err := d.collector.Visit(u.String()); err != nil {
		return driver.Result{OK: false, Err: err}
	}
	d.collector.Wait()
	if len(result.Links) > 0 {
		d.lastLinks = result.Links
	}
	return result
}

func (d *Driver) ClickAd(ctx context.Context, timeout time.Duration) driver.Result {
	return driver.Result{OK: false, Err: fmt.Errorf("click_ad not supported by the reference http driver")}
}

func (d *Driver) Close() error {
	d.closed.Store(true)
	return nil
}

// extractLinks mirrors the teacher's link-discovery approach (goquery
// selecting anchor hrefs, resolved against the response's base URL) but
// returns only the resolved URL strings, since Poisson never assembles
// page content.
func extractLinks(doc *goquery.Document, base *url.URL) []string {
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		links = append(links, resolved.String())
	})
	return links
}

func excerptPrefix(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Package filter implements the per-context traffic policy: keep the
// traffic a playback session genuinely needs, drop the rest to stay
// inside the bandwidth and memory ceilings.
package filter

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// Core resource types a live playback session cannot work without.
var coreTypes = map[string]bool{
	"document":  true,
	"xhr":       true,
	"fetch":     true,
	"script":    true,
	"websocket": true,
}

// Heavy asset types dropped when they come from non-essential domains.
var heavyTypes = map[string]bool{
	"image":      true,
	"font":       true,
	"stylesheet": true,
}

// Media-type heuristic: resource types that indicate stream payloads,
// allowed regardless of domain.
var mediaTypes = map[string]bool{
	"media":       true,
	"eventsource": true,
	"manifest":    true,
	"texttrack":   true,
}

// Known tracker and analytics domains, blocked outright.
var defaultBlocklist = []string{
	"*.google-analytics.com",
	"*.googletagmanager.com",
	"*.doubleclick.net",
	"*.googlesyndication.com",
	"*.facebook.net",
	"*.facebook.com",
	"*.scorecardresearch.com",
	"*.hotjar.com",
	"*.amplitude.com",
	"*.segment.io",
	"*.segment.com",
	"*.mixpanel.com",
	"*.branch.io",
	"*.adsrvr.org",
	"*.criteo.com",
	"*.quantserve.com",
}

// Policy decides, per request, whether traffic passes. Construction
// compiles all domain patterns once; Decide is called on every request
// of every surface and must stay cheap.
type Policy struct {
	target  []glob.Glob
	blocked []glob.Glob
}

// New builds a policy for targetURL. The target site's own domains
// (the host and its subdomains) are allowed unconditionally, extra
// glob patterns in allowDomains extend that set (CDNs, media edges).
func New(targetURL string, allowDomains []string) (*Policy, error) {
	u, err := url.Parse(targetURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid target url %q", targetURL)
	}
	host := strings.ToLower(u.Hostname())

	patterns := append([]string{host, "*." + host}, allowDomains...)
	p := &Policy{}
	for _, pat := range patterns {
		g, err := glob.Compile(strings.ToLower(pat), '.')
		if err != nil {
			return nil, fmt.Errorf("invalid allow pattern %q: %w", pat, err)
		}
		p.target = append(p.target, g)
	}
	for _, pat := range defaultBlocklist {
		// Blocklist is static and known-good; compile errors here are
		// programmer errors.
		p.blocked = append(p.blocked, glob.MustCompile(pat, '.'))
	}
	return p, nil
}

// Decide reports whether a request for resourceType from host should
// be allowed through.
func (p *Policy) Decide(host, resourceType string) bool {
	host = strings.ToLower(host)
	resourceType = strings.ToLower(resourceType)

	for _, g := range p.blocked {
		if g.Match(host) {
			return false
		}
	}

	// The target site and stream media pass regardless of type.
	for _, g := range p.target {
		if g.Match(host) {
			return true
		}
	}
	if mediaTypes[resourceType] {
		return true
	}

	if coreTypes[resourceType] {
		return true
	}

	// Heavy assets from non-essential domains are dropped to conserve
	// bandwidth.
	if heavyTypes[resourceType] {
		return false
	}

	return true
}

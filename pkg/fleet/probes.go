package fleet

import (
	"context"

	"github.com/entrhq/viewerfleet/pkg/browser"
)

// Script probes evaluated against a tab's live state. The player
// element is the tab's primary content; everything here degrades to a
// plain result value so a probe never throws into the caller.

// responsivenessProbe is the trivial round-trip check a fresh surface
// must answer before it is accepted.
const responsivenessProbe = `1 + 1`

// playbackProbe reports whether the primary content element is
// actively playing.
const playbackProbe = `(() => {
	const v = document.querySelector('video');
	return !!v && !v.paused && !v.ended && v.readyState > 2;
})()`

// directPlay triggers playback directly. Browsers commonly reject this
// for unmuted media without a user gesture.
const directPlay = `(() => {
	const v = document.querySelector('video');
	if (!v) return 'no-video';
	const p = v.play();
	if (p && p.catch) p.catch(() => {});
	return 'ok';
})()`

// mutedPlay is the fallback: muted autoplay is allowed where unmuted
// playback is rejected.
const mutedPlay = `(() => {
	const v = document.querySelector('video');
	if (!v) return 'no-video';
	v.muted = true;
	const p = v.play();
	if (p && p.catch) p.catch(() => {});
	return 'ok';
})()`

// probePlaying asks the surface whether playback is active. Any
// evaluation failure counts as not playing.
func probePlaying(ctx context.Context, s browser.Surface) bool {
	result, err := s.Evaluate(ctx, playbackProbe)
	if err != nil {
		return false
	}
	playing, ok := result.(bool)
	return ok && playing
}

// probeResponsive runs the trivial round-trip check. Engines report
// numbers as float64 through the evaluation bridge.
func probeResponsive(ctx context.Context, s browser.Surface) bool {
	result, err := s.Evaluate(ctx, responsivenessProbe)
	if err != nil {
		return false
	}
	switch v := result.(type) {
	case float64:
		return v == 2
	case int:
		return v == 2
	default:
		return false
	}
}

// activate tries to establish playback: direct trigger first, then the
// muted-first retry when the direct attempt is rejected. Returns
// whether the tab ended up playing.
func activate(ctx context.Context, s browser.Surface) bool {
	if result, err := s.Evaluate(ctx, directPlay); err == nil && result == "ok" {
		if probePlaying(ctx, s) {
			return true
		}
	}
	if result, err := s.Evaluate(ctx, mutedPlay); err != nil || result != "ok" {
		return false
	}
	return probePlaying(ctx, s)
}

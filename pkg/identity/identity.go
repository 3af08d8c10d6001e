// Package identity generates and pools synthetic client identities
// (fingerprints). Every identity is an internally consistent bundle:
// the device model, OS version, browser build, screen geometry, locale,
// timezone and graphics stack are all drawn from the same device
// family's tables, so an Android identity never carries an iOS browser
// string.
package identity

import "time"

// Family is a device OS family.
type Family string

const (
	FamilyAndroid Family = "android"
	FamilyIOS     Family = "ios"
)

// Viewport is a screen geometry in CSS pixels.
type Viewport struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Identity is one synthetic client fingerprint. Identities are
// immutable once generated; the pool hands out references, it never
// rewrites entries.
type Identity struct {
	ID             string    `json:"id"`
	Family         Family    `json:"family"`
	DeviceModel    string    `json:"device_model"`
	OSVersion      string    `json:"os_version"`
	BrowserVersion string    `json:"browser_version"`
	UserAgent      string    `json:"user_agent"`
	Viewport       Viewport  `json:"viewport"`
	Landscape      bool      `json:"landscape"`
	Locale         string    `json:"locale"`
	Timezone       string    `json:"timezone"`
	WebGLVendor    string    `json:"webgl_vendor"`
	WebGLRenderer  string    `json:"webgl_renderer"`
	CreatedAt      time.Time `json:"created_at"`

	// GenerationError marks a degraded identity: generation failed
	// partway and only the ID is meaningful. Degraded identities keep
	// the pool fully sized instead of aborting a fill.
	GenerationError string `json:"generation_error,omitempty"`
}

// Degraded reports whether this identity carries a generation error.
func (id Identity) Degraded() bool {
	return id.GenerationError != ""
}

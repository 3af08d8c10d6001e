package identity

import (
	_ "embed"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var profilesYAML []byte

// deviceProfile is one device model and its paired portrait/landscape
// geometries. Both orientations always come from the same device entry.
type deviceProfile struct {
	Model     string   `yaml:"model"`
	Portrait  Viewport `yaml:"portrait"`
	Landscape Viewport `yaml:"landscape"`
}

type graphicsProfile struct {
	Vendor   string `yaml:"vendor"`
	Renderer string `yaml:"renderer"`
}

// familyProfile is the lookup table for one OS family. Every attribute
// of a generated identity is drawn from a single familyProfile, which
// is what keeps the bundle coherent.
type familyProfile struct {
	Name            Family            `yaml:"name"`
	Weight          int               `yaml:"weight"`
	UserAgent       string            `yaml:"user_agent"`
	OSVersions      []string          `yaml:"os_versions"`
	BrowserVersions []string          `yaml:"browser_versions"`
	Devices         []deviceProfile   `yaml:"devices"`
	Locales         []string          `yaml:"locales"`
	Timezones       []string          `yaml:"timezones"`
	Graphics        []graphicsProfile `yaml:"graphics"`
}

func (p familyProfile) validate() error {
	if len(p.OSVersions) == 0 || len(p.BrowserVersions) == 0 || len(p.Devices) == 0 ||
		len(p.Locales) == 0 || len(p.Timezones) == 0 || len(p.Graphics) == 0 {
		return fmt.Errorf("family %q: incomplete profile tables", p.Name)
	}
	if p.UserAgent == "" {
		return fmt.Errorf("family %q: missing user agent template", p.Name)
	}
	return nil
}

type profileSet struct {
	Families []familyProfile `yaml:"families"`
}

// GeneratorOptions tunes identity generation.
type GeneratorOptions struct {
	// LandscapeProbability is the chance of choosing a device's
	// landscape geometry over its portrait one. Range [0,1].
	LandscapeProbability float64

	// Rand is the random source. Nil means a time-seeded source.
	Rand *rand.Rand
}

// Generator produces internally consistent identities from the
// embedded device profile tables.
type Generator struct {
	mu          sync.Mutex
	rng         *rand.Rand
	families    []familyProfile
	totalWeight int
	landscape   float64
}

// NewGenerator parses the embedded profile tables and returns a
// generator. It fails only when the tables themselves are unusable,
// which is a build defect rather than a runtime condition.
func NewGenerator(opts GeneratorOptions) (*Generator, error) {
	var set profileSet
	if err := yaml.Unmarshal(profilesYAML, &set); err != nil {
		return nil, fmt.Errorf("failed to parse device profiles: %w", err)
	}
	if len(set.Families) == 0 {
		return nil, fmt.Errorf("device profiles define no families")
	}

	total := 0
	for _, fam := range set.Families {
		if err := fam.validate(); err != nil {
			return nil, err
		}
		if fam.Weight <= 0 {
			return nil, fmt.Errorf("family %q: weight must be positive", fam.Name)
		}
		total += fam.Weight
	}

	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	landscape := opts.LandscapeProbability
	if landscape < 0 {
		landscape = 0
	}
	if landscape > 1 {
		landscape = 1
	}

	return &Generator{
		rng:         rng,
		families:    set.Families,
		totalWeight: total,
		landscape:   landscape,
	}, nil
}

// Generate produces one fresh identity. The family is chosen by the
// configured weights (80/20 android/ios with the stock tables), then
// every other attribute comes from that family's tables.
//
// With validated tables generation cannot fail; the error return
// exists so pool fills can degrade per entry instead of aborting when
// a source does fail.
func (g *Generator) Generate() (Identity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	fam := g.pickFamily()
	device := fam.Devices[g.rng.Intn(len(fam.Devices))]
	osVersion := fam.OSVersions[g.rng.Intn(len(fam.OSVersions))]
	browser := fam.BrowserVersions[g.rng.Intn(len(fam.BrowserVersions))]
	graphics := fam.Graphics[g.rng.Intn(len(fam.Graphics))]

	landscape := g.rng.Float64() < g.landscape
	viewport := device.Portrait
	if landscape {
		viewport = device.Landscape
	}

	return Identity{
		ID:             uuid.New().String(),
		Family:         fam.Name,
		DeviceModel:    device.Model,
		OSVersion:      osVersion,
		BrowserVersion: browser,
		UserAgent:      renderUserAgent(fam.UserAgent, osVersion, device.Model, browser),
		Viewport:       viewport,
		Landscape:      landscape,
		Locale:         fam.Locales[g.rng.Intn(len(fam.Locales))],
		Timezone:       fam.Timezones[g.rng.Intn(len(fam.Timezones))],
		WebGLVendor:    graphics.Vendor,
		WebGLRenderer:  graphics.Renderer,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func (g *Generator) pickFamily() familyProfile {
	n := g.rng.Intn(g.totalWeight)
	for _, fam := range g.families {
		if n < fam.Weight {
			return fam
		}
		n -= fam.Weight
	}
	return g.families[len(g.families)-1]
}

// renderUserAgent fills the family's user agent template. {os_} is the
// OS version with dots replaced by underscores, which is how iOS
// versions appear in CriOS user agents.
func renderUserAgent(template, osVersion, device, browser string) string {
	ua := template
	ua = strings.ReplaceAll(ua, "{os_}", strings.ReplaceAll(osVersion, ".", "_"))
	ua = strings.ReplaceAll(ua, "{os}", osVersion)
	ua = strings.ReplaceAll(ua, "{device}", device)
	ua = strings.ReplaceAll(ua, "{browser}", browser)
	return ua
}

// Degraded produces an error-marked identity carrying only a fresh ID.
// Used when generation fails partway through a pool fill: the pool
// must end up fully sized, so a bad entry beats a missing one.
func Degraded(err error) Identity {
	return Identity{
		ID:              uuid.New().String(),
		GenerationError: err.Error(),
		CreatedAt:       time.Now().UTC(),
	}
}

package fleet

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxRecentArtifacts bounds the in-memory recent list served by
// /api/screenshots.
const maxRecentArtifacts = 200

// Artifact is one captured diagnostic snapshot, identified by its
// composite key of worker, sub-session, tab and capture time.
type Artifact struct {
	Worker     int       `json:"worker"`
	Subsession int       `json:"subsession"`
	Tab        int       `json:"tab"`
	Path       string    `json:"path"`
	CapturedAt time.Time `json:"captured_at"`
}

// ArtifactStore manages the artifact directory and remembers recent
// captures, newest first.
type ArtifactStore struct {
	dir string

	mu     sync.Mutex
	recent []Artifact
}

// NewArtifactStore creates the artifact directory if needed. An empty
// dir defaults to ./screenshots.
func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if dir == "" {
		dir = "screenshots"
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &ArtifactStore{dir: dir}, nil
}

// NextPath builds the destination path for a new capture.
func (a *ArtifactStore) NextPath(worker, subsession, tab int) string {
	name := fmt.Sprintf("w%d-s%d-t%d-%s.png",
		worker, subsession, tab, time.Now().UTC().Format("20060102T150405"))
	return filepath.Join(a.dir, name)
}

// Record remembers a completed capture.
func (a *ArtifactStore) Record(worker, subsession, tab int, path string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.recent = append([]Artifact{{
		Worker:     worker,
		Subsession: subsession,
		Tab:        tab,
		Path:       path,
		CapturedAt: time.Now().UTC(),
	}}, a.recent...)
	if len(a.recent) > maxRecentArtifacts {
		a.recent = a.recent[:maxRecentArtifacts]
	}
}

// Recent returns up to limit recent artifacts, newest first.
func (a *ArtifactStore) Recent(limit int) []Artifact {
	a.mu.Lock()
	defer a.mu.Unlock()

	if limit < 1 || limit > len(a.recent) {
		limit = len(a.recent)
	}
	out := make([]Artifact, limit)
	copy(out, a.recent[:limit])
	return out
}

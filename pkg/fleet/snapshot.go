package fleet

import "time"

// Snapshot types are the read-only view the reporting loops and the
// status endpoints work from. A snapshot is complete and immutable the
// moment it is taken; holders never touch the live tree.

type TabSnapshot struct {
	Ordinal   int       `json:"ordinal"`
	Status    TabStatus `json:"status"`
	Artifact  string    `json:"artifact,omitempty"`
	Playing   *bool     `json:"playing,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type SubsessionSnapshot struct {
	Ordinal    int           `json:"ordinal"`
	IdentityID string        `json:"identity_id"`
	CreatedAt  time.Time     `json:"created_at"`
	Tabs       []TabSnapshot `json:"tabs"`
}

type WorkerSnapshot struct {
	Ordinal       int                  `json:"ordinal"`
	IdentityID    string               `json:"identity_id"`
	Status        WorkerStatus         `json:"status"`
	LaunchAttempt int                  `json:"launch_attempt"`
	LaunchedAt    time.Time            `json:"launched_at,omitempty"`
	Subsessions   []SubsessionSnapshot `json:"subsessions"`
}

// Totals aggregates tab counts across the fleet.
type Totals struct {
	Tabs    int `json:"tabs"`
	Playing int `json:"playing"`
	Errored int `json:"errored"`
}

type FleetSnapshot struct {
	Workers        []WorkerSnapshot `json:"workers"`
	Totals         Totals           `json:"totals"`
	DegradedTunnel bool             `json:"degraded_tunnel"`
	GeneratedAt    time.Time        `json:"generated_at"`
}

// Snapshot copies the current tree state. Nodes still being
// provisioned simply are not present yet.
func (t *Tree) Snapshot() FleetSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := FleetSnapshot{
		DegradedTunnel: t.degradedTunnel,
		GeneratedAt:    time.Now().UTC(),
	}
	for _, w := range t.workers {
		ws := WorkerSnapshot{
			Ordinal:       w.Ordinal,
			IdentityID:    w.IdentityID,
			Status:        w.Status,
			LaunchAttempt: w.LaunchAttempt,
			LaunchedAt:    w.LaunchedAt,
		}
		for _, s := range w.Subsessions {
			ss := SubsessionSnapshot{
				Ordinal:    s.Ordinal,
				IdentityID: s.IdentityID,
				CreatedAt:  s.CreatedAt,
			}
			for _, tab := range s.Tabs {
				snap.Totals.Tabs++
				switch tab.Status {
				case TabPlaying:
					snap.Totals.Playing++
				case TabError:
					snap.Totals.Errored++
				}
				var playing *bool
				if tab.Playing != nil {
					p := *tab.Playing
					playing = &p
				}
				ss.Tabs = append(ss.Tabs, TabSnapshot{
					Ordinal:   tab.Ordinal,
					Status:    tab.Status,
					Artifact:  tab.LastArtifact,
					Playing:   playing,
					CreatedAt: tab.CreatedAt,
				})
			}
			ws.Subsessions = append(ws.Subsessions, ss)
		}
		snap.Workers = append(snap.Workers, ws)
	}
	return snap
}

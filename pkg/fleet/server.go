package fleet

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/entrhq/viewerfleet/pkg/logging"
)

// StatusServer serves the orchestrator's HTTP surface. It only ever
// reads snapshots, so it always reflects last-known state even while
// provisioning is mid-failure.
type StatusServer struct {
	orch *Orchestrator
	log  *logging.Logger
}

// NewStatusServer wraps an orchestrator for the dashboard endpoints.
func NewStatusServer(orch *Orchestrator, log *logging.Logger) *StatusServer {
	return &StatusServer{orch: orch, log: log}
}

// Handler returns the orchestrator surface:
//
//	GET /                human-readable fleet status page
//	GET /api/status      full tree snapshot as JSON
//	GET /api/screenshots recent diagnostic artifacts
//	GET /healthz         liveness probe
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/screenshots", s.handleScreenshots)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

func (s *StatusServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.orch.Tree().Snapshot()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><head><title>viewerfleet</title></head><body><h1>viewerfleet</h1>")
	fmt.Fprintf(w, "<p>%d workers, %d tabs: %d playing, %d errored</p>",
		len(snap.Workers), snap.Totals.Tabs, snap.Totals.Playing, snap.Totals.Errored)
	if snap.DegradedTunnel {
		fmt.Fprintf(w, "<p><b>tunnel degraded</b></p>")
	}
	for _, worker := range snap.Workers {
		fmt.Fprintf(w, "<h2>worker %d (%s)</h2><ul>", worker.Ordinal, worker.Status)
		for _, sub := range worker.Subsessions {
			for _, tab := range sub.Tabs {
				fmt.Fprintf(w, "<li>sub %d tab %d: %s</li>", sub.Ordinal, tab.Ordinal, tab.Status)
			}
		}
		fmt.Fprintf(w, "</ul>")
	}
	fmt.Fprintf(w, "</body></html>")
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.orch.Tree().Snapshot())
}

func (s *StatusServer) handleScreenshots(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.orch.Artifacts().Recent(50))
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("failed to encode response: %v", err)
	}
}

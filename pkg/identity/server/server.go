// Package server exposes an identity pool over HTTP. This is the
// fingerprintd surface the fleet orchestrator draws identities from.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/entrhq/viewerfleet/pkg/identity"
	"github.com/entrhq/viewerfleet/pkg/logging"
)

// listLimit caps GET /fingerprints responses regardless of pool size.
const listLimit = 100

// Server serves a single identity pool.
type Server struct {
	pool *identity.Pool
	log  *logging.Logger

	registry  *prometheus.Registry
	generated prometheus.Counter
	served    *prometheus.CounterVec
}

// New creates a server around an already-constructed pool. The pool is
// expected to be filled by the caller at startup; unfilled pools still
// work through the lazy-fill fallback in Next.
func New(pool *identity.Pool, log *logging.Logger) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	generated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fingerprints_generated_total",
		Help: "Identities generated, pool fills included.",
	})
	served := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fingerprints_served_total",
		Help: "Identities served over HTTP.",
	}, []string{"endpoint"})
	registry.MustRegister(generated, served)

	return &Server{
		pool:      pool,
		log:       log,
		registry:  registry,
		generated: generated,
		served:    served,
	}
}

// RecordGenerated adds n to the generated counter. Called once after
// the startup fill with the pool size.
func (s *Server) RecordGenerated(n int) {
	s.generated.Add(float64(n))
}

// Handler returns the HTTP surface:
//
//	GET /next             one identity, round-robin
//	GET /random           one freshly generated identity, not pool-backed
//	GET /fingerprint/{id} fresh identity with its id overwritten to {id}
//	GET /fingerprints     up to 100 pool entries
//	GET /healthz          200 when the pool can serve
//	GET /metrics          prometheus exposition
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /next", s.handleNext)
	mux.HandleFunc("GET /random", s.handleRandom)
	mux.HandleFunc("GET /fingerprint/{id}", s.handleGetByID)
	mux.HandleFunc("GET /fingerprints", s.handleList)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	id := s.pool.Next()
	s.served.WithLabelValues("next").Inc()
	s.log.Debugf("served pooled identity %s to %s", id.ID, r.RemoteAddr)
	s.writeJSON(w, id)
}

func (s *Server) handleRandom(w http.ResponseWriter, r *http.Request) {
	id := s.pool.Random()
	s.generated.Inc()
	s.served.WithLabelValues("random").Inc()
	s.log.Debugf("served random identity %s to %s", id.ID, r.RemoteAddr)
	s.writeJSON(w, id)
}

// handleGetByID regenerates an identity under the requested id. The
// attributes are fresh every call; this endpoint is a compatibility
// affordance for callers that key identities externally, not a lookup.
func (s *Server) handleGetByID(w http.ResponseWriter, r *http.Request) {
	id := s.pool.GetByID(r.PathValue("id"))
	s.generated.Inc()
	s.served.WithLabelValues("fingerprint").Inc()
	s.writeJSON(w, id)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries := s.pool.List(listLimit)
	s.served.WithLabelValues("fingerprints").Add(float64(len(entries)))
	s.writeJSON(w, entries)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.pool.Healthy() {
		http.Error(w, "identity generation unavailable", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("failed to encode response: %v", err)
	}
}

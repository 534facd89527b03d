package meshapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meshrender/farm/pkg/metrics"
)

// router builds the chi mux: global logging/recovery/metrics middleware,
// then routes grouped by leader-gating requirement. This mirrors
// loghunter's router.go shape (global middleware, then a protected group)
// with the auth/rate-limit group replaced by the leader-gating one this
// protocol actually needs.
func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(metricsMiddleware)
	r.Use(loggingMiddleware(s.log))
	r.Use(recoveryMiddleware(s.log))

	r.Get("/api/status", s.handleStatus)
	r.Get("/api/peers", s.handlePeers)
	r.Post("/api/node/stop", s.handleNodeStop)
	r.Post("/api/node/start", s.handleNodeStart)
	r.Post("/api/dispatch/assign", s.handleAssign)

	r.Group(func(r chi.Router) {
		r.Post("/api/jobs", s.requireLeader(s.handleSubmitJob))
		r.Get("/api/jobs", s.requireLeader(s.handleListJobs))
		r.Get("/api/jobs/{id}", s.requireLeader(s.handleGetJob))
		r.Delete("/api/jobs/{id}", s.requireLeader(s.handleDeleteJob))
		r.Post("/api/jobs/{id}/{action}", s.requireLeader(s.handleJobAction))
		r.Post("/api/dispatch/complete", s.requireLeader(s.handleComplete))
		r.Post("/api/dispatch/failed", s.requireLeader(s.handleFailed))
		r.Post("/api/dispatch/frame-complete", s.requireLeader(s.handleFrameComplete))
		r.Post("/api/nodes/{id}/unsuspend", s.requireLeader(s.handleUnsuspend))
	})

	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Get("/livez", metrics.LivenessHandler())
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	return r
}

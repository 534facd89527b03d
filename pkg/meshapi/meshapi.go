// Package meshapi implements the HTTP surface every node exposes for the
// inter-node protocol: status/discovery, dispatch assignment, job control,
// and chunk/frame reporting. It never imports pkg/farm; every collaborator
// it needs is handed in as a function-shaped or interface-shaped dependency
// at construction, the same way loghunter's router takes a Dependencies
// struct of plain http.HandlerFuncs instead of a service object.
package meshapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshrender/farm/pkg/dispatcher"
	"github.com/meshrender/farm/pkg/failure"
	"github.com/meshrender/farm/pkg/farmerr"
	"github.com/meshrender/farm/pkg/registry"
	"github.com/meshrender/farm/pkg/types"
)

// AssignFunc hands an inbound chunk assignment to the local render path. It
// returns a farmerr sentinel (ErrStopped, ErrBusy) when the node cannot
// accept work right now.
type AssignFunc func(req types.AssignRequest) error

// CancelLocalFunc aborts any in-flight local render of jobID, invoked by the
// leader's cancel handler so cancelling a job also aborts any local render
// of it on the current node.
type CancelLocalFunc func(jobID string)

// PersistNodeStateFunc persists the node_stopped flag so it survives a
// restart. Optional; nil-safe.
type PersistNodeStateFunc func(stopped bool) error

// Dependencies are every collaborator the handlers call into.
type Dependencies struct {
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Failures   *failure.Tracker

	Assign      AssignFunc
	CancelLocal CancelLocalFunc
	PersistNode PersistNodeStateFunc

	AppVersion string
}

// Server is the per-node HTTP listener serving the mesh protocol.
type Server struct {
	log  zerolog.Logger
	deps Dependencies
	srv  *http.Server
}

// New builds a Server bound to addr ("ip:port" or ":port"). It does not
// start listening until Start is called.
func New(deps Dependencies, addr string, logger zerolog.Logger) *Server {
	s := &Server{
		log:  logger.With().Str("component", "meshapi").Logger(),
		deps: deps,
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and serves in a background goroutine. A bind
// failure is returned synchronously; a later serve failure is only logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("meshapi: listen %s: %w", s.srv.Addr, err)
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("meshapi server stopped unexpectedly")
		}
	}()
	s.log.Info().Str("addr", s.srv.Addr).Msg("meshapi listening")
	return nil
}

// Stop gracefully shuts the HTTP server down within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// leaderInfo resolves the current leader for a 503 not_leader body.
func (s *Server) leaderInfo() (nodeID, endpoint string) {
	leaderID, _ := s.deps.Registry.Leader()
	if leaderID == "" {
		return "", ""
	}
	ep, _ := s.deps.Registry.Endpoint(leaderID)
	return leaderID, ep
}

func mapError(err error) (status int, code string) {
	switch {
	case errors.Is(err, farmerr.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, farmerr.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, farmerr.ErrStopped):
		return http.StatusConflict, "stopped"
	case errors.Is(err, farmerr.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, farmerr.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, farmerr.ErrNotLeader):
		return http.StatusServiceUnavailable, "not_leader"
	default:
		return http.StatusServiceUnavailable, "internal"
	}
}

// Package server exposes the tiering control operations of a VM over
// Connect (HTTP/JSON).
package server

import (
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/tiered/vm"
)

// ServiceName is the fully qualified name of the control service.
const ServiceName = "tiered.v1.ControlService"

// Procedure paths.
const (
	PrepareProcedure            = "/" + ServiceName + "/Prepare"
	OptimizeOnNextCallProcedure = "/" + ServiceName + "/OptimizeOnNextCall"
	DeoptimizeProcedure         = "/" + ServiceName + "/Deoptimize"
	StatusProcedure             = "/" + ServiceName + "/Status"
	CallProcedure               = "/" + ServiceName + "/Call"
	LoadProcedure               = "/" + ServiceName + "/Load"
	TraceProcedure              = "/" + ServiceName + "/Trace"
	ReleaseProcedure            = "/" + ServiceName + "/Release"
)

// Server is the control server wrapping a running VM.
type Server struct {
	worker  *VMWorker
	handles *HandleStore
	mux     *http.ServeMux
	log     commonlog.Logger

	stopSweeper func()
}

// Option configures a Server.
type Option func(*serverConfig)

type serverConfig struct {
	handleInterval time.Duration
	handleTTL      time.Duration
}

// WithHandleTTL sets how long an unused call-result handle is kept.
func WithHandleTTL(interval, ttl time.Duration) Option {
	return func(c *serverConfig) {
		c.handleInterval = interval
		c.handleTTL = ttl
	}
}

// New creates a Server wrapping the given VM.
func New(v *vm.VM, opts ...Option) *Server {
	cfg := &serverConfig{
		handleInterval: 5 * time.Minute,
		handleTTL:      30 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Server{
		worker:  NewVMWorker(v),
		handles: NewHandleStore(),
		mux:     http.NewServeMux(),
		log:     commonlog.GetLogger("tiered.server"),
	}
	svc := NewControlService(s.worker, s.handles)
	codec := connect.WithCodec(jsonCodec{})

	s.mux.Handle(PrepareProcedure, connect.NewUnaryHandler(PrepareProcedure, svc.Prepare, codec))
	s.mux.Handle(OptimizeOnNextCallProcedure, connect.NewUnaryHandler(OptimizeOnNextCallProcedure, svc.OptimizeOnNextCall, codec))
	s.mux.Handle(DeoptimizeProcedure, connect.NewUnaryHandler(DeoptimizeProcedure, svc.Deoptimize, codec))
	s.mux.Handle(StatusProcedure, connect.NewUnaryHandler(StatusProcedure, svc.Status, codec))
	s.mux.Handle(CallProcedure, connect.NewUnaryHandler(CallProcedure, svc.Call, codec))
	s.mux.Handle(LoadProcedure, connect.NewUnaryHandler(LoadProcedure, svc.Load, codec))
	s.mux.Handle(TraceProcedure, connect.NewUnaryHandler(TraceProcedure, svc.Trace, codec))
	s.mux.Handle(ReleaseProcedure, connect.NewUnaryHandler(ReleaseProcedure, svc.Release, codec))

	s.stopSweeper = s.handles.StartSweeper(cfg.handleInterval, cfg.handleTTL)
	return s
}

// Handler returns the HTTP handler serving every procedure.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *Server) ListenAndServe(addr string) error {
	s.log.Noticef("control server listening on %s", addr)
	s.log.Infof("  Connect (HTTP/JSON): http://%s%s", addr, StatusProcedure)
	return http.ListenAndServe(addr, s.mux)
}

// Stop shuts down the server's background goroutines.
func (s *Server) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	s.worker.Stop()
}

// Package control exposes a running session to operators: a gRPC health
// service that mirrors the session state, and HTTP endpoints for metrics and
// for reading or changing the state.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/behavior-rig/internal/logging"
	"github.com/signalsfoundry/behavior-rig/internal/observability"
	"github.com/signalsfoundry/behavior-rig/internal/session"
	"github.com/signalsfoundry/behavior-rig/model"
)

// ServiceName is the health service name of the rig.
const ServiceName = "behavior.rig"

// Session is the part of the session recorder the control surface needs.
type Session interface {
	SessionState() model.SessionState
	SetSessionState(s model.SessionState)
	Status() session.Status
}

// Server bundles the gRPC and HTTP control endpoints.
type Server struct {
	session   Session
	log       logging.Logger
	health    *health.Server
	grpc      *grpc.Server
	collector *observability.ControlCollector
	metrics   http.Handler
	phase     func() string
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithPhase reports the trial phase in /state.
func WithPhase(fn func() string) Option {
	return func(s *Server) {
		s.phase = fn
	}
}

// New builds the control server. collector may be nil.
func New(sess Session, collector *observability.ControlCollector, opts ...Option) *Server {
	s := &Server{
		session:   sess,
		log:       logging.Noop(),
		health:    health.NewServer(),
		collector: collector,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.metrics == nil {
		s.metrics = collector.Handler()
	}

	s.grpc = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RequestIDUnaryServerInterceptor(s.log),
			collector.UnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.OnStateChange("", sess.SessionState())
	return s
}

// healthStatus maps a session state to a serving status: only a session that
// is running trials (awake or asleep) is SERVING.
func healthStatus(st model.SessionState) healthpb.HealthCheckResponse_ServingStatus {
	if st.Active() && st != model.StateHold {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// OnStateChange mirrors a session state change into the health service. It
// has the signature of session.StateListener.
func (s *Server) OnStateChange(_, to model.SessionState) {
	status := healthStatus(to)
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
}

// Serve serves gRPC on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info(context.Background(), "starting control gRPC server", logging.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Handler returns the HTTP mux serving /metrics and /state.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics)
	mux.Handle("/state", s.collector.InstrumentHTTP("state", http.HandlerFunc(s.handleState)))
	return mux
}

type stateResponse struct {
	session.Status
	Phase string `json:"phase,omitempty"`
}

type stateRequest struct {
	State string `json:"state"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	ctx := logging.ContextWithRequestID(r.Context(), r.Header.Get("X-Request-Id"))
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req stateRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		st, err := model.ParseSessionState(req.State)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		from := s.session.SessionState()
		s.session.SetSessionState(st)
		s.log.Info(ctx, "session state changed by operator",
			logging.String("from", string(from)),
			logging.String("to", string(st)),
		)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := stateResponse{Status: s.session.Status()}
	if s.phase != nil {
		resp.Phase = s.phase()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn(ctx, "write state response", logging.Err(err))
	}
}

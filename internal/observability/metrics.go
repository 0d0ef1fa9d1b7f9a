package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Transports of the operator control surface.
const (
	TransportGRPC = "grpc"
	TransportHTTP = "http"
)

// ControlCollector counts operator calls on the control surface: gRPC health
// checks and the HTTP state endpoint share one family, split by transport.
type ControlCollector struct {
	gatherer prometheus.Gatherer

	Requests  *prometheus.CounterVec
	Durations *prometheus.HistogramVec
}

// NewControlCollector registers the control metrics on reg, or on the default
// registry when reg is nil.
func NewControlCollector(reg prometheus.Registerer) (*ControlCollector, error) {
	reg, gatherer := resolveRegistry(reg)

	requests, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rig_control_requests_total",
		Help: "Control calls handled, labeled by transport, route and status code.",
	}, []string{"transport", "route", "code"}), "rig_control_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rig_control_request_duration_seconds",
		Help:    "Control call latency, labeled by transport and route.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"transport", "route"}), "rig_control_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &ControlCollector{gatherer: gatherer, Requests: requests, Durations: durations}, nil
}

// UnaryServerInterceptor counts unary RPCs under route "Service/Method".
func (c *ControlCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if c == nil {
			return resp, err
		}
		service, method := SplitMethod(info.FullMethod)
		route := service + "/" + method
		c.Requests.WithLabelValues(TransportGRPC, route, status.Code(err).String()).Inc()
		c.Durations.WithLabelValues(TransportGRPC, route).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// InstrumentHTTP wraps h so its calls are counted under route.
func (c *ControlCollector) InstrumentHTTP(route string, h http.Handler) http.Handler {
	if c == nil {
		return h
	}
	labels := prometheus.Labels{"transport": TransportHTTP, "route": route}
	h = promhttp.InstrumentHandlerDuration(c.Durations.MustCurryWith(labels), h)
	return promhttp.InstrumentHandlerCounter(c.Requests.MustCurryWith(labels), h)
}

// Handler serves the registry the collector was registered on.
func (c *ControlCollector) Handler() http.Handler {
	if c == nil {
		return HandlerFor(nil)
	}
	return HandlerFor(c.gatherer)
}

// HandlerFor returns a /metrics handler for gatherer, defaulting to the
// global registry.
func HandlerFor(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod turns "/pkg.Service/Method" into ("Service", "Method"). Parts
// that cannot be parsed come back as "unknown".
func SplitMethod(fullMethod string) (string, string) {
	parts := strings.Split(strings.TrimPrefix(fullMethod, "/"), "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service, method := parts[len(parts)-2], parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func resolveRegistry(reg prometheus.Registerer) (prometheus.Registerer, prometheus.Gatherer) {
	if reg == nil {
		return prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		return reg, g
	}
	return reg, prometheus.DefaultGatherer
}

// register adds c to reg. If an identical collector is already registered
// it is returned instead, so collectors can be built twice on one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
		return c, fmt.Errorf("collector %s already registered with incompatible type", name)
	}
	return c, fmt.Errorf("register %s: %w", name, err)
}

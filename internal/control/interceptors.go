package control

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/behavior-rig/internal/logging"
)

const requestIDMetadataKey = "x-request-id"

// RequestIDUnaryServerInterceptor tags the handler context with the caller's
// x-request-id, or a fresh id when none is sent, and logs the call at debug.
func RequestIDUnaryServerInterceptor(log logging.Logger) grpc.UnaryServerInterceptor {
	if log == nil {
		log = logging.Noop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		ctx = logging.ContextWithRequestID(ctx, firstHeader(md, requestIDMetadataKey))

		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debug(ctx, "control call",
			logging.String("method", info.FullMethod),
			logging.Duration("elapsed", time.Since(start)),
			logging.Err(err),
		)
		return resp, err
	}
}

func firstHeader(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

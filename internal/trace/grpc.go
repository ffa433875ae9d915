package trace

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor continues the caller's trace from incoming
// metadata and logs each call with its outcome.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var traceID, parent string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			traceID = first(md.Get(TraceIDKey))
			parent = first(md.Get(SpanIDKey))
		}
		ctx = WithContext(ctx, continueFrom(traceID, parent))

		start := time.Now()
		resp, err := handler(ctx, req)
		Logger(ctx).Debug("grpc call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start))
		return resp, err
	}
}

// OutgoingContext attaches ctx's trace identifiers as gRPC metadata.
func OutgoingContext(ctx context.Context) context.Context {
	ctx, tc := EnsureContext(ctx)
	return metadata.AppendToOutgoingContext(ctx, TraceIDKey, tc.TraceID, SpanIDKey, tc.SpanID)
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

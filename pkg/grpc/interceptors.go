package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/baaaht/msgplane/internal/logger"
)

// loggingUnaryInterceptor logs unary RPC calls
func loggingUnaryInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logRPC(log, "RPC", info.FullMethod, time.Since(start), err)
		return resp, err
	}
}

// loggingStreamInterceptor logs streaming RPC calls
func loggingStreamInterceptor(log *logger.Logger) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, stream)
		logRPC(log, "Stream", info.FullMethod, time.Since(start), err)
		return err
	}
}

func logRPC(log *logger.Logger, kind, method string, duration time.Duration, err error) {
	if err == nil {
		log.Debug(kind+" completed", "method", method, "duration_ms", duration.Milliseconds())
		return
	}

	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.NotFound, codes.Canceled:
		// unknown services and closed watches are routine for probes
		log.Debug(kind+" ended", "method", method, "code", st.Code().String(), "message", st.Message())
	default:
		log.Error(kind+" failed",
			"method", method,
			"code", st.Code().String(),
			"message", st.Message(),
			"duration_ms", duration.Milliseconds())
	}
}

package health

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/abboe/broker/internal/logger"
)

// serverOptions chains the logging and recovery interceptors onto the
// health gRPC server
func serverOptions(log *logger.Logger) []grpc.ServerOption {
	log = log.With("component", "health_rpc")
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(recoverUnary(log), logUnary(log)),
		grpc.ChainStreamInterceptor(recoverStream(log), logStream(log)),
	}
}

func logUnary(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(log, info.FullMethod, start, err)
		return resp, err
	}
}

func logStream(log *logger.Logger) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, stream)
		logCall(log, info.FullMethod, start, err)
		return err
	}
}

func logCall(log *logger.Logger, method string, start time.Time, err error) {
	duration := time.Since(start)
	if err != nil {
		st, _ := status.FromError(err)
		// NotFound is the normal answer for unknown services
		if st.Code() == codes.NotFound {
			log.Debug("Health check for unknown service",
				"method", method,
				"message", st.Message())
			return
		}
		log.Warn("Health RPC failed",
			"method", method,
			"code", st.Code().String(),
			"message", st.Message(),
			"duration_ms", duration.Milliseconds())
		return
	}
	log.Debug("Health RPC completed",
		"method", method,
		"duration_ms", duration.Milliseconds())
}

func recoverUnary(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = panicError(log, info.FullMethod, r)
			}
		}()
		return handler(ctx, req)
	}
}

func recoverStream(log *logger.Logger) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = panicError(log, info.FullMethod, r)
			}
		}()
		return handler(srv, stream)
	}
}

func panicError(log *logger.Logger, method string, r any) error {
	log.Error("Health RPC panicked", "method", method, "panic", fmt.Sprint(r))
	return status.Errorf(codes.Internal, "internal error in %s", method)
}

package grpc

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Pinger is anything whose liveness gates the serving status
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewGRPCServer builds the ops gRPC server with the standard health service
// and reflection registered. When opsToken is empty the ops service is not
// exposed; health checks never require a token.
func NewGRPCServer(ops OpsServer, opsToken string, logger *zap.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			LoggingInterceptor(logger),
			AuthInterceptor(opsToken, HealthCheck, HealthList),
		),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	if ops != nil && opsToken != "" {
		RegisterOpsServer(server, ops)
	}
	reflection.Register(server)
	return server, hs
}

// WatchHealth pings store every interval and mirrors the result into hs
// until ctx is done, then marks every service as not serving.
func WatchHealth(ctx context.Context, hs *health.Server, store Pinger, interval time.Duration, logger *zap.Logger) {
	serving := healthpb.HealthCheckResponse_UNKNOWN
	check := func() {
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()

		next := healthpb.HealthCheckResponse_SERVING
		if err := store.Ping(pingCtx); err != nil {
			next = healthpb.HealthCheckResponse_NOT_SERVING
			if serving != next {
				logger.Warn("ledger store unreachable", zap.Error(err))
			}
		} else if serving == healthpb.HealthCheckResponse_NOT_SERVING {
			logger.Info("ledger store reachable again")
		}
		serving = next
		hs.SetServingStatus("", next)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			check()
		}
	}
}

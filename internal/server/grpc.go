package server

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/custody/internal/logger"
	"github.com/nainya/custody/internal/metrics"
)

// GRPCOptions configures the gRPC server
type GRPCOptions struct {
	MaxMessageBytes int // 0 keeps the gRPC default
	Metrics         *metrics.Metrics
	Logger          *logger.Logger
}

// NewGRPCServer creates a gRPC server carrying the Custody service, the
// health service and reflection. The health status of the Custody
// service starts NOT_SERVING; flip it with SetServing once ready.
func NewGRPCServer(svc *Server, opts GRPCOptions) (*grpc.Server, *health.Server) {
	var serverOpts []grpc.ServerOption
	if opts.MaxMessageBytes > 0 {
		serverOpts = append(serverOpts,
			grpc.MaxRecvMsgSize(opts.MaxMessageBytes),
			grpc.MaxSendMsgSize(opts.MaxMessageBytes),
		)
	}
	if opts.Logger != nil {
		serverOpts = append(serverOpts, grpc.UnaryInterceptor(GrpcMetricsInterceptor(opts.Metrics, opts.Logger)))
	}

	gs := grpc.NewServer(serverOpts...)
	svc.Register(gs)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	// Register reflection service for grpcurl/grpcui
	reflection.Register(gs)

	return gs, hs
}

// SetServing updates the health status of the Custody service
func SetServing(hs *health.Server, serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus(ServiceName, st)
	hs.SetServingStatus("", st)
}

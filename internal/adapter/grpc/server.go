package grpc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/simaogato/topup-engine/internal/domain"
	"github.com/simaogato/topup-engine/internal/usecase/reconcile"
)

// Full method names of the ops service
const (
	opsServiceName  = "topup.ops.v1.OpsService"
	ReconcileMethod = "/" + opsServiceName + "/Reconcile"
	BacklogMethod   = "/" + opsServiceName + "/Backlog"
	HealthCheck     = "/grpc.health.v1.Health/Check"
	HealthList      = "/grpc.health.v1.Health/List"
)

// OpsServer is the operator-facing service. It uses well-known protobuf
// types only, so it is registered from a hand-written descriptor.
type OpsServer interface {
	// Reconcile refunds orders left claimed for longer than the given age
	Reconcile(ctx context.Context, olderThan *durationpb.Duration) (*structpb.Struct, error)
	// Backlog reports how much work is waiting in each queue
	Backlog(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error)
}

// Server implements OpsServer
type Server struct {
	OrderRepo     domain.OrderRepository
	TransferQueue domain.TransferQueue
	RatingQueue   domain.RatingQueue
	Notifier      domain.Notifier

	// MinReconcileAge is the youngest claim age Reconcile accepts
	MinReconcileAge time.Duration
	logger          *zap.Logger
}

var _ OpsServer = (*Server)(nil)

// NewServer creates a new ops server instance
func NewServer(
	orderRepo domain.OrderRepository,
	transferQueue domain.TransferQueue,
	ratingQueue domain.RatingQueue,
	notifier domain.Notifier,
	minReconcileAge time.Duration,
	logger *zap.Logger,
) *Server {
	return &Server{
		OrderRepo:       orderRepo,
		TransferQueue:   transferQueue,
		RatingQueue:     ratingQueue,
		Notifier:        notifier,
		MinReconcileAge: minReconcileAge,
		logger:          logger,
	}
}

// Reconcile handles the Reconcile RPC
func (s *Server) Reconcile(ctx context.Context, olderThan *durationpb.Duration) (*structpb.Struct, error) {
	if err := olderThan.CheckValid(); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid age: %v", err)
	}
	age := olderThan.AsDuration()
	if err := reconcile.CheckAge(age, s.MinReconcileAge); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid age: %v", err)
	}

	result, err := reconcile.NewSweeper(s.OrderRepo, s.Notifier, age, s.MinReconcileAge, s.logger).Sweep(ctx)
	if err != nil && result.Examined == 0 {
		return nil, status.Errorf(codes.Unavailable, "reconcile failed: %v", err)
	}

	out, convErr := structpb.NewStruct(map[string]interface{}{
		"examined": result.Examined,
		"refunded": result.Refunded,
		"failed":   result.Failed,
	})
	if convErr != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode result: %v", convErr)
	}
	return out, nil
}

// Backlog handles the Backlog RPC
func (s *Server) Backlog(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	transfers, err := s.TransferQueue.Pending(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "failed to read transfer queue: %v", err)
	}
	ratings, err := s.RatingQueue.Pending(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "failed to read rating queue: %v", err)
	}
	submitted, err := s.OrderRepo.ListByStatus(ctx, domain.OrderStatusSubmitted)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "failed to list orders: %v", err)
	}
	claimed, err := s.OrderRepo.ListByStatus(ctx, domain.OrderStatusClaimed)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "failed to list orders: %v", err)
	}

	out, err := structpb.NewStruct(map[string]interface{}{
		"transferQueue":   len(transfers),
		"ratingQueue":     len(ratings),
		"submittedOrders": len(submitted),
		"claimedOrders":   len(claimed),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode backlog: %v", err)
	}
	return out, nil
}

// RegisterOpsServer registers srv on s
func RegisterOpsServer(s grpc.ServiceRegistrar, srv OpsServer) {
	s.RegisterService(&opsServiceDesc, srv)
}

var opsServiceDesc = grpc.ServiceDesc{
	ServiceName: opsServiceName,
	HandlerType: (*OpsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Reconcile", Handler: unaryHandler(ReconcileMethod, OpsServer.Reconcile)},
		{MethodName: "Backlog", Handler: unaryHandler(BacklogMethod, OpsServer.Backlog)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "topup/ops/v1/ops.proto",
}

// unaryHandler adapts a typed OpsServer method to grpc.MethodDesc
func unaryHandler[Req any, PReq interface{ *Req }, Resp any](
	fullMethod string,
	call func(OpsServer, context.Context, PReq) (Resp, error),
) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		ops, ok := srv.(OpsServer)
		if !ok {
			return nil, fmt.Errorf("%T does not implement OpsServer", srv)
		}
		if interceptor == nil {
			return call(ops, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(ops, ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/shrtyk/replica-core/api"
	"github.com/shrtyk/replica-core/internal/wire"
	"github.com/shrtyk/replica-core/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	ServiceName   = "replica.RecoveryService"
	RecoverMethod = "/" + ServiceName + "/Recover"
)

func init() {
	encoding.RegisterCodec(wire.Codec{})
}

// RecoveryServer answers Recovery requests of restarting peers.
type RecoveryServer interface {
	HandleRecovery(ctx context.Context, req *api.Recovery) (*api.RecoveryAnswer, error)
}

var recoveryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecoveryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Recover",
			Handler:    recoverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "replica/recovery",
}

func recoverHandler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(api.Recovery)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RecoveryServer).HandleRecovery(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: RecoverMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RecoveryServer).HandleRecovery(ctx, req.(*api.Recovery))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterRecoveryServer registers srv on s.
func RegisterRecoveryServer(s grpc.ServiceRegistrar, srv RecoveryServer) {
	s.RegisterService(&recoveryServiceDesc, srv)
}

// Server serves the recovery service over gRPC.
type Server struct {
	logger *slog.Logger
	srv    *grpc.Server
}

func NewServer(rs RecoveryServer, log *slog.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{logger: log}
	opts = append(opts, grpc.ChainUnaryInterceptor(s.statusInterceptor))
	s.srv = grpc.NewServer(opts...)
	RegisterRecoveryServer(s.srv, rs)
	return s
}

// Serve blocks accepting connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("recovery service listening", slog.String("addr", lis.Addr().String()))
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) Stop() {
	s.srv.GracefulStop()
}

// statusInterceptor maps replica errors onto gRPC status codes so clients
// can tell transient refusals apart from failures.
func (s *Server) statusInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err == nil {
		return resp, nil
	}

	if _, ok := status.FromError(err); ok {
		return nil, err
	}

	s.logger.Debug("recovery request refused", slog.String("method", info.FullMethod), logger.ErrAttr(err))
	switch {
	case errors.Is(err, api.ErrRecoveryInProgress):
		return nil, status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, api.ErrReplicaStopped):
		return nil, status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, status.FromContextError(err).Err()
	default:
		return nil, status.Error(codes.Internal, err.Error())
	}
}

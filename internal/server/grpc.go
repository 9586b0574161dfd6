package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"PerpRisk/internal/core"
	"PerpRisk/internal/observability"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "perprisk.v1.RiskService"

// jsonCodec carries the wire types as JSON. Clients select it with
// grpc.CallContentSubtype(CodecName).
type jsonCodec struct{}

// CodecName is the content subtype of the JSON codec.
const CodecName = "json"

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// unary adapts a RiskService method to a grpc.MethodDesc.
func unary[Req, Resp any](name string, call func(*RiskService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			svc := srv.(*RiskService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*Req))
			})
		},
	}
}

// serviceDesc lists every RPC of the risk service.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("OpenPosition", (*RiskService).OpenPosition),
		unary("ModifyPosition", (*RiskService).ModifyPosition),
		unary("ClosePosition", (*RiskService).ClosePosition),
		unary("GetPosition", (*RiskService).GetPosition),
		unary("GetAccount", (*RiskService).GetAccount),
		unary("Deposit", (*RiskService).Deposit),
		unary("Withdraw", (*RiskService).Withdraw),
		unary("FundInsurance", (*RiskService).FundInsurance),
		unary("GetInsurance", (*RiskService).GetInsurance),
		unary("GetPrice", (*RiskService).GetPrice),
		unary("AttestPrice", (*RiskService).AttestPrice),
		unary("SettleFunding", (*RiskService).SettleFunding),
		unary("GetFundingEpochs", (*RiskService).GetFundingEpochs),
		unary("Liquidate", (*RiskService).Liquidate),
		unary("ExecuteDeleveraging", (*RiskService).ExecuteDeleveraging),
		unary("CancelDeleveraging", (*RiskService).CancelDeleveraging),
		unary("GetDeleverageActions", (*RiskService).GetDeleverageActions),
		unary("LiquidationCandidates", (*RiskService).LiquidationCandidates),
		unary("TripCircuit", (*RiskService).TripCircuit),
		unary("ResetCircuit", (*RiskService).ResetCircuit),
		unary("ListCircuits", (*RiskService).ListCircuits),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "perprisk/v1/risk.proto",
}

// toStatus maps an engine error onto a gRPC status. The HTTP routes derive
// their status code from the same mapping.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, ErrUnauthorized) {
		return status.Error(codes.PermissionDenied, err.Error())
	}
	var code codes.Code
	switch core.Classify(err) {
	case core.KindInvalidArgument:
		code = codes.InvalidArgument
	case core.KindNotFound:
		code = codes.NotFound
	case core.KindInsufficientMargin, core.KindNotLiquidatable, core.KindCircuitTripped,
		core.KindInvalidPrice, core.KindPrecondition:
		code = codes.FailedPrecondition
	case core.KindUnavailable:
		code = codes.Unavailable
	case core.KindStaleState, core.KindConflict:
		code = codes.Aborted
	case core.KindInsuranceExhausted:
		code = codes.ResourceExhausted
	case core.KindOverflow:
		code = codes.OutOfRange
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// errorInterceptor converts engine errors and records request metrics.
func errorInterceptor(logger zerolog.Logger, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		err = toStatus(err)
		if metrics != nil {
			metrics.RequestsTotal.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
			metrics.RequestDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		}
		if status.Code(err) == codes.Internal {
			logger.Error().Err(err).Str("method", info.FullMethod).Msg("request failed")
		}
		return resp, err
	}
}

// GRPCServer serves the risk service, gRPC health and reflection.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	logger     zerolog.Logger
}

// NewGRPCServer creates a gRPC server with the risk service registered.
func NewGRPCServer(addr string, svc *RiskService, logger zerolog.Logger, metrics *observability.Metrics) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(errorInterceptor(logger, metrics)))
	grpcServer.RegisterService(&serviceDesc, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		addr:       addr,
		logger:     logger,
	}
}

// SetServing flips the health status reported for the risk service.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", st)
}

// Serve serves on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartGRPC listens on the configured address and serves (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

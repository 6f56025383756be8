// Package grpcadapter exposes the executor as orchestrator.v1.GenerationService.
// Messages are google.protobuf.Struct values carrying the same JSON shapes as
// the HTTP API.
package grpcadapter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/poly-workshop/llm-orchestrator/internal/application/orchestrator"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/invocation"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/auth"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/transport/framing"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/transport/wire"
)

const ServiceName = "orchestrator.v1.GenerationService"

type Service interface {
	Generate(ctx context.Context, scope orchestrator.RequestScope, in orchestrator.GenerateInput) (orchestrator.GenerateResult, error)
	Enqueue(ctx context.Context, scope orchestrator.RequestScope, in orchestrator.GenerateInput) (orchestrator.EnqueueResult, error)
	Stream(ctx context.Context, scope orchestrator.RequestScope, in orchestrator.GenerateInput) (<-chan orchestrator.StreamEvent, error)
	Get(ctx context.Context, scope orchestrator.RequestScope, id string) (invocation.Invocation, error)
	GatewayHealth(ctx context.Context, provider string) (llm.HealthResult, error)
}

type GenerationService struct {
	svc Service
}

func NewGenerationService(svc Service) *GenerationService {
	return &GenerationService{svc: svc}
}

// Register adds the service to s.
func Register(s grpc.ServiceRegistrar, svc *GenerationService) {
	s.RegisterService(&serviceDesc, svc)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*generationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Generate", Handler: unary("Generate", (*GenerationService).Generate)},
		{MethodName: "GetInvocation", Handler: unary("GetInvocation", (*GenerationService).GetInvocation)},
		{MethodName: "GatewayHealth", Handler: unary("GatewayHealth", (*GenerationService).GatewayHealth)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "GenerateStream", Handler: generateStreamHandler, ServerStreams: true},
	},
	Metadata: "orchestrator/v1/generation.proto",
}

type generationServer interface {
	Generate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetInvocation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GatewayHealth(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GenerateStream(*structpb.Struct, grpc.ServerStream) error
}

type unaryMethod func(*GenerationService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(*GenerationService)
		if interceptor == nil {
			return fn(s, ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}, func(ctx context.Context, req any) (any, error) {
			return fn(s, ctx, req.(*structpb.Struct))
		})
	}
}

func generateStreamHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*GenerationService).GenerateStream(in, stream)
}

// Generate runs a sync generation, or enqueues one when the request sets async.
func (s *GenerationService) Generate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, toStatusErr(ctx, err)
	}
	scope := scopeFrom(ctx)
	if req.Async {
		res, err := s.svc.Enqueue(ctx, scope, req.Input())
		if err != nil {
			return nil, toStatusErr(ctx, err)
		}
		return toStruct(wire.NewEnqueueResponse(res))
	}
	res, err := s.svc.Generate(ctx, scope, req.Input())
	if err != nil {
		return nil, toStatusErr(ctx, err)
	}
	return toStruct(wire.NewGenerateResponse(res))
}

func (s *GenerationService) GetInvocation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	inv, err := s.svc.Get(ctx, scopeFrom(ctx), stringField(in, "id"))
	if err != nil {
		return nil, toStatusErr(ctx, err)
	}
	return toStruct(wire.NewInvocationView(inv))
}

func (s *GenerationService) GatewayHealth(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	provider := stringField(in, "provider")
	res, err := s.svc.GatewayHealth(ctx, provider)
	if err != nil {
		if errors.Is(err, llm.ErrInvalidArgument) {
			return nil, status.Error(wire.GRPCCode(http.StatusNotFound), "Unknown provider")
		}
		return toStruct(wire.GatewayHealthResponse{Provider: provider, Status: "unavailable", Message: err.Error()})
	}
	return toStruct(wire.NewGatewayHealthResponse(provider, res))
}

// GenerateStream sends one Struct per frame. Admission failures are returned
// as status errors before any frame is sent.
func (s *GenerationService) GenerateStream(in *structpb.Struct, stream grpc.ServerStream) error {
	req, err := decodeRequest(in)
	if err != nil {
		return toStatusErr(stream.Context(), err)
	}
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	events, err := s.svc.Stream(ctx, scopeFrom(ctx), req.Input())
	if err != nil {
		return toStatusErr(ctx, err)
	}
	if err := framing.Forward(ctx, cancel, events, frameWriter{stream}); err != nil {
		slog.InfoContext(stream.Context(), "stream closed early", "error", err)
		return status.Error(codes.Canceled, err.Error())
	}
	return nil
}

type frameWriter struct {
	stream grpc.ServerStream
}

func (w frameWriter) WriteFrame(f framing.Frame) error {
	msg, err := toStruct(f)
	if err != nil {
		return err
	}
	return w.stream.SendMsg(msg)
}

func decodeRequest(in *structpb.Struct) (wire.GenerateRequest, error) {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return wire.GenerateRequest{}, llm.InvalidArgument("invalid request body")
	}
	return wire.ParseGenerateRequest(raw)
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(wire.GRPCCode(http.StatusInternalServerError), err.Error())
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Error(wire.GRPCCode(http.StatusInternalServerError), err.Error())
	}
	return out, nil
}

func stringField(in *structpb.Struct, name string) string {
	if v, ok := in.GetFields()[name]; ok {
		return v.GetStringValue()
	}
	return ""
}

func scopeFrom(ctx context.Context) orchestrator.RequestScope {
	a, _ := auth.ActorFromContext(ctx)
	return orchestrator.RequestScope{TenantID: a.TenantID, ActorID: a.ActorID, Roles: a.Roles}
}

func toStatusErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	code, body := wire.Classify(err)
	if code >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "rpc failed", "status", code, "error", err)
	}
	return status.Error(wire.GRPCCode(code), body.Error)
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"relay-netctl/internal/core"
	"relay-netctl/internal/failover"
	"relay-netctl/internal/routing"
)

// ControlServiceName is the fully qualified gRPC service name.
const ControlServiceName = "relaynet.v1.Control"

// ControlServer is the server API of the control service. Payloads are
// JSON-shaped structpb.Struct values.
type ControlServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StartLoop(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	StopLoop(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	GetFailoverConfig(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SetFailoverConfig(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ForceSwitch(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	GetRouting(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Cleanup(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	SetLogLevel(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Watch(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
	Logs(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

func unaryMethod[Req proto.Message](name string, newReq func() Req, call func(ControlServer, context.Context, Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ControlServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(Req))
			})
		},
	}
}

func newEmpty() *emptypb.Empty    { return new(emptypb.Empty) }
func newStruct() *structpb.Struct { return new(structpb.Struct) }

// ControlServiceDesc describes the control service for grpc.Server.RegisterService.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ControlServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetStatus", newEmpty, func(s ControlServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.GetStatus(ctx, in)
		}),
		unaryMethod("StartLoop", newStruct, func(s ControlServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.StartLoop(ctx, in)
		}),
		unaryMethod("StopLoop", newStruct, func(s ControlServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.StopLoop(ctx, in)
		}),
		unaryMethod("GetFailoverConfig", newEmpty, func(s ControlServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.GetFailoverConfig(ctx, in)
		}),
		unaryMethod("SetFailoverConfig", newStruct, func(s ControlServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.SetFailoverConfig(ctx, in)
		}),
		unaryMethod("ForceSwitch", newStruct, func(s ControlServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.ForceSwitch(ctx, in)
		}),
		unaryMethod("GetRouting", newEmpty, func(s ControlServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.GetRouting(ctx, in)
		}),
		unaryMethod("Cleanup", newEmpty, func(s ControlServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.Cleanup(ctx, in)
		}),
		unaryMethod("SetLogLevel", newStruct, func(s ControlServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.SetLogLevel(ctx, in)
		}),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(emptypb.Empty)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(ControlServer).Watch(in, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
		},
	}, {
		StreamName:    "Logs",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(ControlServer).Logs(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
		},
	}},
	Metadata: "relaynet/v1/control.proto",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}

// ControlClient is the client API of the control service.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

// NewControlClient creates a client over cc.
func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

func (c *ControlClient) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.cc.Invoke(ctx, "/"+ControlServiceName+"/"+method, in, out)
}

// GetStatus returns the composite status.
func (c *ControlClient) GetStatus(ctx context.Context) (Status, error) {
	var st Status
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetStatus", &emptypb.Empty{}, out); err != nil {
		return st, err
	}
	return st, fromStruct(out, &st)
}

// StartLoop starts a loop group.
func (c *ControlClient) StartLoop(ctx context.Context, loop Loop) error {
	in, _ := structpb.NewStruct(map[string]any{"loop": string(loop)})
	return c.invoke(ctx, "StartLoop", in, new(emptypb.Empty))
}

// StopLoop stops a loop group.
func (c *ControlClient) StopLoop(ctx context.Context, loop Loop) error {
	in, _ := structpb.NewStruct(map[string]any{"loop": string(loop)})
	return c.invoke(ctx, "StopLoop", in, new(emptypb.Empty))
}

// GetFailoverConfig returns the failover configuration.
func (c *ControlClient) GetFailoverConfig(ctx context.Context) (core.FailoverYAML, error) {
	var cfg core.FailoverYAML
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetFailoverConfig", &emptypb.Empty{}, out); err != nil {
		return cfg, err
	}
	return cfg, fromStruct(out, &cfg)
}

// SetFailoverConfig replaces the failover configuration and returns the
// effective one.
func (c *ControlClient) SetFailoverConfig(ctx context.Context, cfg core.FailoverYAML) (core.FailoverYAML, error) {
	in, err := toStruct(cfg)
	if err != nil {
		return core.FailoverYAML{}, err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "SetFailoverConfig", in, out); err != nil {
		return core.FailoverYAML{}, err
	}
	var applied core.FailoverYAML
	return applied, fromStruct(out, &applied)
}

// ForceSwitch requests a manual switch.
func (c *ControlClient) ForceSwitch(ctx context.Context, path, reason string) error {
	in, _ := structpb.NewStruct(map[string]any{"path": path, "reason": reason})
	return c.invoke(ctx, "ForceSwitch", in, new(emptypb.Empty))
}

// GetRouting returns the policy routing state.
func (c *ControlClient) GetRouting(ctx context.Context) (routing.State, error) {
	var st routing.State
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetRouting", &emptypb.Empty{}, out); err != nil {
		return st, err
	}
	return st, fromStruct(out, &st)
}

// Cleanup triggers the policy routing cleanup.
func (c *ControlClient) Cleanup(ctx context.Context) error {
	return c.invoke(ctx, "Cleanup", &emptypb.Empty{}, new(emptypb.Empty))
}

// Watch streams status snapshots until ctx is cancelled or the server ends
// the stream.
func (c *ControlClient) Watch(ctx context.Context, fn func(Status)) error {
	stream, err := c.cc.NewStream(ctx, &ControlServiceDesc.Streams[0], "/"+ControlServiceName+"/Watch")
	if err != nil {
		return err
	}
	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}
	if err := x.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := x.CloseSend(); err != nil {
		return err
	}
	for {
		msg, err := x.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		var st Status
		if err := fromStruct(msg, &st); err != nil {
			return err
		}
		fn(st)
	}
}

// SetLogLevel overrides the log level of one component.
func (c *ControlClient) SetLogLevel(ctx context.Context, component, level string) error {
	in, _ := structpb.NewStruct(map[string]any{"component": component, "level": level})
	return c.invoke(ctx, "SetLogLevel", in, new(emptypb.Empty))
}

// Logs streams daemon log lines at or above level until ctx is cancelled.
func (c *ControlClient) Logs(ctx context.Context, level string, fn func(LogEntry)) error {
	stream, err := c.cc.NewStream(ctx, &ControlServiceDesc.Streams[1], "/"+ControlServiceName+"/Logs")
	if err != nil {
		return err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	in, _ := structpb.NewStruct(map[string]any{"level": level})
	if err := x.SendMsg(in); err != nil {
		return err
	}
	if err := x.CloseSend(); err != nil {
		return err
	}
	for {
		msg, err := x.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		var e LogEntry
		if err := fromStruct(msg, &e); err != nil {
			return err
		}
		fn(e)
	}
}

// toStruct converts a JSON-tagged value to a structpb.Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a structpb.Struct into a JSON-tagged value.
func fromStruct(s *structpb.Struct, out any) error {
	data, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// grpcError maps domain errors to status codes.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case errors.Is(err, failover.ErrInvalidConfig),
		errors.Is(err, failover.ErrUnknownPath),
		errors.Is(err, ErrUnknownLoop),
		errors.Is(err, ErrInvalidLogLevel):
		code = codes.InvalidArgument
	case errors.Is(err, failover.ErrCooldown),
		errors.Is(err, failover.ErrNotRunning),
		errors.Is(err, routing.ErrDisabled),
		errors.Is(err, ErrNoLogTail):
		code = codes.FailedPrecondition
	case errors.Is(err, failover.ErrSwitchFailed):
		code = codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

// GRPCHandler exposes a Service as a ControlServer.
type GRPCHandler struct {
	svc   *Service
	every time.Duration
}

var _ ControlServer = (*GRPCHandler)(nil)

// NewGRPCHandler creates the handler; Watch sends a status every interval.
func NewGRPCHandler(svc *Service, interval time.Duration) *GRPCHandler {
	if interval <= 0 {
		interval = DefaultBroadcastInterval
	}
	return &GRPCHandler{svc: svc, every: interval}
}

func stringField(in *structpb.Struct, key string) string {
	if in == nil {
		return ""
	}
	if v, ok := in.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func (h *GRPCHandler) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := toStruct(h.svc.Status(ctx))
	return out, grpcError(err)
}

func (h *GRPCHandler) StartLoop(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	loop, err := ParseLoop(stringField(in, "loop"))
	if err != nil {
		return nil, grpcError(err)
	}
	return &emptypb.Empty{}, grpcError(h.svc.StartLoops(loop))
}

func (h *GRPCHandler) StopLoop(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	loop, err := ParseLoop(stringField(in, "loop"))
	if err != nil {
		return nil, grpcError(err)
	}
	return &emptypb.Empty{}, grpcError(h.svc.StopLoops(loop))
}

func (h *GRPCHandler) GetFailoverConfig(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	out, err := toStruct(h.svc.GetFailoverConfig())
	return out, grpcError(err)
}

// failoverFields are the keys of a complete failover config.
var failoverFields = func() []string {
	s, _ := toStruct(core.FailoverYAML{})
	return slices.Sorted(maps.Keys(s.GetFields()))
}()

func (h *GRPCHandler) SetFailoverConfig(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	for _, k := range failoverFields {
		if _, ok := in.GetFields()[k]; !ok {
			return nil, grpcError(fmt.Errorf("%w: missing field %q", failover.ErrInvalidConfig, k))
		}
	}
	var cfg core.FailoverYAML
	if err := fromStruct(in, &cfg); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode failover config: %v", err)
	}
	applied, err := h.svc.SetFailoverConfig(ctx, cfg)
	if err != nil {
		return nil, grpcError(err)
	}
	out, err := toStruct(applied)
	return out, grpcError(err)
}

func (h *GRPCHandler) ForceSwitch(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	path := stringField(in, "path")
	if path == "" {
		return nil, status.Error(codes.InvalidArgument, "path is required")
	}
	if err := h.svc.ForceSwitch(ctx, path, stringField(in, "reason")); err != nil {
		return nil, grpcError(err)
	}
	return &emptypb.Empty{}, nil
}

func (h *GRPCHandler) GetRouting(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := toStruct(h.svc.RoutingState(ctx))
	return out, grpcError(err)
}

func (h *GRPCHandler) Cleanup(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := h.svc.Cleanup(ctx); err != nil {
		return nil, grpcError(err)
	}
	return &emptypb.Empty{}, nil
}

func (h *GRPCHandler) Watch(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	ticker := time.NewTicker(h.every)
	defer ticker.Stop()
	for {
		msg, err := toStruct(h.svc.Status(ctx))
		if err != nil {
			return grpcError(fmt.Errorf("encode status: %w", err))
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (h *GRPCHandler) SetLogLevel(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if err := h.svc.SetLogLevel(stringField(in, "component"), stringField(in, "level")); err != nil {
		return nil, grpcError(err)
	}
	return &emptypb.Empty{}, nil
}

func (h *GRPCHandler) Logs(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	err := h.svc.FollowLogs(stream.Context(), stringField(in, "level"), func(e LogEntry) error {
		msg, err := toStruct(e)
		if err != nil {
			return fmt.Errorf("encode log entry: %w", err)
		}
		return stream.Send(msg)
	})
	return grpcError(err)
}

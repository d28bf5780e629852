// Package telemetry defines the TelemetryQuery gRPC service. Messages are protobuf
// well-known types so no generated code is needed on either side.
package telemetry

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "mirra.telemetry.v1.TelemetryQuery"

// Full method names.
const (
	GetCurrentModuleMethod   = "/" + ServiceName + "/GetCurrentModule"
	ListGatewaysMethod       = "/" + ServiceName + "/ListGateways"
	ExportMeasurementsMethod = "/" + ServiceName + "/ExportMeasurements"
)

// QueryServer is the server API for the TelemetryQuery service.
type QueryServer interface {
	// GetCurrentModule returns the module currently bound to a MAC address.
	GetCurrentModule(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// ListGateways returns every current gateway with its node count.
	ListGateways(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	// ExportMeasurements streams every stored measurement in export row form, one
	// message per row in timestamp order.
	ExportMeasurements(*emptypb.Empty, ExportMeasurementsServer) error
}

// ExportMeasurementsServer is the server side of the ExportMeasurements stream.
type ExportMeasurementsServer = grpc.ServerStreamingServer[structpb.Struct]

// ExportMeasurementsClient is the client side of the ExportMeasurements stream.
type ExportMeasurementsClient = grpc.ServerStreamingClient[structpb.Struct]

// UnimplementedQueryServer can be embedded to have forward compatible implementations.
type UnimplementedQueryServer struct{}

func (UnimplementedQueryServer) GetCurrentModule(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetCurrentModule not implemented")
}

func (UnimplementedQueryServer) ListGateways(context.Context, *emptypb.Empty) (*structpb.ListValue, error) {
	return nil, status.Error(codes.Unimplemented, "method ListGateways not implemented")
}

func (UnimplementedQueryServer) ExportMeasurements(*emptypb.Empty, ExportMeasurementsServer) error {
	return status.Error(codes.Unimplemented, "method ExportMeasurements not implemented")
}

// RegisterQueryServer registers srv on s.
func RegisterQueryServer(s grpc.ServiceRegistrar, srv QueryServer) {
	s.RegisterService(&QueryServiceDesc, srv)
}

func getCurrentModuleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueryServer).GetCurrentModule(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetCurrentModuleMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(QueryServer).GetCurrentModule(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func listGatewaysHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueryServer).ListGateways(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListGatewaysMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(QueryServer).ListGateways(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func exportMeasurementsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(QueryServer).ExportMeasurements(in, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// QueryServiceDesc is the grpc.ServiceDesc for the TelemetryQuery service.
var QueryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetCurrentModule", Handler: getCurrentModuleHandler},
		{MethodName: "ListGateways", Handler: listGatewaysHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ExportMeasurements",
			Handler:       exportMeasurementsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "mirra/telemetry/v1/query.proto",
}

// QueryClient is the client API for the TelemetryQuery service.
type QueryClient struct {
	cc grpc.ClientConnInterface
}

// NewQueryClient creates a client on cc.
func NewQueryClient(cc grpc.ClientConnInterface) *QueryClient {
	return &QueryClient{cc: cc}
}

func (c *QueryClient) GetCurrentModule(ctx context.Context, mac string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetCurrentModuleMethod, wrapperspb.String(mac), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *QueryClient) ListGateways(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, ListGatewaysMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *QueryClient) ExportMeasurements(ctx context.Context, opts ...grpc.CallOption) (ExportMeasurementsClient, error) {
	stream, err := c.cc.NewStream(ctx, &QueryServiceDesc.Streams[0], ExportMeasurementsMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// ReadAll drains an export stream.
func ReadAll(stream ExportMeasurementsClient) ([]*structpb.Struct, error) {
	var rows []*structpb.Struct
	for {
		row, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
}

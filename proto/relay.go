package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Relay service wiring, written by hand against the grpc stream API. The
// service has a single bidirectional stream: workers open it once and
// exchange frames with the host for the life of the connection.

const (
	// RelayServiceName is the fully qualified gRPC service name.
	RelayServiceName = "agentbus.Relay"

	relayOpenFullMethod = "/agentbus.Relay/Open"
)

// RelayClient is the client side of the relay service.
type RelayClient interface {
	Open(ctx context.Context, opts ...grpc.CallOption) (Relay_OpenClient, error)
}

// Relay_OpenClient is the worker's end of the frame stream.
type Relay_OpenClient interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ClientStream
}

type relayClient struct {
	cc grpc.ClientConnInterface
}

// NewRelayClient creates a new RelayClient.
func NewRelayClient(cc grpc.ClientConnInterface) RelayClient {
	return &relayClient{cc}
}

func (c *relayClient) Open(ctx context.Context, opts ...grpc.CallOption) (Relay_OpenClient, error) {
	stream, err := c.cc.NewStream(ctx, &Relay_ServiceDesc.Streams[0], relayOpenFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &relayOpenClient{stream}, nil
}

type relayOpenClient struct {
	grpc.ClientStream
}

func (x *relayOpenClient) Send(m *Frame) error {
	return x.ClientStream.SendMsg(m)
}

func (x *relayOpenClient) Recv() (*Frame, error) {
	m := new(Frame)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RelayServer is the server side of the relay service.
type RelayServer interface {
	Open(Relay_OpenServer) error
}

// Relay_OpenServer is the host's end of the frame stream.
type Relay_OpenServer interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ServerStream
}

// UnimplementedRelayServer provides a default failing implementation.
type UnimplementedRelayServer struct{}

func (UnimplementedRelayServer) Open(Relay_OpenServer) error {
	return status.Errorf(codes.Unimplemented, "method Open not implemented")
}

type relayOpenServer struct {
	grpc.ServerStream
}

func (x *relayOpenServer) Send(m *Frame) error {
	return x.ServerStream.SendMsg(m)
}

func (x *relayOpenServer) Recv() (*Frame, error) {
	m := new(Frame)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _Relay_Open_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(RelayServer).Open(&relayOpenServer{stream})
}

// Relay_ServiceDesc is the grpc.ServiceDesc for the Relay service.
var Relay_ServiceDesc = grpc.ServiceDesc{
	ServiceName: RelayServiceName,
	HandlerType: (*RelayServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Open",
			Handler:       _Relay_Open_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "relay.json",
}

// RegisterRelayServer registers the relay service implementation.
func RegisterRelayServer(s grpc.ServiceRegistrar, srv RelayServer) {
	s.RegisterService(&Relay_ServiceDesc, srv)
}

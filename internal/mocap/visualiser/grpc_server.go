package visualiser

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mocap.PoseStream"

// PoseStreamServer is the server API for the pose stream service.
type PoseStreamServer interface {
	Subscribe(*emptypb.Empty, PoseStream_SubscribeServer) error
}

// PoseStream_SubscribeServer is the server side of a Subscribe stream.
type PoseStream_SubscribeServer interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type subscribeServer struct {
	grpc.ServerStream
}

func (s *subscribeServer) Send(m *structpb.Struct) error { return s.ServerStream.SendMsg(m) }

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(PoseStreamServer).Subscribe(in, &subscribeServer{stream})
}

// ServiceDesc describes the pose stream service. Messages use the
// well-known Struct and Empty types so no generated code is needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PoseStreamServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "mocap/pose_stream.proto",
}

// RegisterService registers server with grpcServer.
func RegisterService(grpcServer grpc.ServiceRegistrar, server PoseStreamServer) {
	grpcServer.RegisterService(&ServiceDesc, server)
}

// Server implements PoseStreamServer on a Publisher.
type Server struct {
	publisher *Publisher
}

// NewServer creates a server streaming from publisher.
func NewServer(publisher *Publisher) *Server {
	return &Server{publisher: publisher}
}

// Subscribe streams every pose record until the client goes away or the
// publisher stops.
func (s *Server) Subscribe(_ *emptypb.Empty, stream PoseStream_SubscribeServer) error {
	id, ch, err := s.publisher.Subscribe()
	if err != nil {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	defer s.publisher.Unsubscribe(id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := ToStruct(rec)
			if err != nil {
				opsf("encode record %d: %v", rec.Seq, err)
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// PoseStreamClient is the client API for the pose stream service.
type PoseStreamClient struct {
	cc grpc.ClientConnInterface
}

// NewPoseStreamClient returns a client on cc.
func NewPoseStreamClient(cc grpc.ClientConnInterface) *PoseStreamClient {
	return &PoseStreamClient{cc: cc}
}

// PoseStream_SubscribeClient receives pose records.
type PoseStream_SubscribeClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type subscribeClient struct {
	grpc.ClientStream
}

func (c *subscribeClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Subscribe opens a pose stream.
func (c *PoseStreamClient) Subscribe(ctx context.Context, opts ...grpc.CallOption) (PoseStream_SubscribeClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Subscribe", opts...)
	if err != nil {
		return nil, err
	}
	x := &subscribeClient{stream}
	if err := x.ClientStream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// Package control is the clipshare command surface: the clipshare.v1.Control
// gRPC service, its HTTP/JSON gateway, the servers that expose both, and a
// typed client for the CLI.
//
// The service is declared in Go rather than generated from a .proto file and
// uses the JSON codec registered by this package, so any gRPC client that
// sends content-type application/grpc+json can call it.
package control

import (
	"context"

	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "clipshare.v1.Control"

// ControlServer is the server API of the Control service.
type ControlServer interface {
	Connect(context.Context, *ConnectRequest) (*ConnectResponse, error)
	StartListening(context.Context, *ListenRequest) (*ListenResponse, error)
	GetClipboardHistory(context.Context, *Empty) (*HistoryResponse, error)
	CopyClipboardFrom(context.Context, *IDRequest) (*RecordResponse, error)
	DeleteClipboardHistory(context.Context, *IDRequest) (*Empty, error)
	SaveAppData(context.Context, *Empty) (*Empty, error)
	GetImageAsBase64(context.Context, *IDRequest) (*ImageBase64Response, error)
	GetImage(context.Context, *IDRequest) (*httpbody.HttpBody, error)
	SendMessage(context.Context, *SendMessageRequest) (*Empty, error)
	SendClipboard(context.Context, *Empty) (*RecordResponse, error)
	SetSharing(context.Context, *SharingRequest) (*SharingResponse, error)
	Disconnect(context.Context, *Empty) (*Empty, error)
	StopListening(context.Context, *Empty) (*Empty, error)
	ClearHistory(context.Context, *Empty) (*ClearResponse, error)
	GetMessages(context.Context, *Empty) (*MessagesResponse, error)
	Status(context.Context, *Empty) (*StatusResponse, error)
	Signal(context.Context, *SignalRequest) (*Empty, error)
	Events(*EventsRequest, EventsServer) error
}

// EventsServer is the server side of the Events stream.
type EventsServer interface {
	Send(*EventMessage) error
	grpc.ServerStream
}

type eventsServer struct {
	grpc.ServerStream
}

func (s *eventsServer) Send(m *EventMessage) error { return s.ServerStream.SendMsg(m) }

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// unary builds the method descriptor of one unary RPC.
func unary[Req, Resp any](name string, call func(ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(ControlServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

func eventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(EventsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).Events(in, &eventsServer{stream})
}

// ServiceDesc describes clipshare.v1.Control for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Connect", ControlServer.Connect),
		unary("StartListening", ControlServer.StartListening),
		unary("GetClipboardHistory", ControlServer.GetClipboardHistory),
		unary("CopyClipboardFrom", ControlServer.CopyClipboardFrom),
		unary("DeleteClipboardHistory", ControlServer.DeleteClipboardHistory),
		unary("SaveAppData", ControlServer.SaveAppData),
		unary("GetImageAsBase64", ControlServer.GetImageAsBase64),
		unary("GetImage", ControlServer.GetImage),
		unary("SendMessage", ControlServer.SendMessage),
		unary("SendClipboard", ControlServer.SendClipboard),
		unary("SetSharing", ControlServer.SetSharing),
		unary("Disconnect", ControlServer.Disconnect),
		unary("StopListening", ControlServer.StopListening),
		unary("ClearHistory", ControlServer.ClearHistory),
		unary("GetMessages", ControlServer.GetMessages),
		unary("Status", ControlServer.Status),
		unary("Signal", ControlServer.Signal),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Events",
			Handler:       eventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "clipshare/v1/control.proto",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

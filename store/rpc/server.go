// Package rpc serves a blob store's read side over gRPC,
// and implements a read-only store as a client of such a server.
//
// The service is described by a hand-built grpc.ServiceDesc
// whose messages are protobuf well-known types,
// so no generated code is needed.
package rpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/bobg/snapsync"
)

const serviceName = "snapsync.Objects"

// Source is what a Server serves.
type Source interface {
	snapsync.Getter
	snapsync.AnchorGetter
}

// ObjectsServer is the server API for the objects service.
type ObjectsServer interface {
	Get(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	GetAnchor(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
	ListRefs(*wrapperspb.BytesValue, grpc.ServerStream) error
	ListAnchors(*wrapperspb.StringValue, grpc.ServerStream) error
}

var _ ObjectsServer = &Server{}

// Server serves the read side of a store.
type Server struct {
	s Source
}

// NewServer produces a new Server for s.
func NewServer(s Source) *Server {
	return &Server{s: s}
}

// Register registers srv with a gRPC server.
func Register(gs *grpc.Server, srv ObjectsServer) {
	gs.RegisterService(&serviceDesc, srv)
}

func toStatus(err error) error {
	if errors.Is(err, snapsync.ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	return err
}

// Get implements ObjectsServer.
func (s *Server) Get(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if len(req.Value) != len(snapsync.Ref{}) {
		return nil, status.Errorf(codes.InvalidArgument, "ref has length %d", len(req.Value))
	}
	blob, err := s.s.Get(ctx, snapsync.RefFromBytes(req.Value))
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(blob), nil
}

// GetAnchor implements ObjectsServer.
// The request has string fields "anchor" and "at",
// the latter in RFC 3339 format with nanoseconds.
func (s *Server) GetAnchor(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	a, at, err := parseAnchorRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ref, err := s.s.GetAnchor(ctx, a, at)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(ref[:]), nil
}

// ListRefs implements ObjectsServer.
func (s *Server) ListRefs(req *wrapperspb.BytesValue, stream grpc.ServerStream) error {
	return s.s.ListRefs(stream.Context(), snapsync.RefFromBytes(req.Value), func(ref snapsync.Ref) error {
		return stream.SendMsg(wrapperspb.Bytes(ref[:]))
	})
}

// ListAnchors implements ObjectsServer.
func (s *Server) ListAnchors(req *wrapperspb.StringValue, stream grpc.ServerStream) error {
	return s.s.ListAnchors(stream.Context(), snapsync.Anchor(req.Value), func(a snapsync.Anchor, tr snapsync.TimeRef) error {
		msg, err := structpb.NewStruct(map[string]interface{}{
			"anchor": string(a),
			"at":     tr.T.Format(time.RFC3339Nano),
			"ref":    tr.R.String(),
		})
		if err != nil {
			return err
		}
		return stream.SendMsg(msg)
	})
}

func anchorRequest(a snapsync.Anchor, at time.Time) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"anchor": string(a),
		"at":     at.Format(time.RFC3339Nano),
	})
}

func parseAnchorRequest(m *structpb.Struct) (snapsync.Anchor, time.Time, error) {
	f := m.GetFields()
	at, err := time.Parse(time.RFC3339Nano, f["at"].GetStringValue())
	if err != nil {
		return "", time.Time{}, err
	}
	return snapsync.Anchor(f["anchor"].GetStringValue()), at, nil
}

func getHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ObjectsServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Get"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ObjectsServer).Get(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getAnchorHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ObjectsServer).GetAnchor(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetAnchor"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ObjectsServer).GetAnchor(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listRefsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ObjectsServer).ListRefs(in, stream)
}

func listAnchorsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ObjectsServer).ListAnchors(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ObjectsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "GetAnchor", Handler: getAnchorHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "ListRefs", Handler: listRefsHandler, ServerStreams: true},
		{StreamName: "ListAnchors", Handler: listAnchorsHandler, ServerStreams: true},
	},
}

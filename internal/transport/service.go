package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/zde37/kadvault/internal/record"
	"github.com/zde37/kadvault/internal/routing"
	"github.com/zde37/kadvault/pkg/hash"
)

const serviceName = "kadvault.Node"

const (
	methodGetStoreCost = "/" + serviceName + "/GetStoreCost"
	methodGetRecord    = "/" + serviceName + "/GetRecord"
	methodPutRecord    = "/" + serviceName + "/PutRecord"
	methodReplicate    = "/" + serviceName + "/Replicate"
)

type GetStoreCostRequest struct {
	Key hash.Key `cbor:"key"`
}

type GetStoreCostResponse struct {
	Quote record.Quote `cbor:"quote"`
}

type GetRecordRequest struct {
	Key hash.Key `cbor:"key"`
}

type GetRecordResponse struct {
	Record record.StoredRecord `cbor:"record"`
}

type PutRecordRequest struct {
	Record record.StoredRecord `cbor:"record"`
	Proof  *record.QuoteProof  `cbor:"proof,omitempty"`
}

type PutRecordResponse struct {
	Outcome record.Outcome `cbor:"outcome"`
}

// ReplicateRequest tells the receiver that Holder has Keys.
type ReplicateRequest struct {
	Holder routing.Peer `cbor:"holder"`
	Keys   []hash.Key   `cbor:"keys"`
}

type ReplicateResponse struct {
	Accepted int `cbor:"accepted"`
}

// NodeServer is the server side of the node-to-node service.
type NodeServer interface {
	GetStoreCost(context.Context, *GetStoreCostRequest) (*GetStoreCostResponse, error)
	GetRecord(context.Context, *GetRecordRequest) (*GetRecordResponse, error)
	PutRecord(context.Context, *PutRecordRequest) (*PutRecordResponse, error)
	Replicate(context.Context, *ReplicateRequest) (*ReplicateResponse, error)
}

// nodeServiceDesc describes the service without generated stubs. Messages
// are encoded by cborCodec, so no protobuf descriptors are involved.
var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStoreCost", Handler: getStoreCostHandler},
		{MethodName: "GetRecord", Handler: getRecordHandler},
		{MethodName: "PutRecord", Handler: putRecordHandler},
		{MethodName: "Replicate", Handler: replicateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kadvault/node",
}

// RegisterNodeServer registers srv on s.
func RegisterNodeServer(s grpc.ServiceRegistrar, srv NodeServer) {
	s.RegisterService(&nodeServiceDesc, srv)
}

func getStoreCostHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetStoreCostRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).GetStoreCost(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetStoreCost}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServer).GetStoreCost(ctx, req.(*GetStoreCostRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getRecordHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetRecordRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).GetRecord(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetRecord}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServer).GetRecord(ctx, req.(*GetRecordRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func putRecordHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PutRecordRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).PutRecord(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPutRecord}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServer).PutRecord(ctx, req.(*PutRecordRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func replicateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReplicateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).Replicate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodReplicate}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServer).Replicate(ctx, req.(*ReplicateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

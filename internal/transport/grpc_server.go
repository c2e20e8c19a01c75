// Package transport carries the node-to-node RPCs over gRPC.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/zde37/kadvault/internal/metrics"
	"github.com/zde37/kadvault/internal/record"
	"github.com/zde37/kadvault/internal/routing"
	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/hash"
)

const maxMsgSize = 4 * 1024 * 1024 // 4MB

// Handler is what the server needs from the local node.
type Handler interface {
	Quote(ctx context.Context, key hash.Key) (record.Quote, error)
	Get(ctx context.Context, key hash.Key) (record.StoredRecord, error)
	Put(ctx context.Context, rec record.StoredRecord, proof *record.QuoteProof) (record.Outcome, error)
	Hint(holder routing.Peer, keys []hash.Key) (int, error)
}

// GRPCServer exposes a Handler as the kadvault.Node service.
type GRPCServer struct {
	handler   Handler
	server    *grpc.Server
	logger    *pkg.Logger
	metrics   *metrics.Metrics
	authToken string // Authentication token for node-to-node communication

	// Server address
	address  string
	listener net.Listener
}

var _ NodeServer = (*GRPCServer)(nil)

// NewGRPCServer creates a new gRPC server for the given handler.
func NewGRPCServer(handler Handler, address, authToken string, m *metrics.Metrics, logger *pkg.Logger) (*GRPCServer, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &GRPCServer{
		handler:   handler,
		address:   address,
		authToken: authToken,
		metrics:   m,
		logger:    logger.WithFields(pkg.Fields{"component": "grpc_server"}),
	}

	return s, nil
}

// Start starts the gRPC server.
func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.ChainUnaryInterceptor(
			MetricsInterceptor(s.metrics),
			AuthInterceptor(s.authToken, s.logger),
		),
	}

	s.server = grpc.NewServer(opts...)
	RegisterNodeServer(s.server, s)

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting gRPC server")

	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	return nil
}

// Addr returns the address the server is listening on, which differs from
// the configured one when that used port 0.
func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() error {
	s.logger.Info().Msg("Stopping gRPC server")

	if s.server != nil {
		s.server.GracefulStop()
	}

	if s.listener != nil {
		s.listener.Close()
	}

	return nil
}

// GetStoreCost implements the GetStoreCost RPC.
func (s *GRPCServer) GetStoreCost(ctx context.Context, req *GetStoreCostRequest) (*GetStoreCostResponse, error) {
	s.logger.Debug().Str("key", req.Key.Short()).Msg("GetStoreCost called")

	q, err := s.handler.Quote(ctx, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetStoreCostResponse{Quote: q}, nil
}

// GetRecord implements the GetRecord RPC.
func (s *GRPCServer) GetRecord(ctx context.Context, req *GetRecordRequest) (*GetRecordResponse, error) {
	s.logger.Debug().Str("key", req.Key.Short()).Msg("GetRecord called")

	rec, err := s.handler.Get(ctx, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetRecordResponse{Record: rec}, nil
}

// PutRecord implements the PutRecord RPC.
func (s *GRPCServer) PutRecord(ctx context.Context, req *PutRecordRequest) (*PutRecordResponse, error) {
	s.logger.Debug().
		Str("key", req.Record.Key.Short()).
		Str("kind", req.Record.Kind.String()).
		Bool("proof", req.Proof != nil).
		Msg("PutRecord called")

	outcome, err := s.handler.Put(ctx, req.Record, req.Proof)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PutRecordResponse{Outcome: outcome}, nil
}

// Replicate implements the Replicate RPC.
func (s *GRPCServer) Replicate(ctx context.Context, req *ReplicateRequest) (*ReplicateResponse, error) {
	s.logger.Debug().
		Str("holder", req.Holder.String()).
		Int("keys", len(req.Keys)).
		Msg("Replicate called")

	accepted, err := s.handler.Hint(req.Holder, req.Keys)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ReplicateResponse{Accepted: accepted}, nil
}

// MetricsInterceptor observes the duration and status code of every call.
func MetricsInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		started := time.Now()
		resp, err := handler(ctx, req)
		m.ObserveRPC(info.FullMethod, status.Code(err).String(), started)
		return resp, err
	}
}

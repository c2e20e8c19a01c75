package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/zde37/kadvault/internal/quorum"
	"github.com/zde37/kadvault/internal/record"
	"github.com/zde37/kadvault/internal/replication"
	"github.com/zde37/kadvault/internal/routing"
	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/hash"
)

const (
	// AuthTokenHeader is the metadata key for authentication tokens
	AuthTokenHeader = "x-auth-token"
)

var (
	_ quorum.Remote       = (*GRPCClient)(nil)
	_ replication.Fetcher = (*GRPCClient)(nil)
)

// GRPCClient manages connections to remote nodes.
type GRPCClient struct {
	logger    *pkg.Logger
	authToken string // Authentication token for node-to-node communication

	// Connection pool
	connections map[string]*grpc.ClientConn
	connMu      sync.RWMutex

	// Default timeout for RPC calls without a deadline
	timeout time.Duration
}

// NewGRPCClient creates a new gRPC client.
func NewGRPCClient(logger *pkg.Logger, authToken string, timeout time.Duration) *GRPCClient {
	if logger == nil {
		logger = pkg.Nop()
	}

	return &GRPCClient{
		logger:      logger.WithFields(pkg.Fields{"component": "grpc_client"}),
		authToken:   authToken,
		connections: make(map[string]*grpc.ClientConn),
		timeout:     timeout,
	}
}

// withAuthMetadata attaches the auth token to the context metadata if configured.
func (c *GRPCClient) withAuthMetadata(ctx context.Context) context.Context {
	if c.authToken == "" {
		return ctx
	}
	md := metadata.Pairs(AuthTokenHeader, c.authToken)
	return metadata.NewOutgoingContext(ctx, md)
}

// getConnection returns a connection to the given address, creating one if needed.
func (c *GRPCClient) getConnection(address string) (*grpc.ClientConn, error) {
	c.connMu.RLock()
	conn, exists := c.connections[address]
	c.connMu.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	// Double-check after acquiring write lock
	conn, exists = c.connections[address]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
	}

	newConn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}

	c.connections[address] = newConn
	c.logger.Debug().Str("address", address).Msg("Created new gRPC connection")

	return newConn, nil
}

// invoke calls method on peer, falling back to the client timeout when ctx
// has no deadline, and maps status errors back to the node's sentinels.
func (c *GRPCClient) invoke(ctx context.Context, peer routing.Peer, method string, req, resp any) error {
	conn, err := c.getConnection(peer.Addr)
	if err != nil {
		return err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := conn.Invoke(c.withAuthMetadata(ctx), method, req, resp); err != nil {
		return fmt.Errorf("%s on %s: %w", method, peer, fromStatus(err))
	}
	return nil
}

// GetStoreCost asks peer for a quote to store key.
func (c *GRPCClient) GetStoreCost(ctx context.Context, peer routing.Peer, key hash.Key) (record.Quote, error) {
	var resp GetStoreCostResponse
	if err := c.invoke(ctx, peer, methodGetStoreCost, &GetStoreCostRequest{Key: key}, &resp); err != nil {
		return record.Quote{}, err
	}
	return resp.Quote, nil
}

// GetRecord fetches key from peer.
func (c *GRPCClient) GetRecord(ctx context.Context, peer routing.Peer, key hash.Key) (record.StoredRecord, error) {
	var resp GetRecordResponse
	if err := c.invoke(ctx, peer, methodGetRecord, &GetRecordRequest{Key: key}, &resp); err != nil {
		return record.StoredRecord{}, err
	}
	return resp.Record, nil
}

// PutRecord stores rec on peer with an optional payment proof.
func (c *GRPCClient) PutRecord(ctx context.Context, peer routing.Peer, rec record.StoredRecord, proof *record.QuoteProof) (record.Outcome, error) {
	var resp PutRecordResponse
	req := &PutRecordRequest{Record: rec, Proof: proof}
	if err := c.invoke(ctx, peer, methodPutRecord, req, &resp); err != nil {
		return 0, err
	}
	return resp.Outcome, nil
}

// Replicate tells peer that holder has keys.
func (c *GRPCClient) Replicate(ctx context.Context, peer routing.Peer, holder routing.Peer, keys []hash.Key) error {
	var resp ReplicateResponse
	req := &ReplicateRequest{Holder: holder, Keys: keys}
	if err := c.invoke(ctx, peer, methodReplicate, req, &resp); err != nil {
		return err
	}

	c.logger.Debug().
		Str("peer", peer.String()).
		Int("keys", len(keys)).
		Int("accepted", resp.Accepted).
		Msg("Sent replication hint")

	return nil
}

// Forget drops the pooled connection to address, for peers that left.
func (c *GRPCClient) Forget(address string) {
	c.connMu.Lock()
	conn, ok := c.connections[address]
	delete(c.connections, address)
	c.connMu.Unlock()

	if ok {
		if err := conn.Close(); err != nil {
			c.logger.Debug().Err(err).Str("address", address).Msg("Failed to close connection")
		}
	}
}

// Close closes all connections.
func (c *GRPCClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.logger.Info().
		Int("connections", len(c.connections)).
		Msg("Closing all gRPC connections")

	for address, conn := range c.connections {
		if err := conn.Close(); err != nil {
			c.logger.Error().
				Err(err).
				Str("address", address).
				Msg("Failed to close connection")
		}
	}

	c.connections = make(map[string]*grpc.ClientConn)
	return nil
}

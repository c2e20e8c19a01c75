package transport

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/zde37/kadvault/pkg"
)

var errUnauthenticated = status.Error(codes.Unauthenticated, "missing or invalid auth token")

// AuthInterceptor rejects node RPCs that do not carry the cluster token in
// the x-auth-token header. An empty token disables the check.
func AuthInterceptor(token string, logger *pkg.Logger) grpc.UnaryServerInterceptor {
	if token == "" {
		return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			return handler(ctx, req)
		}
	}

	want := []byte(token)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !hasToken(ctx, want) {
			logger.Warn().
				Str("method", info.FullMethod).
				Str("remote", remoteAddr(ctx)).
				Msg("Rejected unauthenticated node call")
			return nil, errUnauthenticated
		}
		return handler(ctx, req)
	}
}

func hasToken(ctx context.Context, want []byte) bool {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return false
	}
	for _, got := range md.Get(AuthTokenHeader) {
		if subtle.ConstantTimeCompare([]byte(got), want) == 1 {
			return true
		}
	}
	return false
}

func remoteAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

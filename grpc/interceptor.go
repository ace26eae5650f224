package grpc

import (
	"context"

	"github.com/panyam/taskauth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TokenVerifier checks a session token. *taskauth.TokenIssuer implements it.
type TokenVerifier interface {
	Verify(token string) (*taskauth.Principal, error)
}

// InterceptorConfig configures the auth interceptors.
type InterceptorConfig struct {
	*Config

	Verifier TokenVerifier

	// RequireAuth rejects calls without a valid token with Unauthenticated.
	RequireAuth bool

	// PublicMethods lists full method names that skip RequireAuth.
	PublicMethods map[string]bool
}

// DefaultInterceptorConfig requires auth on every method.
func DefaultInterceptorConfig(verifier TokenVerifier) *InterceptorConfig {
	return &InterceptorConfig{
		Config:        DefaultConfig(),
		Verifier:      verifier,
		RequireAuth:   true,
		PublicMethods: make(map[string]bool),
	}
}

// NewPublicMethodsConfig requires auth except on the given methods.
func NewPublicMethodsConfig(verifier TokenVerifier, methods ...string) *InterceptorConfig {
	config := DefaultInterceptorConfig(verifier)
	for _, m := range methods {
		config.PublicMethods[m] = true
	}
	return config
}

// OptionalAuthConfig resolves tokens when present but never rejects.
func OptionalAuthConfig(verifier TokenVerifier) *InterceptorConfig {
	config := DefaultInterceptorConfig(verifier)
	config.RequireAuth = false
	return config
}

// authenticate returns ctx with the caller's Principal attached when a valid
// token is present. A missing or invalid token is an error only for methods
// that require auth.
func (c *InterceptorConfig) authenticate(ctx context.Context, method string) (context.Context, error) {
	required := c.RequireAuth && !c.PublicMethods[method]

	token, ok := TokenFromIncomingContext(ctx, c.Config)
	if !ok {
		if required {
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		return ctx, nil
	}
	if c.Verifier == nil {
		return nil, status.Error(codes.Internal, "no token verifier configured")
	}
	principal, err := c.Verifier.Verify(token)
	if err != nil {
		if required {
			return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
		}
		return ctx, nil
	}
	return taskauth.ContextWithPrincipal(ctx, principal), nil
}

// UnaryAuthInterceptor returns a unary interceptor resolving the caller's
// session token.
func UnaryAuthInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := config.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor is the streaming counterpart of UnaryAuthInterceptor.
func StreamAuthInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := config.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authenticatedStream{ServerStream: ss, ctx: ctx})
	}
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context {
	return s.ctx
}

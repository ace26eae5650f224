package grpc

import (
	"context"

	"github.com/panyam/taskauth"
	"google.golang.org/grpc/metadata"
)

// DefaultMetadataKeyAuthorization carries "Bearer <token>" on incoming calls.
const DefaultMetadataKeyAuthorization = "authorization"

// Config selects where the session token is read from.
type Config struct {
	// Metadata key carrying the bearer token. Defaults to "authorization".
	MetadataKeyAuthorization string
}

// DefaultConfig returns a Config using the standard authorization key.
func DefaultConfig() *Config {
	return &Config{MetadataKeyAuthorization: DefaultMetadataKeyAuthorization}
}

func (c *Config) metadataKey() string {
	if c == nil || c.MetadataKeyAuthorization == "" {
		return DefaultMetadataKeyAuthorization
	}
	return c.MetadataKeyAuthorization
}

// TokenFromIncomingContext returns the bearer token sent by the caller.
func TokenFromIncomingContext(ctx context.Context, config *Config) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	for _, v := range md.Get(config.metadataKey()) {
		if token, ok := taskauth.BearerToken(v); ok {
			return token, true
		}
	}
	return "", false
}

// TokenToOutgoingContext attaches token to ctx for an outbound call.
func TokenToOutgoingContext(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, DefaultMetadataKeyAuthorization, "Bearer "+token)
}

// PrincipalFromContext returns the caller resolved by the interceptors, or nil.
func PrincipalFromContext(ctx context.Context) *taskauth.Principal {
	return taskauth.PrincipalFromContext(ctx)
}

// UserIDFromContext returns the authenticated user's id, or 0.
func UserIDFromContext(ctx context.Context) int64 {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.ID
	}
	return 0
}

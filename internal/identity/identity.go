package identity

import (
	"context"
	"strings"

	"github.com/septivank/energy-telemetry-service/internal/apperror"
)

// Roles recognized on incoming identities
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Identity is the verified caller handed in by the identity collaborator.
// It is trusted as given.
type Identity struct {
	TenantID string
	Role     string
}

// New builds an identity, defaulting the role to RoleUser
func New(tenantID, role string) (Identity, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Identity{}, apperror.ErrUnauthenticated
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = RoleUser
	}
	return Identity{TenantID: tenantID, Role: role}, nil
}

type contextKey struct{}

// WithIdentity attaches id to ctx
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity attached to ctx
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.TenantID != ""
}

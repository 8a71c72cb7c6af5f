// Package auth provides JWT-based authentication for Maestro.
//
// Uses Ed25519 (EdDSA) for JWT signing. Keys can be loaded from PEM files
// or auto-generated for development. The Resolver is the single
// authentication choke point: every AI action resolves the caller through
// it before doing anything else.
package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/maestro-crm/maestro/internal/model"
)

// ErrUnauthenticated is returned when no caller identity can be resolved.
// Maps to HTTP 401 at the server boundary.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// ErrForbidden is returned when the caller's role does not permit the
// operation. Maps to HTTP 403.
var ErrForbidden = errors.New("auth: forbidden")

// Identity is the resolved caller of a request.
type Identity struct {
	ID    uuid.UUID
	Role  model.Role
	Email string
}

// Resolver resolves the current caller from the request context.
// Implementations must return ErrUnauthenticated (possibly wrapped) when
// no session exists, and must never fabricate an identity.
type Resolver interface {
	Resolve(ctx context.Context) (Identity, error)
}

// ContextResolver resolves the identity placed on the context by the
// server's auth middleware. It is the production Resolver; tests substitute
// their own.
type ContextResolver struct{}

// Resolve returns the identity carried by ctx, or ErrUnauthenticated.
func (ContextResolver) Resolve(ctx context.Context) (Identity, error) {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	return id, nil
}

type contextKey string

const keyIdentity contextKey = "identity"

// WithIdentity returns a new context carrying the resolved identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, keyIdentity, id)
}

// IdentityFromContext extracts the identity from the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(keyIdentity).(Identity)
	return id, ok
}

// RequireRole returns nil if the identity's role is at least minRole in the
// admin > teacher > student > anonymous ordering, ErrForbidden otherwise.
func RequireRole(id Identity, minRole model.Role) error {
	if roleRank(id.Role) < roleRank(minRole) {
		return ErrForbidden
	}
	return nil
}

func roleRank(r model.Role) int {
	switch r {
	case model.RoleAdmin:
		return 3
	case model.RoleTeacher:
		return 2
	case model.RoleStudent:
		return 1
	default:
		return 0
	}
}

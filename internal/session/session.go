// Package session resolves an authenticated token into a Principal with a
// role. Role resolution must never block the login flow: the profile lookup
// runs under a short gate, and when it cannot answer the role is derived
// from the email address instead.
package session

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"barnehage/presence/internal/auth"
	"barnehage/presence/internal/fallback"
	"barnehage/presence/internal/model"
)

// Store is the slice of the document store the resolver uses.
type Store interface {
	GetUser(ctx context.Context, userID string) (model.User, error)
	CreateUser(ctx context.Context, user model.User) error
}

type Resolver struct {
	store    Store
	fallback *fallback.Resolver
}

func NewResolver(store Store, fb *fallback.Resolver) *Resolver {
	return &Resolver{store: store, fallback: fb}
}

// Resolve starts a session for the token's subject. A readable profile wins;
// a missing profile is auto-provisioned as parent so first-time guardians
// can use the app without an onboarding step; an unreachable profile store
// falls back to the email heuristic so the session still starts.
func (r *Resolver) Resolve(ctx context.Context, claims auth.Claims) model.Principal {
	var user model.User
	err := r.fallback.Do(ctx, fallback.Site{Name: "session.profile_lookup", Policy: fallback.AuthGating}, func(ctx context.Context) error {
		var err error
		user, err = r.store.GetUser(ctx, claims.UserID)
		return err
	})
	if err == nil {
		return model.Principal{
			ID:     claims.UserID,
			Email:  claims.Email,
			Role:   user.Role,
			Source: model.RoleSourceProfile,
		}
	}

	if errors.Is(err, pgx.ErrNoRows) {
		provisioned := model.User{
			ID:    claims.UserID,
			Email: claims.Email,
			Role:  model.RoleParent,
		}
		_ = r.fallback.Do(ctx, fallback.Site{Name: "session.provision_profile", Policy: fallback.BestEffort}, func(ctx context.Context) error {
			return r.store.CreateUser(ctx, provisioned)
		})
		return model.Principal{
			ID:     claims.UserID,
			Email:  claims.Email,
			Role:   model.RoleParent,
			Source: model.RoleSourceProfile,
		}
	}

	return model.Principal{
		ID:     claims.UserID,
		Email:  claims.Email,
		Role:   RoleFromEmail(claims.Email),
		Source: model.RoleSourceHeuristic,
	}
}

// RoleFromEmail guesses a role from the address alone. Used only when the
// profile store cannot answer in time.
func RoleFromEmail(email string) model.Role {
	lower := strings.ToLower(email)
	switch {
	case strings.Contains(lower, "admin"):
		return model.RoleAdmin
	case strings.Contains(lower, "ansatt"), strings.Contains(lower, "employee"):
		return model.RoleEmployee
	default:
		return model.RoleParent
	}
}

package federation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sciencegate.org/internal/ids"
)

// IdentityResolver maps users of other instances to local accounts, importing
// one on first sight. It is constructed over whichever UserStore the caller
// is working in: the pooled store for the SSO callback, the open transaction
// for the import pipeline.
type IdentityResolver struct {
	users UserStore
}

// NewIdentityResolver constructs a resolver over the given store.
func NewIdentityResolver(users UserStore) *IdentityResolver {
	return &IdentityResolver{users: users}
}

// Resolve returns the local user for a foreign identity, creating one when it
// has never been seen. The created flag reports whether this call imported
// the account. Safe under concurrent calls for the same reference: a lost
// creation race is resolved by re-reading the winner.
func (r *IdentityResolver) Resolve(ctx context.Context, ref RemoteUserRef) (*User, bool, error) {
	foreignID := strings.TrimSpace(ref.ID)
	instance := strings.TrimSpace(ref.HomeInstance)
	if foreignID == "" || instance == "" {
		return nil, false, fmt.Errorf("%w: remote user reference incomplete", ErrValidation)
	}

	u, err := r.users.FindUserByForeignID(ctx, foreignID, instance)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("resolve %s@%s: %w", foreignID, instance, err)
	}

	u = &User{
		ID:                ids.New(),
		Name:              ref.Name,
		Email:             ref.Email,
		EmailVerified:     false,
		Role:              RoleUser,
		ProfilePictureURL: ref.ProfilePictureURL,
		ForeignID:         foreignID,
		HomeInstance:      instance,
		CreatedAt:         time.Now().UTC(),
	}
	if u.Name == "" {
		// Migration payloads carry ids only; a placeholder keeps the account
		// usable until the user signs in over SSO and brings their profile.
		u.Name = fmt.Sprintf("%s@%s", foreignID, instance)
	}

	err = r.users.CreateUser(ctx, u)
	if err == nil {
		return u, true, nil
	}
	if errors.Is(err, ErrAlreadyExists) {
		winner, findErr := r.users.FindUserByForeignID(ctx, foreignID, instance)
		if findErr != nil {
			return nil, false, fmt.Errorf("resolve %s@%s after race: %w", foreignID, instance, findErr)
		}
		return winner, false, nil
	}
	return nil, false, fmt.Errorf("import identity %s@%s: %w", foreignID, instance, err)
}

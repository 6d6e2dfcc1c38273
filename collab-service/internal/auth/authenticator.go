// Package auth validates the credential presented at the websocket
// handshake and resolves it to an identity.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/weiawesome/wes-trip-collab/collab-service/internal/domain"
	"github.com/weiawesome/wes-trip-collab/collab-service/internal/identity"
	"github.com/weiawesome/wes-trip-collab/pkg/jwt"
	pkglog "github.com/weiawesome/wes-trip-collab/pkg/log"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrExpiredToken    = fmt.Errorf("%w: token expired", ErrUnauthenticated)
)

// TokenValidator validates an access token.
type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// ProfileLookup resolves display data for a user.
type ProfileLookup interface {
	Lookup(ctx context.Context, userID string) (*identity.Profile, error)
}

// Authenticator turns a bearer token into an identity.
type Authenticator struct {
	tokens   TokenValidator
	profiles ProfileLookup
}

// NewAuthenticator creates an authenticator. profiles may be nil, in which
// case identities come from token claims only.
func NewAuthenticator(tokens TokenValidator, profiles ProfileLookup) *Authenticator {
	return &Authenticator{tokens: tokens, profiles: profiles}
}

// Authenticate validates token. Every failure wraps ErrUnauthenticated.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*domain.Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	claims, err := a.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrExpiredToken) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	id := &domain.Identity{
		UserID:      claims.UserID,
		DisplayName: claims.Username,
		AvatarURL:   claims.Avatar,
	}
	if id.DisplayName == "" {
		id.DisplayName = claims.UserID
	}

	if a.profiles == nil {
		return id, nil
	}

	profile, err := a.profiles.Lookup(ctx, claims.UserID)
	switch {
	case err == nil:
		if profile.DisplayName != "" {
			id.DisplayName = profile.DisplayName
		}
		if profile.AvatarURL != "" {
			id.AvatarURL = profile.AvatarURL
		}
	case errors.Is(err, identity.ErrUserNotFound):
	default:
		l := pkglog.Ctx(ctx)
		l.Warn().Err(err).Str(pkglog.FieldUserID, claims.UserID).Msg("profile lookup failed, using token claims")
	}

	return id, nil
}

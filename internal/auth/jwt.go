package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sanctuary/pkg/interfaces"
	"sanctuary/pkg/types"
)

// identityClaims is the credential shape exchanged with the identity
// provider
type identityClaims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// JWTVerifier verifies HS256 credentials issued by the identity provider
type JWTVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

var _ interfaces.IdentityVerifier = (*JWTVerifier)(nil)

// NewJWTVerifier creates a verifier. An empty issuer accepts any issuer.
func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Verify returns the authenticated identity carried by credential. Every
// failure wraps interfaces.ErrInvalidIdentity.
func (v *JWTVerifier) Verify(ctx context.Context, credential string) (types.Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return types.Identity{}, fmt.Errorf("%w: empty credential", interfaces.ErrInvalidIdentity)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims identityClaims
	_, err := jwt.ParseWithClaims(credential, &claims, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %s", interfaces.ErrInvalidIdentity, describeJWTError(err))
	}

	if claims.Subject == "" {
		return types.Identity{}, fmt.Errorf("%w: %v", interfaces.ErrInvalidIdentity, ErrMissingSubject)
	}
	if !types.IsValidUserID(claims.Subject) {
		return types.Identity{}, fmt.Errorf("%w: %v", interfaces.ErrInvalidIdentity, ErrInvalidSubject)
	}

	name, err := types.ValidateDisplayName(claims.Name)
	if err != nil || name == "" {
		name = claims.Subject
	}
	return types.Identity{
		UserID:      claims.Subject,
		DisplayName: name,
		Roles:       claims.Roles,
	}, nil
}

// Issue mints a credential for identity. It backs the token CLI command and
// tests; production credentials come from the identity provider.
func (v *JWTVerifier) Issue(identity types.Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := identityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:  identity.DisplayName,
		Roles: identity.Roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func describeJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "credential expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature invalid"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "issuer mismatch"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "algorithm not accepted"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed credential"
	default:
		return err.Error()
	}
}

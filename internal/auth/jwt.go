// Package auth provides JWT validation using JWKS. The session service
// never mints tokens; it only verifies what the platform issued and
// extracts the caller's identity for fairness accounting and ownership
// checks.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims for stream session access.
type Claims struct {
	jwt.RegisteredClaims
	Workspace string `json:"workspace"`
}

// Identity is the authenticated caller handed to the core.
type Identity struct {
	UserID    string
	Workspace string
}

// Validator validates JWTs against a remote JWKS endpoint.
type Validator struct {
	jwks     keyfunc.Keyfunc
	audience string
	issuer   string
}

// NewValidator creates a validator that fetches and caches keys from
// the JWKS endpoint.
func NewValidator(jwksURL, audience, issuer string) (*Validator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("create JWKS keyfunc: %w", err)
	}

	return &Validator{
		jwks:     k,
		audience: audience,
		issuer:   issuer,
	}, nil
}

// Validate verifies a token and returns the caller's identity.
func (v *Validator) Validate(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc)
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return Identity{}, fmt.Errorf("invalid claims type")
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return Identity{}, fmt.Errorf("get audience: %w", err)
	}
	audienceValid := false
	for _, a := range aud {
		if a == v.audience {
			audienceValid = true
			break
		}
	}
	if !audienceValid {
		return Identity{}, fmt.Errorf("invalid audience")
	}

	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || iss != v.issuer {
			return Identity{}, fmt.Errorf("invalid issuer")
		}
	}

	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("token has no subject")
	}
	if claims.Workspace == "" {
		return Identity{}, fmt.Errorf("token has no workspace claim")
	}

	return Identity{UserID: claims.Subject, Workspace: claims.Workspace}, nil
}

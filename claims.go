package accesscontrol

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/oops"
)

// ClaimNames are the token claim names the service reads. They are plain
// configuration values.
type ClaimNames struct {
	UserID string `json:"user_id" yaml:"user_id"`
	Groups string `json:"groups" yaml:"groups"`
	Name   string `json:"name" yaml:"name"`
}

// DefaultClaimNames matches the identity provider defaults.
func DefaultClaimNames() ClaimNames {
	return ClaimNames{UserID: "oid", Groups: "groups", Name: "name"}
}

func (n ClaimNames) withDefaults() ClaimNames {
	d := DefaultClaimNames()
	if n.UserID == "" {
		n.UserID = d.UserID
	}
	if n.Groups == "" {
		n.Groups = d.Groups
	}
	if n.Name == "" {
		n.Name = d.Name
	}
	return n
}

// Identity is the subject of a check as derived from live token claims.
type Identity struct {
	UserID      string
	DisplayName string
	Groups      []string
}

// GroupSource derives the effective groups of the caller. Implementations
// must read the live request identity, never a persisted mirror.
type GroupSource interface {
	Identity(ctx context.Context) (Identity, error)
}

// GroupSourceFunc adapts a function to GroupSource.
type GroupSourceFunc func(ctx context.Context) (Identity, error)

func (f GroupSourceFunc) Identity(ctx context.Context) (Identity, error) { return f(ctx) }

// ClaimsGroupSource reads the identity from the jwt.MapClaims attached with
// WithClaims.
type ClaimsGroupSource struct {
	names ClaimNames
}

func NewClaimsGroupSource(names ClaimNames) *ClaimsGroupSource {
	return &ClaimsGroupSource{names: names.withDefaults()}
}

func (s *ClaimsGroupSource) Identity(ctx context.Context) (Identity, error) {
	claims := Claims(ctx)
	if claims == nil {
		return Identity{}, oops.Code(CodePolicyResolution).Errorf("no identity claims on request")
	}
	return IdentityFromClaims(claims, s.names)
}

// IdentityFromClaims extracts the user id, display name and group values.
// The groups claim may be a JSON array or a single string.
func IdentityFromClaims(claims jwt.MapClaims, names ClaimNames) (Identity, error) {
	names = names.withDefaults()
	id := Identity{}
	id.UserID = claimString(claims, names.UserID)
	if id.UserID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			id.UserID = sub
		}
	}
	if id.UserID == "" {
		return Identity{}, oops.Code(CodeInvalidArgument).
			With("claim", names.UserID).
			Errorf("token has no user identifier")
	}
	id.DisplayName = claimString(claims, names.Name)
	seen := make(map[string]struct{})
	switch raw := claims[names.Groups].(type) {
	case []any:
		for _, v := range raw {
			if v == nil {
				continue
			}
			s := strings.TrimSpace(fmt.Sprint(v))
			if s == "" {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			id.Groups = append(id.Groups, s)
		}
	case []string:
		for _, s := range raw {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			id.Groups = append(id.Groups, s)
		}
	case string:
		if s := strings.TrimSpace(raw); s != "" {
			id.Groups = []string{s}
		}
	}
	return id, nil
}

func claimString(claims jwt.MapClaims, name string) string {
	if v, ok := claims[name].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// ParseUnverifiedClaims decodes a bearer token that was already validated
// upstream. It does not check the signature.
func ParseUnverifiedClaims(token string) (jwt.MapClaims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, oops.Code(CodeInvalidArgument).Wrapf(err, "parse token")
	}
	return claims, nil
}

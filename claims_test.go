package accesscontrol

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestIdentityFromClaims(t *testing.T) {
	id, err := IdentityFromClaims(jwt.MapClaims{
		"oid":    " u1 ",
		"name":   "Ada",
		"groups": []any{"grp-a", "", "grp-b", "grp-a", nil},
	}, ClaimNames{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.UserID != "u1" || id.DisplayName != "Ada" {
		t.Fatalf("unexpected identity %+v", id)
	}
	if len(id.Groups) != 2 || id.Groups[0] != "grp-a" || id.Groups[1] != "grp-b" {
		t.Fatalf("expected deduplicated groups, got %v", id.Groups)
	}
}

func TestIdentityFromClaimsVariants(t *testing.T) {
	id, err := IdentityFromClaims(jwt.MapClaims{"sub": "s1", "roles": "grp-x"}, ClaimNames{Groups: "roles"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.UserID != "s1" || len(id.Groups) != 1 || id.Groups[0] != "grp-x" {
		t.Fatalf("unexpected identity %+v", id)
	}

	id, err = IdentityFromClaims(jwt.MapClaims{"oid": "u1"}, ClaimNames{})
	if err != nil || len(id.Groups) != 0 {
		t.Fatalf("missing groups claim should mean no groups: %+v %v", id, err)
	}

	_, err = IdentityFromClaims(jwt.MapClaims{"groups": []any{"grp-a"}}, ClaimNames{})
	if !IsInvalidArgument(err) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestClaimsGroupSource(t *testing.T) {
	src := NewClaimsGroupSource(ClaimNames{})
	if _, err := src.Identity(context.Background()); err == nil {
		t.Fatalf("expected error without claims")
	}
	ctx := WithClaims(context.Background(), jwt.MapClaims{"oid": "u1", "groups": []string{"grp-a"}})
	id, err := src.Identity(ctx)
	if err != nil || id.UserID != "u1" || len(id.Groups) != 1 {
		t.Fatalf("unexpected identity %+v %v", id, err)
	}
}

func TestParseUnverifiedClaims(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"oid": "u1", "groups": []string{"grp-a"}})
	signed, err := tok.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := ParseUnverifiedClaims("Bearer " + signed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id, err := IdentityFromClaims(claims, ClaimNames{})
	if err != nil || id.UserID != "u1" || len(id.Groups) != 1 {
		t.Fatalf("unexpected identity %+v %v", id, err)
	}

	if _, err := ParseUnverifiedClaims("not-a-token"); !IsInvalidArgument(err) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

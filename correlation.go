package accesscontrol

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Correlation carries the ambient identifiers threaded through every
// decision and every ledger event of one request.
type Correlation struct {
	RequestID         string `json:"requestId,omitempty"`
	SessionID         string `json:"sessionId,omitempty"`
	BusinessProcessID string `json:"businessProcessId,omitempty"`
	WorkstreamID      string `json:"workstreamId,omitempty"`
}

type (
	requestIDKey         struct{}
	sessionIDKey         struct{}
	businessProcessIDKey struct{}
	workstreamIDKey      struct{}
	claimsKey            struct{}
	clockKey             struct{}
)

// Exported keys for tests that build contexts with context.WithValue.
var (
	ContextKeyRequestID         = requestIDKey{}
	ContextKeySessionID         = sessionIDKey{}
	ContextKeyBusinessProcessID = businessProcessIDKey{}
	ContextKeyWorkstreamID      = workstreamIDKey{}
	ContextKeyClaims            = claimsKey{}
)

func stringValue(ctx context.Context, key any) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// RequestID returns the request correlation id, or "" when unset.
func RequestID(ctx context.Context) string { return stringValue(ctx, ContextKeyRequestID) }

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, id)
}

// EnsureRequestID returns ctx unchanged when it already carries a request id,
// otherwise it attaches a fresh one.
func EnsureRequestID(ctx context.Context) context.Context {
	if RequestID(ctx) != "" {
		return ctx
	}
	return WithRequestID(ctx, uuid.NewString())
}

func SessionID(ctx context.Context) string { return stringValue(ctx, ContextKeySessionID) }

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, id)
}

// BusinessProcessID returns the process the current request belongs to.
func BusinessProcessID(ctx context.Context) string {
	return stringValue(ctx, ContextKeyBusinessProcessID)
}

func WithBusinessProcessID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyBusinessProcessID, id)
}

func WorkstreamID(ctx context.Context) string { return stringValue(ctx, ContextKeyWorkstreamID) }

func WithWorkstreamID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyWorkstreamID, id)
}

// WithCorrelation sets every non-empty field of c on ctx.
func WithCorrelation(ctx context.Context, c Correlation) context.Context {
	if c.RequestID != "" {
		ctx = WithRequestID(ctx, c.RequestID)
	}
	if c.SessionID != "" {
		ctx = WithSessionID(ctx, c.SessionID)
	}
	if c.BusinessProcessID != "" {
		ctx = WithBusinessProcessID(ctx, c.BusinessProcessID)
	}
	if c.WorkstreamID != "" {
		ctx = WithWorkstreamID(ctx, c.WorkstreamID)
	}
	return ctx
}

// CorrelationFrom collects the identifiers carried by ctx.
func CorrelationFrom(ctx context.Context) Correlation {
	return Correlation{
		RequestID:         RequestID(ctx),
		SessionID:         SessionID(ctx),
		BusinessProcessID: BusinessProcessID(ctx),
		WorkstreamID:      WorkstreamID(ctx),
	}
}

// Claims returns the authenticated identity claims of the request, or nil.
func Claims(ctx context.Context) jwt.MapClaims {
	if c, ok := ctx.Value(ContextKeyClaims).(jwt.MapClaims); ok {
		return c
	}
	return nil
}

func WithClaims(ctx context.Context, claims jwt.MapClaims) context.Context {
	return context.WithValue(ctx, ContextKeyClaims, claims)
}

// WithClock pins the wall clock seen by attribute building and the ledger.
// Tests use it to get deterministic environment facts.
func WithClock(ctx context.Context, now func() time.Time) context.Context {
	return context.WithValue(ctx, clockKey{}, now)
}

// Now returns the request clock, falling back to time.Now in UTC.
func Now(ctx context.Context) time.Time {
	if fn, ok := ctx.Value(clockKey{}).(func() time.Time); ok && fn != nil {
		return fn().UTC()
	}
	return time.Now().UTC()
}

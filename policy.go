package accesscontrol

import (
	"context"
	"strings"
)

// GlobalWorkstream scopes a tuple to every workstream.
const GlobalWorkstream = "*"

// TupleType is the casbin-style section a policy tuple belongs to.
type TupleType string

const (
	// TuplePermission: v0 role, v1 action, v2 resource pattern, v3 workstream, v4 effect.
	TuplePermission TupleType = "p"
	// TupleGrouping: v0 member (group or user), v1 role, v2 workstream.
	TupleGrouping TupleType = "g"
	// TupleRoleGrouping: v0 role, v1 inherited role, v2 workstream.
	TupleRoleGrouping TupleType = "g2"
)

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// PolicyTuple is the persisted policy row. The wire shape is
// {type, v0..v5, workstreamId, isActive}.
type PolicyTuple struct {
	ID           int64     `json:"id,omitempty" yaml:"id,omitempty"`
	Type         TupleType `json:"type" yaml:"type"`
	V0           string    `json:"v0,omitempty" yaml:"v0,omitempty"`
	V1           string    `json:"v1,omitempty" yaml:"v1,omitempty"`
	V2           string    `json:"v2,omitempty" yaml:"v2,omitempty"`
	V3           string    `json:"v3,omitempty" yaml:"v3,omitempty"`
	V4           string    `json:"v4,omitempty" yaml:"v4,omitempty"`
	V5           string    `json:"v5,omitempty" yaml:"v5,omitempty"`
	WorkstreamID string    `json:"workstreamId" yaml:"workstream_id"`
	IsActive     bool      `json:"isActive" yaml:"is_active"`
}

// Permission builds an active p tuple.
func Permission(role, action, resourcePattern, workstreamID string, effect Effect) PolicyTuple {
	return PolicyTuple{Type: TuplePermission, V0: role, V1: action, V2: resourcePattern, V4: string(effect), WorkstreamID: workstreamID, IsActive: true}
}

// Grouping builds an active g tuple binding member to role.
func Grouping(member, role, workstreamID string) PolicyTuple {
	return PolicyTuple{Type: TupleGrouping, V0: member, V1: role, WorkstreamID: workstreamID, IsActive: true}
}

// RoleGrouping builds an active g2 tuple making role inherit parent.
func RoleGrouping(role, parent, workstreamID string) PolicyTuple {
	return PolicyTuple{Type: TupleRoleGrouping, V0: role, V1: parent, WorkstreamID: workstreamID, IsActive: true}
}

// Domain is the workstream the tuple applies to.
func (t PolicyTuple) Domain() string {
	if t.WorkstreamID != "" {
		return t.WorkstreamID
	}
	var positional string
	if t.Type == TuplePermission {
		positional = t.V3
	} else {
		positional = t.V2
	}
	if positional != "" {
		return positional
	}
	return GlobalWorkstream
}

// AppliesTo reports whether the tuple is in scope for workstreamID.
func (t PolicyTuple) AppliesTo(workstreamID string) bool {
	d := t.Domain()
	return d == GlobalWorkstream || d == workstreamID
}

// Effect returns the permission effect; an empty v4 means allow. The second
// value is false for anything that is not a known effect.
func (t PolicyTuple) Effect() (Effect, bool) {
	switch strings.ToLower(strings.TrimSpace(t.V4)) {
	case "", string(EffectAllow):
		return EffectAllow, true
	case string(EffectDeny):
		return EffectDeny, true
	}
	return "", false
}

// String renders the tuple the way it appears in logs.
func (t PolicyTuple) String() string {
	parts := []string{string(t.Type)}
	for _, v := range []string{t.V0, t.V1, t.V2, t.V3, t.V4, t.V5} {
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ", ") + " @" + t.Domain()
}

// Role is administered outside this service; system roles cannot be deleted.
type Role struct {
	Name         string `json:"name" yaml:"name"`
	WorkstreamID string `json:"workstreamId" yaml:"workstream_id"`
	IsSystemRole bool   `json:"isSystemRole" yaml:"is_system_role"`
	IsActive     bool   `json:"isActive" yaml:"is_active"`
}

// PolicyStore is the read contract the matcher depends on. ListTuples returns
// the active tuples scoped to workstreamID or to the global workstream.
type PolicyStore interface {
	ListTuples(ctx context.Context, workstreamID string) ([]PolicyTuple, error)
}

// UserAttributeStore returns persisted per-workstream user attributes. A nil
// value in the map means the attribute is stored but null.
type UserAttributeStore interface {
	GetAttributes(ctx context.Context, userID, workstreamID string) (map[string]any, error)
}

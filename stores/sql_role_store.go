package stores

import (
	"context"

	"github.com/oarkflow/squealx"
	"github.com/samber/oops"

	"github.com/oarkflow/accesscontrol"
)

// SQLRoleStore persists role definitions. System roles cannot be deleted.
type SQLRoleStore struct {
	db *squealx.DB
}

func NewSQLRoleStore(db *squealx.DB) *SQLRoleStore {
	return &SQLRoleStore{db: db}
}

func (s *SQLRoleStore) CreateRole(ctx context.Context, r accesscontrol.Role) error {
	if r.Name == "" || r.WorkstreamID == "" {
		return oops.Code(accesscontrol.CodeInvalidArgument).Errorf("role name and workstream are required")
	}
	q := `INSERT INTO roles(name, workstream_id, is_system_role, is_active) VALUES(:name, :workstream_id, :is_system_role, :is_active)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"name":           r.Name,
		"workstream_id":  r.WorkstreamID,
		"is_system_role": boolToInt(r.IsSystemRole),
		"is_active":      boolToInt(r.IsActive),
	})
	if err != nil {
		return oops.With("role", r.Name).Wrapf(err, "create role")
	}
	return nil
}

func (s *SQLRoleStore) GetRole(ctx context.Context, workstreamID, name string) (accesscontrol.Role, error) {
	q := `SELECT name, workstream_id, is_system_role, is_active FROM roles WHERE workstream_id = :workstream_id AND name = :name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"workstream_id": workstreamID, "name": name})
	if err != nil {
		return accesscontrol.Role{}, err
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return accesscontrol.Role{}, oops.With("role", name).Wrapf(err, "query role")
		}
		return accesscontrol.Role{}, oops.Code(accesscontrol.CodeInvalidArgument).With("role", name).Errorf("role %s not found in %s", name, workstreamID)
	}
	var role accesscontrol.Role
	var system, active int
	if err := r.Scan(&role.Name, &role.WorkstreamID, &system, &active); err != nil {
		return accesscontrol.Role{}, err
	}
	role.IsSystemRole = system != 0
	role.IsActive = active != 0
	return role, nil
}

// DeleteRole refuses system roles.
func (s *SQLRoleStore) DeleteRole(ctx context.Context, workstreamID, name string) error {
	role, err := s.GetRole(ctx, workstreamID, name)
	if err != nil {
		return err
	}
	if role.IsSystemRole {
		return errSystemRole(name)
	}
	q := `DELETE FROM roles WHERE workstream_id = :workstream_id AND name = :name AND is_system_role = 0`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{"workstream_id": workstreamID, "name": name})
	return err
}

func (s *SQLRoleStore) ListRoles(ctx context.Context, workstreamID string) ([]accesscontrol.Role, error) {
	q := `SELECT name, workstream_id, is_system_role, is_active FROM roles WHERE workstream_id IN (:workstream_id, '*') ORDER BY name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"workstream_id": workstreamID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]accesscontrol.Role, 0)
	for r.Next() {
		var role accesscontrol.Role
		var system, active int
		if err := r.Scan(&role.Name, &role.WorkstreamID, &system, &active); err != nil {
			return nil, err
		}
		role.IsSystemRole = system != 0
		role.IsActive = active != 0
		out = append(out, role)
	}
	if err := r.Err(); err != nil {
		return nil, oops.With("workstream_id", workstreamID).Wrapf(err, "iterate roles")
	}
	return out, nil
}

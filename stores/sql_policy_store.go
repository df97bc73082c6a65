package stores

import (
	"context"

	"github.com/oarkflow/squealx"
	"github.com/samber/oops"

	"github.com/oarkflow/accesscontrol"
)

// SQLPolicyStore reads policy tuples from the policy_tuples table.
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

// InsertTuples writes tuples and returns their assigned ids.
func (s *SQLPolicyStore) InsertTuples(ctx context.Context, tuples ...accesscontrol.PolicyTuple) ([]int64, error) {
	q := `INSERT INTO policy_tuples(ptype, v0, v1, v2, v3, v4, v5, workstream_id, is_active) VALUES(:ptype, :v0, :v1, :v2, :v3, :v4, :v5, :workstream_id, :is_active)`
	ids := make([]int64, 0, len(tuples))
	for _, t := range tuples {
		res, err := s.db.NamedExecContext(ctx, q, map[string]any{
			"ptype":         string(t.Type),
			"v0":            t.V0,
			"v1":            t.V1,
			"v2":            t.V2,
			"v3":            t.V3,
			"v4":            t.V4,
			"v5":            t.V5,
			"workstream_id": t.WorkstreamID,
			"is_active":     boolToInt(t.IsActive),
		})
		if err != nil {
			return ids, oops.With("tuple", t.String()).Wrapf(err, "insert policy tuple")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return ids, oops.Wrapf(err, "read policy tuple id")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Deactivate sets is_active to false for id.
func (s *SQLPolicyStore) Deactivate(ctx context.Context, id int64) error {
	_, err := s.db.NamedExecContext(ctx, `UPDATE policy_tuples SET is_active = 0 WHERE id = :id`, map[string]any{"id": id})
	return err
}

// ListTuples returns active tuples scoped to workstreamID, the global
// workstream, or a positional workstream column when workstream_id is empty.
func (s *SQLPolicyStore) ListTuples(ctx context.Context, workstreamID string) ([]accesscontrol.PolicyTuple, error) {
	q := `SELECT id, ptype, v0, v1, v2, v3, v4, v5, workstream_id, is_active FROM policy_tuples WHERE is_active = 1 AND (workstream_id IN (:ws, '*') OR workstream_id = '') ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"ws": workstreamID})
	if err != nil {
		return nil, oops.With("workstream_id", workstreamID).Wrapf(err, "list policy tuples")
	}
	defer r.Close()
	out := make([]accesscontrol.PolicyTuple, 0)
	for r.Next() {
		var t accesscontrol.PolicyTuple
		var ptype string
		var active int
		if err := r.Scan(&t.ID, &ptype, &t.V0, &t.V1, &t.V2, &t.V3, &t.V4, &t.V5, &t.WorkstreamID, &active); err != nil {
			return nil, oops.Wrapf(err, "scan policy tuple")
		}
		t.Type = accesscontrol.TupleType(ptype)
		t.IsActive = active != 0
		// Rows without a workstream_id carry their scope positionally.
		if t.AppliesTo(workstreamID) {
			out = append(out, t)
		}
	}
	if err := r.Err(); err != nil {
		return nil, oops.With("workstream_id", workstreamID).Wrapf(err, "iterate policy tuples")
	}
	return out, nil
}

package stores

import (
	"context"
	"database/sql"

	"github.com/oarkflow/squealx"
	"github.com/samber/oops"
)

// SQLUserAttributeStore keeps one JSON encoded value per attribute row.
type SQLUserAttributeStore struct {
	db *squealx.DB
}

func NewSQLUserAttributeStore(db *squealx.DB) *SQLUserAttributeStore {
	return &SQLUserAttributeStore{db: db}
}

// SetAttribute upserts a single attribute. A nil value is stored as null.
func (s *SQLUserAttributeStore) SetAttribute(ctx context.Context, userID, workstreamID, name string, value any) error {
	raw, err := marshalJSON(value)
	if err != nil {
		return oops.With("attribute", name).Wrapf(err, "encode attribute")
	}
	q := `INSERT INTO user_attributes(user_id, workstream_id, name, value_json) VALUES(:user_id, :workstream_id, :name, :value_json)
ON CONFLICT(user_id, workstream_id, name) DO UPDATE SET value_json = excluded.value_json`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"user_id":       userID,
		"workstream_id": workstreamID,
		"name":          name,
		"value_json":    raw,
	})
	return err
}

// SetAttributes upserts every entry of attrs.
func (s *SQLUserAttributeStore) SetAttributes(ctx context.Context, userID, workstreamID string, attrs map[string]any) error {
	for name, v := range attrs {
		if err := s.SetAttribute(ctx, userID, workstreamID, name, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLUserAttributeStore) GetAttributes(ctx context.Context, userID, workstreamID string) (map[string]any, error) {
	q := `SELECT name, value_json FROM user_attributes WHERE user_id = :user_id AND workstream_id = :workstream_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": userID, "workstream_id": workstreamID})
	if err != nil {
		return nil, oops.With("user_id", userID).Wrapf(err, "query user attributes")
	}
	defer r.Close()
	out := make(map[string]any)
	for r.Next() {
		var name string
		var raw sql.NullString
		if err := r.Scan(&name, &raw); err != nil {
			return nil, err
		}
		var v any
		if raw.Valid {
			if err := unmarshalJSON(raw.String, &v); err != nil {
				return nil, oops.With("attribute", name).Wrapf(err, "decode attribute")
			}
		}
		out[name] = v
	}
	if err := r.Err(); err != nil {
		return nil, oops.With("user_id", userID).Wrapf(err, "iterate user attributes")
	}
	return out, nil
}

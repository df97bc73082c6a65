package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/samber/oops"

	"github.com/oarkflow/accesscontrol"
)

// SQLGroupMirror is the display mirror behind GroupSyncPipeline. Every write
// is a single-row upsert.
type SQLGroupMirror struct {
	db *squealx.DB
}

func NewSQLGroupMirror(db *squealx.DB) *SQLGroupMirror {
	return &SQLGroupMirror{db: db}
}

func (m *SQLGroupMirror) UpsertUser(ctx context.Context, userID, displayName string, seenAt time.Time) error {
	q := `INSERT INTO mirror_users(user_id, display_name, first_seen_at, last_seen_at) VALUES(:user_id, :display_name, :seen_at, :seen_at)
ON CONFLICT(user_id) DO UPDATE SET display_name = CASE WHEN excluded.display_name = '' THEN mirror_users.display_name ELSE excluded.display_name END, last_seen_at = excluded.last_seen_at`
	_, err := m.db.NamedExecContext(ctx, q, map[string]any{
		"user_id":      userID,
		"display_name": displayName,
		"seen_at":      formatTime(seenAt),
	})
	if err != nil {
		return oops.With("user_id", userID).Wrapf(err, "upsert mirror user")
	}
	return nil
}

func (m *SQLGroupMirror) GetOrCreateGroup(ctx context.Context, externalID string, source accesscontrol.MembershipSource) (*accesscontrol.Group, error) {
	q := `INSERT INTO mirror_groups(external_id, display_name, source) VALUES(:external_id, :external_id, :source) ON CONFLICT(external_id) DO NOTHING`
	if _, err := m.db.NamedExecContext(ctx, q, map[string]any{"external_id": externalID, "source": string(source)}); err != nil {
		return nil, oops.With("group", externalID).Wrapf(err, "create mirror group")
	}
	return m.GetGroup(ctx, externalID)
}

// GetGroup looks a group up by its identity provider id.
func (m *SQLGroupMirror) GetGroup(ctx context.Context, externalID string) (*accesscontrol.Group, error) {
	q := `SELECT id, external_id, display_name, source FROM mirror_groups WHERE external_id = :external_id`
	r, err := m.db.NamedQueryContext(ctx, q, map[string]any{"external_id": externalID})
	if err != nil {
		return nil, oops.With("group", externalID).Wrapf(err, "query mirror group")
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, oops.With("group", externalID).Wrapf(err, "query mirror group")
		}
		return nil, oops.With("group", externalID).Errorf("mirror group %s not found", externalID)
	}
	var g accesscontrol.Group
	var name sql.NullString
	var source string
	if err := r.Scan(&g.ID, &g.ExternalID, &name, &source); err != nil {
		return nil, err
	}
	if name.Valid {
		g.DisplayName = &name.String
	}
	g.Source = accesscontrol.MembershipSource(source)
	return &g, nil
}

func (m *SQLGroupMirror) UpsertAssociation(ctx context.Context, userID string, groupID int64, source accesscontrol.MembershipSource, seenAt time.Time) error {
	q := `INSERT INTO user_groups(user_id, group_id, source, first_seen_at, last_seen_at) VALUES(:user_id, :group_id, :source, :seen_at, :seen_at)
ON CONFLICT(user_id, group_id) DO UPDATE SET last_seen_at = excluded.last_seen_at`
	_, err := m.db.NamedExecContext(ctx, q, map[string]any{
		"user_id":  userID,
		"group_id": groupID,
		"source":   string(source),
		"seen_at":  formatTime(seenAt),
	})
	if err != nil {
		return oops.With("user_id", userID).With("group_id", groupID).Wrapf(err, "upsert user group")
	}
	return nil
}

// Associations lists userID's mirrored memberships ordered by group id.
func (m *SQLGroupMirror) Associations(ctx context.Context, userID string) ([]accesscontrol.UserGroupAssociation, error) {
	q := `SELECT user_id, group_id, source, first_seen_at, last_seen_at FROM user_groups WHERE user_id = :user_id ORDER BY group_id`
	r, err := m.db.NamedQueryContext(ctx, q, map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]accesscontrol.UserGroupAssociation, 0)
	for r.Next() {
		var a accesscontrol.UserGroupAssociation
		var source string
		var first, last any
		if err := r.Scan(&a.UserID, &a.GroupID, &source, &first, &last); err != nil {
			return nil, err
		}
		a.Source = accesscontrol.MembershipSource(source)
		if a.FirstSeenAt, err = scanTime(first); err != nil {
			return nil, err
		}
		if a.LastSeenAt, err = scanTime(last); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := r.Err(); err != nil {
		return nil, oops.With("user_id", userID).Wrapf(err, "iterate group associations")
	}
	return out, nil
}

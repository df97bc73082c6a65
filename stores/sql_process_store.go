package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/samber/oops"

	"github.com/oarkflow/accesscontrol"
)

// SQLProcessStore persists business processes. Completion is a conditional
// UPDATE on status so two concurrent completions cannot both succeed.
type SQLProcessStore struct {
	db *squealx.DB
}

func NewSQLProcessStore(db *squealx.DB) *SQLProcessStore {
	return &SQLProcessStore{db: db}
}

func (s *SQLProcessStore) CreateProcess(ctx context.Context, p *accesscontrol.BusinessProcess) error {
	meta, err := marshalJSON(p.Metadata)
	if err != nil {
		return oops.With("process_id", p.ID).Wrapf(err, "encode metadata")
	}
	q := `INSERT INTO business_processes(id, process_type, workstream_id, status, initiated_by, initiated_at, outcome, notes, metadata_json)
VALUES(:id, :process_type, :workstream_id, :status, :initiated_by, :initiated_at, '', '', :metadata_json)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            p.ID,
		"process_type":  p.Type,
		"workstream_id": p.WorkstreamID,
		"status":        string(p.Status),
		"initiated_by":  p.InitiatedBy,
		"initiated_at":  formatTime(p.InitiatedAt),
		"metadata_json": meta,
	})
	if err != nil {
		return oops.With("process_id", p.ID).Wrapf(err, "insert business process")
	}
	return nil
}

func (s *SQLProcessStore) CompleteProcess(ctx context.Context, id string, outcome accesscontrol.ProcessOutcome, notes string, completedAt time.Time) error {
	q := `UPDATE business_processes SET status = :completed, outcome = :outcome, notes = :notes, completed_at = :completed_at WHERE id = :id AND status = :initiated`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"completed":    string(accesscontrol.ProcessCompleted),
		"initiated":    string(accesscontrol.ProcessInitiated),
		"outcome":      string(outcome),
		"notes":        notes,
		"completed_at": formatTime(completedAt),
		"id":           id,
	})
	if err != nil {
		return oops.With("process_id", id).Wrapf(err, "complete business process")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return oops.With("process_id", id).Wrapf(err, "read affected rows")
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetProcess(ctx, id); err != nil {
		return err
	}
	return accesscontrol.ProcessAlreadyCompleted(id)
}

func (s *SQLProcessStore) GetProcess(ctx context.Context, id string) (*accesscontrol.BusinessProcess, error) {
	q := `SELECT id, process_type, workstream_id, status, initiated_by, initiated_at, outcome, notes, metadata_json, completed_at FROM business_processes WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, oops.With("process_id", id).Wrapf(err, "query business process")
	}
	defer r.Close()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, oops.With("process_id", id).Wrapf(err, "query business process")
		}
		return nil, accesscontrol.ProcessNotFound(id)
	}
	var p accesscontrol.BusinessProcess
	var status, outcome string
	var initiated, completed any
	var meta sql.NullString
	if err := r.Scan(&p.ID, &p.Type, &p.WorkstreamID, &status, &p.InitiatedBy, &initiated, &outcome, &p.Notes, &meta, &completed); err != nil {
		return nil, oops.With("process_id", id).Wrapf(err, "scan business process")
	}
	p.Status = accesscontrol.ProcessStatus(status)
	p.Outcome = accesscontrol.ProcessOutcome(outcome)
	if p.InitiatedAt, err = scanTime(initiated); err != nil {
		return nil, oops.With("process_id", id).Wrapf(err, "parse initiated_at")
	}
	if completed != nil {
		at, err := scanTime(completed)
		if err != nil {
			return nil, oops.With("process_id", id).Wrapf(err, "parse completed_at")
		}
		p.CompletedAt = &at
	}
	if err := unmarshalJSON(meta.String, &p.Metadata); err != nil {
		return nil, oops.With("process_id", id).Wrapf(err, "decode metadata")
	}
	return &p, nil
}

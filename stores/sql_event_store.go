package stores

import (
	"context"
	"database/sql"
	"strings"

	"github.com/oarkflow/squealx"
	"github.com/samber/oops"

	"github.com/oarkflow/accesscontrol"
)

// SQLEventStore is the sqlite ledger. sequence_number is an AUTOINCREMENT
// rowid and triggers reject UPDATE and DELETE on business_events.
type SQLEventStore struct {
	db *squealx.DB
}

func NewSQLEventStore(db *squealx.DB) *SQLEventStore {
	return &SQLEventStore{db: db}
}

const eventColumns = `sequence_number, event_id, business_process_id, session_correlation_id, request_correlation_id, workstream_id, event_type, event_category, actor_id, actor_type, occurred_at, recorded_at, payload_json, justification, affected_entities_json`

func (s *SQLEventStore) AppendEvent(ctx context.Context, ev *accesscontrol.BusinessEvent) (int64, error) {
	payload, err := marshalJSON(ev.Payload)
	if err != nil {
		return 0, oops.With("event_id", ev.EventID).Wrapf(err, "encode payload")
	}
	affected, err := marshalJSON(ev.AffectedEntities)
	if err != nil {
		return 0, oops.With("event_id", ev.EventID).Wrapf(err, "encode affected entities")
	}
	q := `INSERT INTO business_events(event_id, business_process_id, session_correlation_id, request_correlation_id, workstream_id, event_type, event_category, actor_id, actor_type, occurred_at, recorded_at, payload_json, justification, affected_entities_json)
VALUES(:event_id, :business_process_id, :session_correlation_id, :request_correlation_id, :workstream_id, :event_type, :event_category, :actor_id, :actor_type, :occurred_at, :recorded_at, :payload_json, :justification, :affected_entities_json)`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"event_id":               ev.EventID,
		"business_process_id":    ev.BusinessProcessID,
		"session_correlation_id": ev.SessionCorrelationID,
		"request_correlation_id": ev.RequestCorrelationID,
		"workstream_id":          ev.WorkstreamID,
		"event_type":             ev.EventType,
		"event_category":         ev.EventCategory,
		"actor_id":               ev.ActorID,
		"actor_type":             ev.ActorType,
		"occurred_at":            formatTime(ev.OccurredAt),
		"recorded_at":            formatTime(ev.RecordedAt),
		"payload_json":           payload,
		"justification":          ev.Justification,
		"affected_entities_json": affected,
	})
	if err != nil {
		return 0, ClassifyLedgerError(err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, oops.With("event_id", ev.EventID).Wrapf(err, "read sequence number")
	}
	ev.SequenceNumber = seq
	return seq, nil
}

func (s *SQLEventStore) ListEvents(ctx context.Context, filter accesscontrol.EventFilter) ([]*accesscontrol.BusinessEvent, error) {
	var where []string
	params := map[string]any{"after": filter.AfterSequence}
	where = append(where, "sequence_number > :after")
	if filter.WorkstreamID != "" {
		where = append(where, "workstream_id = :workstream_id")
		params["workstream_id"] = filter.WorkstreamID
	}
	if filter.BusinessProcessID != "" {
		where = append(where, "business_process_id = :business_process_id")
		params["business_process_id"] = filter.BusinessProcessID
	}
	if filter.EventType != "" {
		where = append(where, "event_type = :event_type")
		params["event_type"] = filter.EventType
	}
	q := `SELECT ` + eventColumns + ` FROM business_events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY sequence_number`
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, oops.Wrapf(err, "list business events")
	}
	defer r.Close()
	out := make([]*accesscontrol.BusinessEvent, 0)
	for r.Next() {
		var ev accesscontrol.BusinessEvent
		var occurred, recorded any
		var payload, affected sql.NullString
		if err := r.Scan(&ev.SequenceNumber, &ev.EventID, &ev.BusinessProcessID, &ev.SessionCorrelationID,
			&ev.RequestCorrelationID, &ev.WorkstreamID, &ev.EventType, &ev.EventCategory, &ev.ActorID,
			&ev.ActorType, &occurred, &recorded, &payload, &ev.Justification, &affected); err != nil {
			return nil, oops.Wrapf(err, "scan business event")
		}
		if ev.OccurredAt, err = scanTime(occurred); err != nil {
			return nil, oops.With("event_id", ev.EventID).Wrapf(err, "parse occurred_at")
		}
		if ev.RecordedAt, err = scanTime(recorded); err != nil {
			return nil, oops.With("event_id", ev.EventID).Wrapf(err, "parse recorded_at")
		}
		if err := unmarshalJSON(payload.String, &ev.Payload); err != nil {
			return nil, oops.With("event_id", ev.EventID).Wrapf(err, "decode payload")
		}
		if err := unmarshalJSON(affected.String, &ev.AffectedEntities); err != nil {
			return nil, oops.With("event_id", ev.EventID).Wrapf(err, "decode affected entities")
		}
		out = append(out, &ev)
	}
	if err := r.Err(); err != nil {
		return nil, oops.Wrapf(err, "iterate business events")
	}
	return out, nil
}

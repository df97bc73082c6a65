package stores

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/oarkflow/accesscontrol"
)

//go:embed pg_migrations.sql
var pgMigrationsSQL string

// pgPool is the subset of *pgxpool.Pool the ledger uses. pgxmock pools
// satisfy it too.
type pgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGEventStore is the Postgres ledger. sequence_number is an identity column
// and a plpgsql trigger rejects UPDATE, DELETE and TRUNCATE.
type PGEventStore struct {
	pool pgPool
}

func NewPGEventStore(pool pgPool) *PGEventStore {
	return &PGEventStore{pool: pool}
}

// MigratePG creates the ledger table and its triggers.
func MigratePG(ctx context.Context, pool pgPool) error {
	if _, err := pool.Exec(ctx, pgMigrationsSQL); err != nil {
		return oops.With("operation", "migrate postgres ledger").Wrap(err)
	}
	return nil
}

// ClassifyPGError maps the immutability trigger's RAISE EXCEPTION to
// EVENT_IMMUTABLE.
func ClassifyPGError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.RaiseException &&
		strings.Contains(pgErr.Message, accesscontrol.ImmutableEventMessage()) {
		return oops.Code(accesscontrol.CodeEventImmutable).Wrap(err)
	}
	return err
}

const pgInsertEvent = `INSERT INTO business_events (event_id, business_process_id, session_correlation_id, request_correlation_id, workstream_id, event_type, event_category, actor_id, actor_type, occurred_at, recorded_at, payload, justification, affected_entities)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING sequence_number`

func (s *PGEventStore) AppendEvent(ctx context.Context, ev *accesscontrol.BusinessEvent) (int64, error) {
	payload, err := marshalJSON(ev.Payload)
	if err != nil {
		return 0, oops.With("event_id", ev.EventID).Wrapf(err, "encode payload")
	}
	affected, err := marshalJSON(ev.AffectedEntities)
	if err != nil {
		return 0, oops.With("event_id", ev.EventID).Wrapf(err, "encode affected entities")
	}
	var seq int64
	err = s.pool.QueryRow(ctx, pgInsertEvent,
		ev.EventID, ev.BusinessProcessID, ev.SessionCorrelationID, ev.RequestCorrelationID,
		ev.WorkstreamID, ev.EventType, ev.EventCategory, ev.ActorID, ev.ActorType,
		ev.OccurredAt.UTC(), ev.RecordedAt.UTC(), nullableJSON(payload), ev.Justification, nullableJSON(affected),
	).Scan(&seq)
	if err != nil {
		return 0, ClassifyPGError(oops.With("event_id", ev.EventID).Wrap(err))
	}
	ev.SequenceNumber = seq
	return seq, nil
}

func (s *PGEventStore) ListEvents(ctx context.Context, filter accesscontrol.EventFilter) ([]*accesscontrol.BusinessEvent, error) {
	args := []any{filter.AfterSequence}
	where := []string{"sequence_number > $1"}
	add := func(column string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.WorkstreamID != "" {
		add("workstream_id", filter.WorkstreamID)
	}
	if filter.BusinessProcessID != "" {
		add("business_process_id", filter.BusinessProcessID)
	}
	if filter.EventType != "" {
		add("event_type", filter.EventType)
	}
	q := `SELECT sequence_number, event_id, business_process_id, session_correlation_id, request_correlation_id, workstream_id, event_type, event_category, actor_id, actor_type, occurred_at, recorded_at, payload, justification, affected_entities FROM business_events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY sequence_number`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, oops.With("operation", "list business events").Wrap(err)
	}
	defer rows.Close()

	out := make([]*accesscontrol.BusinessEvent, 0)
	for rows.Next() {
		var ev accesscontrol.BusinessEvent
		var payload, affected []byte
		if err := rows.Scan(&ev.SequenceNumber, &ev.EventID, &ev.BusinessProcessID, &ev.SessionCorrelationID,
			&ev.RequestCorrelationID, &ev.WorkstreamID, &ev.EventType, &ev.EventCategory, &ev.ActorID,
			&ev.ActorType, &ev.OccurredAt, &ev.RecordedAt, &payload, &ev.Justification, &affected); err != nil {
			return nil, oops.With("operation", "scan business event").Wrap(err)
		}
		ev.OccurredAt = ev.OccurredAt.UTC()
		ev.RecordedAt = ev.RecordedAt.UTC()
		if err := unmarshalJSON(string(payload), &ev.Payload); err != nil {
			return nil, oops.With("event_id", ev.EventID).Wrapf(err, "decode payload")
		}
		if err := unmarshalJSON(string(affected), &ev.AffectedEntities); err != nil {
			return nil, oops.With("event_id", ev.EventID).Wrapf(err, "decode affected entities")
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.With("operation", "iterate business events").Wrap(err)
	}
	return out, nil
}

func nullableJSON(raw string) any {
	if raw == "" {
		return nil
	}
	return raw
}

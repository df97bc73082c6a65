package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/accesscontrol"
)

func testEvent() *accesscontrol.BusinessEvent {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return &accesscontrol.BusinessEvent{
		EventID: "01HZX", WorkstreamID: "loans", EventType: "LoanApproved", EventCategory: "BusinessProcess",
		ActorID: "u1", ActorType: accesscontrol.ActorTypeUser, OccurredAt: at, RecordedAt: at,
		RequestCorrelationID: "req-1", Payload: map[string]any{"amount": 100000},
	}
}

func TestPGEventStore_AppendEvent(t *testing.T) {
	tests := []struct {
		name          string
		setupMock     func(mock pgxmock.PgxPoolIface)
		wantSeq       int64
		wantErr       bool
		wantImmutable bool
	}{
		{
			name: "returns identity sequence",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO business_events`).
					WithArgs("01HZX", "", "", "req-1", "loans", "LoanApproved", "BusinessProcess", "u1", "User",
						pgxmock.AnyArg(), pgxmock.AnyArg(), `{"amount":100000}`, "", nil).
					WillReturnRows(pgxmock.NewRows([]string{"sequence_number"}).AddRow(int64(42)))
			},
			wantSeq: 42,
		},
		{
			name: "trigger rejection is classified",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO business_events`).
					WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
						pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
						pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
					WillReturnError(&pgconn.PgError{Code: pgerrcode.RaiseException, Message: "business events are immutable"})
			},
			wantErr:       true,
			wantImmutable: true,
		},
		{
			name: "connection error passes through",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO business_events`).
					WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
						pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
						pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err, "failed to create mock")
			defer mock.Close()
			tt.setupMock(mock)

			ev := testEvent()
			seq, err := NewPGEventStore(mock).AppendEvent(context.Background(), ev)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantImmutable, accesscontrol.IsImmutabilityViolation(err))
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantSeq, seq)
				assert.Equal(t, tt.wantSeq, ev.SequenceNumber)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPGEventStore_ListEvents(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cols := []string{"sequence_number", "event_id", "business_process_id", "session_correlation_id",
		"request_correlation_id", "workstream_id", "event_type", "event_category", "actor_id", "actor_type",
		"occurred_at", "recorded_at", "payload", "justification", "affected_entities"}
	rows := pgxmock.NewRows(cols).
		AddRow(int64(5), "e5", "p-1", "", "req-1", "loans", "ProcessCompleted", "BusinessProcess", "u1", "User",
			at, at, []byte(`{"outcome":"Approved"}`), "fine", []byte(`["Loan/1"]`)).
		AddRow(int64(9), "e9", "p-1", "", "req-2", "loans", "AccessDecision", "Authorization", "u1", "User",
			at, at, []byte(nil), "", []byte(nil))
	mock.ExpectQuery(`SELECT .* FROM business_events WHERE sequence_number > \$1 AND workstream_id = \$2 AND business_process_id = \$3 ORDER BY sequence_number LIMIT \$4`).
		WithArgs(int64(4), "loans", "p-1", 10).
		WillReturnRows(rows)

	events, err := NewPGEventStore(mock).ListEvents(context.Background(), accesscontrol.EventFilter{
		WorkstreamID: "loans", BusinessProcessID: "p-1", AfterSequence: 4, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(5), events[0].SequenceNumber)
	assert.Equal(t, "Approved", events[0].Payload["outcome"])
	assert.Equal(t, []string{"Loan/1"}, events[0].AffectedEntities)
	assert.Nil(t, events[1].Payload)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigratePG(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS business_events`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, MigratePG(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyPGErrorIgnoresOtherErrors(t *testing.T) {
	err := ClassifyPGError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, Message: "duplicate key"})
	assert.False(t, accesscontrol.IsImmutabilityViolation(err))
}

package accesscontrol

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oarkflow/accesscontrol/logger"
)

// Event categories used by the service itself.
const (
	CategoryAuthorization   = "Authorization"
	CategoryBusinessProcess = "BusinessProcess"

	EventAccessDecision   = "AccessDecision"
	EventProcessInitiated = "ProcessInitiated"
	EventProcessCompleted = "ProcessCompleted"

	ActorTypeUser   = "User"
	ActorTypeSystem = "System"
)

// BusinessEvent is an immutable ledger record. SequenceNumber is assigned by
// the storage engine at commit time.
type BusinessEvent struct {
	EventID              string         `json:"eventId"`
	SequenceNumber       int64          `json:"sequenceNumber"`
	BusinessProcessID    string         `json:"businessProcessId,omitempty"`
	SessionCorrelationID string         `json:"sessionCorrelationId,omitempty"`
	RequestCorrelationID string         `json:"requestCorrelationId"`
	WorkstreamID         string         `json:"workstreamId"`
	EventType            string         `json:"eventType"`
	EventCategory        string         `json:"eventCategory"`
	ActorID              string         `json:"actorId"`
	ActorType            string         `json:"actorType"`
	OccurredAt           time.Time      `json:"occurredAt"`
	RecordedAt           time.Time      `json:"recordedAt"`
	Payload              map[string]any `json:"payload,omitempty"`
	Justification        string         `json:"justification,omitempty"`
	AffectedEntities     []string       `json:"affectedEntities,omitempty"`
}

// EventFilter selects events in ascending sequence order. Zero fields do
// not filter; Limit <= 0 means no limit.
type EventFilter struct {
	WorkstreamID      string
	BusinessProcessID string
	EventType         string
	AfterSequence     int64
	Limit             int
}

// Matches applies the filter to a single event. Stores without a query
// language use it.
func (f EventFilter) Matches(ev *BusinessEvent) bool {
	if ev == nil {
		return false
	}
	if f.WorkstreamID != "" && ev.WorkstreamID != f.WorkstreamID {
		return false
	}
	if f.BusinessProcessID != "" && ev.BusinessProcessID != f.BusinessProcessID {
		return false
	}
	if f.EventType != "" && ev.EventType != f.EventType {
		return false
	}
	return ev.SequenceNumber > f.AfterSequence
}

// EventStore persists events. AppendEvent must assign the sequence number
// with the storage engine's atomic increment and must offer no update or
// delete path.
type EventStore interface {
	AppendEvent(ctx context.Context, ev *BusinessEvent) (int64, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*BusinessEvent, error)
}

// EventLedger is the append-only business event ledger.
type EventLedger struct {
	store EventStore
	log   logger.Logger
}

func NewEventLedger(store EventStore, log logger.Logger) (*EventLedger, error) {
	if store == nil {
		return nil, invalidArgument("event store is required")
	}
	return &EventLedger{store: store, log: logger.OrNull(log)}, nil
}

// Append validates ev, fills its identifiers and timestamps from ctx and
// commits it. The returned sequence number is strictly greater than that of
// every event committed before.
func (l *EventLedger) Append(ctx context.Context, ev BusinessEvent) (int64, error) {
	ctx, span := tracer.Start(ctx, "accesscontrol.Ledger.Append", trace.WithAttributes(
		attribute.String("accesscontrol.event_type", ev.EventType),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	corr := CorrelationFrom(ctx)
	if ev.RequestCorrelationID == "" {
		ev.RequestCorrelationID = corr.RequestID
	}
	if ev.SessionCorrelationID == "" {
		ev.SessionCorrelationID = corr.SessionID
	}
	if ev.BusinessProcessID == "" {
		ev.BusinessProcessID = corr.BusinessProcessID
	}
	if ev.WorkstreamID == "" {
		ev.WorkstreamID = corr.WorkstreamID
	}
	if err := validateEvent(&ev); err != nil {
		ledgerAppendCounter.WithLabelValues("invalid").Inc()
		return 0, err
	}
	now := Now(ctx)
	if ev.EventID == "" {
		ev.EventID = ulid.Make().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	ev.RecordedAt = now
	ev.SequenceNumber = 0

	seq, err := l.store.AppendEvent(ctx, &ev)
	if err != nil {
		ledgerAppendCounter.WithLabelValues("error").Inc()
		span.RecordError(err)
		l.log.Error("append business event failed",
			"event_type", ev.EventType, "workstream", ev.WorkstreamID,
			"request_id", ev.RequestCorrelationID, "error", err)
		return 0, oops.With("event_id", ev.EventID).With("event_type", ev.EventType).Wrap(err)
	}
	ledgerAppendCounter.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Int64("accesscontrol.sequence_number", seq))
	l.log.Debug("business event appended", "event_id", ev.EventID, "sequence", seq, "event_type", ev.EventType)
	return seq, nil
}

// Events returns committed events in sequence order.
func (l *EventLedger) Events(ctx context.Context, filter EventFilter) ([]*BusinessEvent, error) {
	if filter.AfterSequence < 0 {
		return nil, invalidArgument("after sequence must not be negative")
	}
	return l.store.ListEvents(ctx, filter)
}

// RecordDecision appends an AccessDecision event for res.
func (l *EventLedger) RecordDecision(ctx context.Context, actor Identity, res *DecisionResult) error {
	if res == nil {
		return nil
	}
	actorID := actor.UserID
	actorType := ActorTypeUser
	if actorID == "" {
		actorID, actorType = "anonymous", ActorTypeSystem
	}
	payload := map[string]any{
		"resource": res.Resource,
		"action":   res.Action,
		"allowed":  res.Allowed,
		"outcome":  string(res.Outcome),
	}
	if res.Reason != "" {
		payload["reason"] = res.Reason
	}
	if res.MatchedBy != "" {
		payload["matchedBy"] = res.MatchedBy
	}
	_, err := l.Append(ctx, BusinessEvent{
		WorkstreamID:     res.WorkstreamID,
		EventType:        EventAccessDecision,
		EventCategory:    CategoryAuthorization,
		ActorID:          actorID,
		ActorType:        actorType,
		Payload:          payload,
		AffectedEntities: []string{res.Resource},
	})
	return err
}

func validateEvent(ev *BusinessEvent) error {
	var missing []string
	if strings.TrimSpace(ev.EventType) == "" {
		missing = append(missing, "eventType")
	}
	if strings.TrimSpace(ev.WorkstreamID) == "" {
		missing = append(missing, "workstreamId")
	}
	if strings.TrimSpace(ev.ActorID) == "" {
		missing = append(missing, "actorId")
	}
	if len(missing) > 0 {
		return oops.Code(CodeInvalidArgument).
			With("missing", missing).
			Errorf("business event is missing %s", strings.Join(missing, ", "))
	}
	if ev.EventCategory == "" {
		ev.EventCategory = "General"
	}
	if ev.ActorType == "" {
		ev.ActorType = ActorTypeUser
	}
	return nil
}

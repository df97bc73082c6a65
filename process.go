package accesscontrol

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/oarkflow/accesscontrol/logger"
)

type ProcessStatus string

const (
	ProcessInitiated ProcessStatus = "Initiated"
	ProcessCompleted ProcessStatus = "Completed"
)

type ProcessOutcome string

const (
	ProcessApproved  ProcessOutcome = "Approved"
	ProcessDenied    ProcessOutcome = "Denied"
	ProcessCancelled ProcessOutcome = "Cancelled"
	ProcessWithdrawn ProcessOutcome = "Withdrawn"
	ProcessFailed    ProcessOutcome = "Failed"
)

// Valid reports whether o is a known outcome.
func (o ProcessOutcome) Valid() bool {
	switch o {
	case ProcessApproved, ProcessDenied, ProcessCancelled, ProcessWithdrawn, ProcessFailed:
		return true
	}
	return false
}

// BusinessProcess is a long-lived transaction spanning several decisions and
// events. It moves from Initiated to Completed once and is never reopened.
type BusinessProcess struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	WorkstreamID string         `json:"workstreamId"`
	Status       ProcessStatus  `json:"status"`
	InitiatedBy  string         `json:"initiatedBy"`
	InitiatedAt  time.Time      `json:"initiatedAt"`
	Outcome      ProcessOutcome `json:"outcome,omitempty"`
	Notes        string         `json:"notes,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

// ProcessStore persists processes. CompleteProcess must perform the
// Initiated -> Completed transition atomically and report PROCESS_NOT_FOUND
// or PROCESS_STATE through the error codes.
type ProcessStore interface {
	CreateProcess(ctx context.Context, p *BusinessProcess) error
	CompleteProcess(ctx context.Context, id string, outcome ProcessOutcome, notes string, completedAt time.Time) error
	GetProcess(ctx context.Context, id string) (*BusinessProcess, error)
}

// ProcessNotFound builds the error stores return for an unknown id.
func ProcessNotFound(id string) error {
	return oops.Code(CodeProcessNotFound).With("process_id", id).Errorf("business process %s not found", id)
}

// ProcessAlreadyCompleted builds the error stores return for a repeated
// completion.
func ProcessAlreadyCompleted(id string) error {
	return oops.Code(CodeProcessState).With("process_id", id).Errorf("business process %s is already completed", id)
}

// ProcessManager drives the business process lifecycle and, when a ledger is
// attached, records each transition as an event.
type ProcessManager struct {
	store  ProcessStore
	ledger *EventLedger
	names  ClaimNames
	log    logger.Logger
}

func NewProcessManager(store ProcessStore, ledger *EventLedger, log logger.Logger) (*ProcessManager, error) {
	if store == nil {
		return nil, invalidArgument("process store is required")
	}
	return &ProcessManager{store: store, ledger: ledger, names: DefaultClaimNames(), log: logger.OrNull(log)}, nil
}

// SetClaimNames changes the claim the initiating user id is read from.
func (m *ProcessManager) SetClaimNames(n ClaimNames) { m.names = n.withDefaults() }

// InitiateProcess creates a process in the Initiated state and returns its
// id. Callers thread the id into the context with WithBusinessProcessID.
func (m *ProcessManager) InitiateProcess(ctx context.Context, processType, workstreamID string, metadata map[string]any) (string, error) {
	if strings.TrimSpace(processType) == "" {
		return "", invalidArgument("process type is required")
	}
	if workstreamID == "" {
		workstreamID = WorkstreamID(ctx)
	}
	if workstreamID == "" {
		return "", invalidArgument("workstream is required")
	}
	actor := actorFromContext(ctx, m.names)
	p := &BusinessProcess{
		ID:           uuid.NewString(),
		Type:         processType,
		WorkstreamID: workstreamID,
		Status:       ProcessInitiated,
		InitiatedBy:  actor,
		InitiatedAt:  Now(ctx),
		Metadata:     metadata,
	}
	if err := m.store.CreateProcess(ctx, p); err != nil {
		return "", oops.With("process_type", processType).With("workstream_id", workstreamID).Wrap(err)
	}
	m.log.Info("business process initiated", "process_id", p.ID, "type", processType, "workstream", workstreamID)
	if m.ledger != nil {
		_, err := m.ledger.Append(WithBusinessProcessID(ctx, p.ID), BusinessEvent{
			WorkstreamID:  workstreamID,
			EventType:     EventProcessInitiated,
			EventCategory: CategoryBusinessProcess,
			ActorID:       actor,
			ActorType:     actorType(actor),
			Payload:       map[string]any{"processType": processType, "metadata": metadata},
		})
		if err != nil {
			return p.ID, err
		}
	}
	return p.ID, nil
}

// CompleteProcess moves an Initiated process to Completed. Completing an
// unknown or an already completed process is an error.
func (m *ProcessManager) CompleteProcess(ctx context.Context, processID string, outcome ProcessOutcome, notes string) error {
	if processID == "" {
		return invalidArgument("process id is required")
	}
	if !outcome.Valid() {
		return invalidArgument("unknown process outcome %q", outcome)
	}
	now := Now(ctx)
	if err := m.store.CompleteProcess(ctx, processID, outcome, notes, now); err != nil {
		m.log.Warn("complete business process rejected", "process_id", processID, "code", ErrorCode(err), "error", err)
		return err
	}
	m.log.Info("business process completed", "process_id", processID, "outcome", string(outcome))
	if m.ledger == nil {
		return nil
	}
	p, err := m.store.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	actor := actorFromContext(ctx, m.names)
	_, err = m.ledger.Append(WithBusinessProcessID(ctx, processID), BusinessEvent{
		WorkstreamID:  p.WorkstreamID,
		EventType:     EventProcessCompleted,
		EventCategory: CategoryBusinessProcess,
		ActorID:       actor,
		ActorType:     actorType(actor),
		Payload:       map[string]any{"outcome": string(outcome), "processType": p.Type},
		Justification: notes,
	})
	return err
}

func (m *ProcessManager) GetProcess(ctx context.Context, processID string) (*BusinessProcess, error) {
	return m.store.GetProcess(ctx, processID)
}

// actorFromContext returns the user id from the request claims, or
// "system" for background callers.
func actorFromContext(ctx context.Context, names ClaimNames) string {
	if claims := Claims(ctx); claims != nil {
		if id, err := IdentityFromClaims(claims, names); err == nil {
			return id.UserID
		}
	}
	return "system"
}

func actorType(actor string) string {
	if actor == "system" {
		return ActorTypeSystem
	}
	return ActorTypeUser
}

package accesscontrol

import (
	"sort"
	"sync"
)

// VerdictKind is the three-way answer of an attribute evaluator.
type VerdictKind uint8

const (
	verdictInvalid VerdictKind = iota
	VerdictAllow
	VerdictDeny
	// VerdictDefer means no rule applied; the RBAC grant stands.
	VerdictDefer
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictAllow:
		return "allow"
	case VerdictDeny:
		return "deny"
	case VerdictDefer:
		return "defer"
	}
	return "invalid"
}

// Verdict is returned by an Evaluator. The zero value is invalid and is
// treated as an evaluator failure.
type Verdict struct {
	Kind VerdictKind
	// Reason is internal detail for logs.
	Reason string
	// UserMessage is surfaced to the caller on a deny.
	UserMessage string
}

func Allow(reason string) Verdict { return Verdict{Kind: VerdictAllow, Reason: reason} }

func Deny(internalReason, userMessage string) Verdict {
	return Verdict{Kind: VerdictDeny, Reason: internalReason, UserMessage: userMessage}
}

func Defer() Verdict { return Verdict{Kind: VerdictDefer} }

func (v Verdict) valid() bool {
	return v.Kind == VerdictAllow || v.Kind == VerdictDeny || v.Kind == VerdictDefer
}

// Evaluator inspects an attribute context for one workstream. It must be a
// pure function of its input: no side effects and no I/O beyond what the
// context already holds.
type Evaluator interface {
	Evaluate(ac *AbacContext, resource, action string) (Verdict, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ac *AbacContext, resource, action string) (Verdict, error)

func (f EvaluatorFunc) Evaluate(ac *AbacContext, resource, action string) (Verdict, error) {
	return f(ac, resource, action)
}

// EvaluatorRegistry maps workstream ids to evaluators.
type EvaluatorRegistry struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

func NewEvaluatorRegistry() *EvaluatorRegistry {
	return &EvaluatorRegistry{evaluators: make(map[string]Evaluator)}
}

// Register installs ev for workstreamID, replacing any previous evaluator.
// A nil evaluator removes the registration.
func (r *EvaluatorRegistry) Register(workstreamID string, ev Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev == nil {
		delete(r.evaluators, workstreamID)
		return
	}
	r.evaluators[workstreamID] = ev
}

func (r *EvaluatorRegistry) Lookup(workstreamID string) (Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.evaluators[workstreamID]
	return ev, ok
}

// Workstreams lists the workstreams with a registered evaluator.
func (r *EvaluatorRegistry) Workstreams() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.evaluators))
	for ws := range r.evaluators {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out
}

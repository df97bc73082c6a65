package accesscontrol

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/accesscontrol/logger"
)

var tracer = otel.Tracer("github.com/oarkflow/accesscontrol")

// DefaultDenyReason is returned whenever a check fails internally. It never
// carries internal detail.
const DefaultDenyReason = "access denied: unable to evaluate request"

type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
	// OutcomeAborted is neither a grant nor a denial: the caller cancelled.
	OutcomeAborted Outcome = "aborted"
)

// CheckRequest is the input of a single decision.
type CheckRequest struct {
	Resource     string `json:"resource"`
	Action       string `json:"action"`
	WorkstreamID string `json:"workstreamId,omitempty"`
	// EntityData is the caller-supplied resource payload. A non-nil map, even
	// an empty one, enables attribute evaluation and disables caching.
	EntityData map[string]any `json:"entityData,omitempty"`
}

type CheckItem struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

type BatchCheckRequest struct {
	WorkstreamID string      `json:"workstreamId"`
	Checks       []CheckItem `json:"checks"`
}

// DecisionResult is the answer for one (resource, action) pair.
type DecisionResult struct {
	Resource     string  `json:"resource"`
	Action       string  `json:"action"`
	Allowed      bool    `json:"allowed"`
	Reason       string  `json:"reason,omitempty"`
	WorkstreamID string  `json:"workstreamId"`
	Outcome      Outcome `json:"outcome,omitempty"`
	MatchedBy    string  `json:"-"`

	// failed marks a deny produced by an internal failure rather than by
	// policy. Such results are never cached.
	failed bool
}

// Checker is implemented by Engine and by CachingChecker.
type Checker interface {
	Check(ctx context.Context, req CheckRequest) (*DecisionResult, error)
	CheckBatch(ctx context.Context, workstreamID string, items []CheckItem) ([]*DecisionResult, error)
}

// DecisionRecorder receives every final decision. EventLedger implements it.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, actor Identity, res *DecisionResult) error
}

// Engine combines the RBAC verdict with the workstream's attribute evaluator.
// ABAC can only narrow an RBAC grant; it is never consulted after an RBAC
// deny. Every internal failure resolves to a deny.
type Engine struct {
	matcher           *RbacMatcher
	groups            GroupSource
	users             UserAttributeStore
	hours             BusinessHours
	attrs             *AttributeContextBuilder
	evaluators        *EvaluatorRegistry
	recorder          DecisionRecorder
	log               logger.Logger
	defaultWorkstream string
	denyReason        string
	batchWorkers      int
}

type EngineOption func(*Engine) error

func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		e.log = logger.OrNull(l)
		return nil
	}
}

func WithUserAttributeStore(s UserAttributeStore) EngineOption {
	return func(e *Engine) error {
		e.users = s
		return nil
	}
}

func WithBusinessHours(h BusinessHours) EngineOption {
	return func(e *Engine) error {
		if h.EndHour < h.StartHour || h.StartHour < 0 || h.EndHour > 24 {
			return invalidArgument("invalid business hours %d-%d", h.StartHour, h.EndHour)
		}
		e.hours = h
		return nil
	}
}

func WithEvaluatorRegistry(r *EvaluatorRegistry) EngineOption {
	return func(e *Engine) error {
		if r != nil {
			e.evaluators = r
		}
		return nil
	}
}

func WithDecisionRecorder(r DecisionRecorder) EngineOption {
	return func(e *Engine) error {
		e.recorder = r
		return nil
	}
}

// WithDefaultWorkstream is used when neither the request nor the
// correlation context names a workstream.
func WithDefaultWorkstream(id string) EngineOption {
	return func(e *Engine) error {
		e.defaultWorkstream = id
		return nil
	}
}

func WithDenyReason(reason string) EngineOption {
	return func(e *Engine) error {
		if reason != "" {
			e.denyReason = reason
		}
		return nil
	}
}

func WithBatchWorkers(n int) EngineOption {
	return func(e *Engine) error {
		if n > 0 {
			e.batchWorkers = n
		}
		return nil
	}
}

func NewEngine(policies PolicyStore, groups GroupSource, opts ...EngineOption) (*Engine, error) {
	if policies == nil {
		return nil, invalidArgument("policy store is required")
	}
	if groups == nil {
		return nil, invalidArgument("group source is required")
	}
	e := &Engine{
		groups:       groups,
		hours:        DefaultBusinessHours(),
		evaluators:   NewEvaluatorRegistry(),
		log:          logger.NewNullLogger(),
		denyReason:   DefaultDenyReason,
		batchWorkers: 4,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	e.matcher = NewRbacMatcher(policies, e.log)
	e.attrs = NewAttributeContextBuilder(e.users, e.hours)
	return e, nil
}

// Evaluators exposes the registry so callers can register workstream rules.
func (e *Engine) Evaluators() *EvaluatorRegistry { return e.evaluators }

// Check answers one request. The error is non-nil only when ctx was
// cancelled, in which case the result has OutcomeAborted.
func (e *Engine) Check(ctx context.Context, req CheckRequest) (*DecisionResult, error) {
	ws := e.resolveWorkstream(ctx, req.WorkstreamID)
	ctx, span := tracer.Start(ctx, "accesscontrol.Check", trace.WithAttributes(
		attribute.String("accesscontrol.workstream", ws),
		attribute.String("accesscontrol.resource", req.Resource),
		attribute.String("accesscontrol.action", req.Action),
		attribute.Bool("accesscontrol.entity_data", req.EntityData != nil),
	))
	defer span.End()

	res, err := e.run(ctx, req.Resource, req.Action, ws, req.EntityData)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "aborted")
		return res, err
	}
	span.SetAttributes(attribute.Bool("accesscontrol.allowed", res.Allowed))
	return res, nil
}

// CheckBatch evaluates every item independently without entity data. The
// result has one entry per item in input order. A failing item becomes a deny
// for that item only; a cancelled context marks unfinished items aborted and
// returns a CHECK_ABORTED error.
func (e *Engine) CheckBatch(ctx context.Context, workstreamID string, items []CheckItem) ([]*DecisionResult, error) {
	ws := e.resolveWorkstream(ctx, workstreamID)
	ctx, span := tracer.Start(ctx, "accesscontrol.CheckBatch", trace.WithAttributes(
		attribute.String("accesscontrol.workstream", ws),
		attribute.Int("accesscontrol.batch_size", len(items)),
	))
	defer span.End()

	results := make([]*DecisionResult, len(items))
	var g errgroup.Group
	g.SetLimit(e.batchWorkers)
	for i, item := range items {
		g.Go(func() error {
			res, _ := e.run(ctx, item.Resource, item.Action, ws, nil)
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		err := abortedError(ctx, "batch check")
		span.RecordError(err)
		span.SetStatus(codes.Error, "aborted")
		return results, err
	}
	return results, nil
}

func (e *Engine) resolveWorkstream(ctx context.Context, requested string) string {
	if requested != "" {
		return requested
	}
	if ws := WorkstreamID(ctx); ws != "" {
		return ws
	}
	return e.defaultWorkstream
}

func (e *Engine) run(ctx context.Context, resource, action, ws string, entity map[string]any) (*DecisionResult, error) {
	started := time.Now()
	res, actor, aborted := e.decide(ctx, resource, action, ws, entity)
	observeDecision(ws, res.Outcome, started)
	if aborted != nil {
		e.log.Warn("access check aborted",
			"workstream", ws,
			"resource", resource,
			"action", action,
			"request_id", RequestID(ctx),
			"error", aborted,
		)
		return res, aborted
	}
	e.log.Info("access decision",
		"workstream", ws,
		"resource", resource,
		"action", action,
		"allowed", res.Allowed,
		"matched_by", res.MatchedBy,
		"user_id", actor.UserID,
		"request_id", RequestID(ctx),
		"process_id", BusinessProcessID(ctx),
		"reason", res.Reason,
	)
	if e.recorder != nil {
		if err := e.recorder.RecordDecision(ctx, actor, res); err != nil {
			e.log.Error("record decision failed", "workstream", ws, "resource", resource, "error", err)
		}
	}
	return res, nil
}

func (e *Engine) decide(ctx context.Context, resource, action, ws string, entity map[string]any) (res *DecisionResult, actor Identity, aborted error) {
	res = &DecisionResult{Resource: resource, Action: action, WorkstreamID: ws}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic during access check", "workstream", ws, "resource", resource, "panic", fmt.Sprint(r))
			e.fail(res)
		}
	}()

	if ctx.Err() != nil {
		return e.abort(ctx, res), actor, abortedError(ctx, "check")
	}
	if resource == "" || action == "" {
		e.deny(res, "resource and action are required", "")
		return res, actor, nil
	}

	actor, err := e.groups.Identity(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return e.abort(ctx, res), actor, abortedError(ctx, "check")
		}
		e.log.Error("resolve caller identity failed", "workstream", ws, "error", err)
		e.fail(res)
		return res, actor, nil
	}

	subjects := make([]string, 0, len(actor.Groups)+1)
	subjects = append(subjects, actor.UserID)
	subjects = append(subjects, actor.Groups...)
	verdict, err := e.matcher.Resolve(ctx, subjects, resource, action, ws)
	if err != nil {
		if ctx.Err() != nil {
			return e.abort(ctx, res), actor, abortedError(ctx, "check")
		}
		e.log.Error("policy resolution failed",
			"workstream", ws, "resource", resource, "action", action,
			"user_id", actor.UserID, "code", ErrorCode(err), "error", err)
		e.fail(res)
		return res, actor, nil
	}
	matchedBy := ""
	if verdict.Matched != nil {
		matchedBy = verdict.Matched.String()
	}
	if !verdict.Allowed {
		e.deny(res, verdict.Reason, matchedBy)
		return res, actor, nil
	}
	if entity == nil {
		e.allow(res, matchedBy)
		return res, actor, nil
	}

	ac, err := e.attrs.Build(ctx, actor.UserID, ws, resource, entity)
	if err != nil {
		if ctx.Err() != nil {
			return e.abort(ctx, res), actor, abortedError(ctx, "check")
		}
		e.log.Error("build attribute context failed", "workstream", ws, "user_id", actor.UserID, "error", err)
		e.fail(res)
		return res, actor, nil
	}
	ev, ok := e.evaluators.Lookup(ws)
	if !ok {
		e.allow(res, matchedBy)
		return res, actor, nil
	}
	v, err := evaluate(ev, ac, resource, action)
	if ctx.Err() != nil {
		return e.abort(ctx, res), actor, abortedError(ctx, "check")
	}
	if err != nil {
		e.log.Error("attribute evaluator failed",
			"workstream", ws, "resource", resource, "action", action,
			"user_id", actor.UserID, "code", ErrorCode(err), "error", err)
		e.fail(res)
		return res, actor, nil
	}
	switch v.Kind {
	case VerdictDeny:
		e.log.Debug("attribute rule denied access", "workstream", ws, "resource", resource, "reason", v.Reason)
		msg := v.UserMessage
		if msg == "" {
			msg = "access denied by workstream rules"
		}
		e.deny(res, msg, "abac:"+ws)
	default:
		e.allow(res, matchedBy)
	}
	return res, actor, nil
}

// evaluate runs ev and turns panics and malformed verdicts into
// EVALUATOR_FAILED errors.
func evaluate(ev Evaluator, ac *AbacContext, resource, action string) (v Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = evaluatorFailed(ac.WorkstreamID, fmt.Errorf("evaluator panic: %v", r))
		}
	}()
	v, err = ev.Evaluate(ac, resource, action)
	if err != nil {
		return Verdict{}, evaluatorFailed(ac.WorkstreamID, err)
	}
	if !v.valid() {
		return Verdict{}, evaluatorFailed(ac.WorkstreamID, fmt.Errorf("malformed verdict kind %d", v.Kind))
	}
	return v, nil
}

func (e *Engine) allow(res *DecisionResult, matchedBy string) {
	res.Allowed = true
	res.Outcome = OutcomeAllow
	res.Reason = ""
	res.MatchedBy = matchedBy
}

func (e *Engine) deny(res *DecisionResult, reason, matchedBy string) {
	res.Allowed = false
	res.Outcome = OutcomeDeny
	res.Reason = reason
	res.MatchedBy = matchedBy
}

// fail is the fail-secure deny for internal errors.
func (e *Engine) fail(res *DecisionResult) {
	e.deny(res, e.denyReason, "")
	res.failed = true
}

func (e *Engine) abort(ctx context.Context, res *DecisionResult) *DecisionResult {
	res.Allowed = false
	res.Outcome = OutcomeAborted
	res.Reason = "check aborted"
	if err := ctx.Err(); err != nil {
		res.Reason = "check aborted: " + err.Error()
	}
	return res
}

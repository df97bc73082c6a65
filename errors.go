package accesscontrol

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/oops"
)

// Error codes attached with oops.Code. Every authorization-path error
// resolves to a deny before it reaches a caller; the codes exist for logs
// and for the non-decision APIs (processes, ledger).
const (
	CodePolicyResolution = "POLICY_RESOLUTION"
	CodeEvaluatorFailed  = "EVALUATOR_FAILED"
	CodeAttributeLookup  = "ATTRIBUTE_LOOKUP"
	CodeCacheUnavailable = "CACHE_UNAVAILABLE"
	CodeGroupSyncFailed  = "GROUP_SYNC_FAILED"
	CodeEventImmutable   = "EVENT_IMMUTABLE"
	CodeProcessState     = "PROCESS_STATE"
	CodeProcessNotFound  = "PROCESS_NOT_FOUND"
	CodeCheckAborted     = "CHECK_ABORTED"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
)

// immutableEventMessage is raised by the ledger triggers of every SQL schema.
const immutableEventMessage = "business events are immutable"

// ImmutableEventMessage returns the message the storage guards raise when a
// committed event is touched.
func ImmutableEventMessage() string { return immutableEventMessage }

// ErrorCode returns the oops code carried by err, or "" when there is none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code := fmt.Sprint(oopsErr.Code())
	if code == "<nil>" {
		return ""
	}
	return code
}

func hasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// IsAborted reports whether a check stopped because its context was
// cancelled or timed out. Aborted checks are neither allowed nor denied.
func IsAborted(err error) bool {
	if err == nil {
		return false
	}
	if hasCode(err, CodeCheckAborted) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsProcessStateError reports an invalid business process transition:
// completing an unknown or an already completed process.
func IsProcessStateError(err error) bool {
	return hasCode(err, CodeProcessState) || hasCode(err, CodeProcessNotFound)
}

// IsProcessNotFound reports whether err refers to an unknown process id.
func IsProcessNotFound(err error) bool {
	return hasCode(err, CodeProcessNotFound)
}

// IsImmutabilityViolation reports whether err was produced by an attempt to
// change a committed business event.
func IsImmutabilityViolation(err error) bool {
	return hasCode(err, CodeEventImmutable)
}

// IsInvalidArgument reports a rejected input.
func IsInvalidArgument(err error) bool {
	return hasCode(err, CodeInvalidArgument)
}

func abortedError(ctx context.Context, op string) error {
	cause := ctx.Err()
	if cause == nil {
		cause = context.Canceled
	}
	return oops.Code(CodeCheckAborted).With("operation", op).Wrapf(cause, "%s aborted", op)
}

func invalidArgument(format string, args ...any) error {
	return oops.Code(CodeInvalidArgument).Errorf(format, args...)
}

func evaluatorFailed(workstreamID string, err error) error {
	return oops.Code(CodeEvaluatorFailed).With("workstream_id", workstreamID).Wrap(err)
}

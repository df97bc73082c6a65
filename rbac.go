package accesscontrol

import (
	"context"
	"fmt"

	"github.com/samber/oops"

	"github.com/oarkflow/accesscontrol/logger"
	"github.com/oarkflow/accesscontrol/utils"
)

// RbacVerdict is the coarse role-based answer.
type RbacVerdict struct {
	Allowed bool
	Reason  string
	// Matched is the tuple that decided the verdict; nil for a default deny.
	Matched *PolicyTuple
}

// RbacMatcher resolves workstream-scoped allow/deny from policy tuples.
type RbacMatcher struct {
	store PolicyStore
	log   logger.Logger
}

func NewRbacMatcher(store PolicyStore, log logger.Logger) *RbacMatcher {
	return &RbacMatcher{store: store, log: logger.OrNull(log)}
}

// Resolve expands subjects through the grouping tuples, then applies the
// permission tuples that match resource and action: any deny wins, then any
// allow, otherwise the default is deny.
func (m *RbacMatcher) Resolve(ctx context.Context, subjects []string, resource, action, workstreamID string) (RbacVerdict, error) {
	if err := ctx.Err(); err != nil {
		return RbacVerdict{}, err
	}
	if workstreamID == "" {
		return RbacVerdict{}, oops.Code(CodePolicyResolution).Errorf("workstream is required")
	}
	if m.store == nil {
		return RbacVerdict{}, oops.Code(CodePolicyResolution).Errorf("policy store is not configured")
	}
	tuples, err := m.store.ListTuples(ctx, workstreamID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return RbacVerdict{}, ctxErr
		}
		return RbacVerdict{}, oops.Code(CodePolicyResolution).
			With("workstream_id", workstreamID).
			Wrapf(err, "list policy tuples")
	}
	if err := ctx.Err(); err != nil {
		return RbacVerdict{}, err
	}

	roles := m.expand(subjects, tuples, workstreamID)

	var granted *PolicyTuple
	for i := range tuples {
		t := tuples[i]
		if !t.IsActive || t.Type != TuplePermission || !t.AppliesTo(workstreamID) {
			continue
		}
		if t.V0 == "" {
			m.log.Warn("skipping permission tuple without subject", "tuple", t.String(), "tuple_id", t.ID)
			continue
		}
		if _, ok := roles[t.V0]; !ok {
			continue
		}
		effect, ok := t.Effect()
		if !ok || t.V1 == "" || t.V2 == "" {
			return RbacVerdict{}, oops.Code(CodePolicyResolution).
				With("workstream_id", workstreamID).
				With("tuple", t.String()).
				With("tuple_id", t.ID).
				Errorf("malformed permission tuple")
		}
		if !utils.MatchAction(t.V1, action) || !utils.MatchResourcePattern(resource, t.V2) {
			continue
		}
		if effect == EffectDeny {
			return RbacVerdict{
				Allowed: false,
				Reason:  fmt.Sprintf("access to %s denied for role %s", resource, t.V0),
				Matched: &t,
			}, nil
		}
		if granted == nil {
			granted = &t
		}
	}
	if granted != nil {
		return RbacVerdict{
			Allowed: true,
			Reason:  fmt.Sprintf("granted to role %s", granted.V0),
			Matched: granted,
		}, nil
	}
	return RbacVerdict{
		Allowed: false,
		Reason:  fmt.Sprintf("no policy grants %s on %s in workstream %s", action, resource, workstreamID),
	}, nil
}

// expand walks g (member -> role) and g2 (role -> role) edges breadth first.
// The returned set includes the original subjects.
func (m *RbacMatcher) expand(subjects []string, tuples []PolicyTuple, workstreamID string) map[string]struct{} {
	edges := make(map[string][]string)
	for _, t := range tuples {
		if !t.IsActive || (t.Type != TupleGrouping && t.Type != TupleRoleGrouping) || !t.AppliesTo(workstreamID) {
			continue
		}
		if t.V0 == "" || t.V1 == "" {
			m.log.Warn("skipping incomplete grouping tuple", "tuple", t.String(), "tuple_id", t.ID)
			continue
		}
		edges[t.V0] = append(edges[t.V0], t.V1)
	}

	visited := make(map[string]struct{}, len(subjects))
	queue := make([]string, 0, len(subjects))
	for _, s := range subjects {
		if s == "" {
			continue
		}
		if _, seen := visited[s]; seen {
			continue
		}
		visited[s] = struct{}{}
		queue = append(queue, s)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges[cur] {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	return visited
}

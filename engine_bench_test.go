package accesscontrol_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/oarkflow/accesscontrol"
	"github.com/oarkflow/accesscontrol/evaluators"
	"github.com/oarkflow/accesscontrol/stores"
)

func benchEngine(b *testing.B) (*accesscontrol.Engine, context.Context) {
	b.Helper()
	policies := stores.NewMemoryPolicyStore(
		accesscontrol.Grouping("grp-loan-approvers", "loan-approver", "loans"),
		accesscontrol.RoleGrouping("loan-approver", "loan-viewer", "loans"),
		accesscontrol.Permission("loan-viewer", "view", "Loan/*", "loans", accesscontrol.EffectAllow),
		accesscontrol.Permission("loan-approver", "approve", "Loan/*", "loans", accesscontrol.EffectAllow),
	)
	// unrelated workstreams the matcher has to skip
	for i := 0; i < 200; i++ {
		ws := fmt.Sprintf("ws-%d", i)
		policies.Add(
			accesscontrol.Grouping("grp-"+ws, "role-"+ws, ws),
			accesscontrol.Permission("role-"+ws, "view", "Doc/*", ws, accesscontrol.EffectAllow),
		)
	}
	users := stores.NewMemoryUserAttributeStore()
	users.Set("u1", "loans", map[string]any{"ApprovalLimit": 150000, "Region": "North"})

	eng, err := accesscontrol.NewEngine(policies, accesscontrol.NewClaimsGroupSource(accesscontrol.ClaimNames{}),
		accesscontrol.WithUserAttributeStore(users))
	if err != nil {
		b.Fatal(err)
	}
	eng.Evaluators().Register(evaluators.LoansWorkstream, evaluators.NewLoanApprovalEvaluator())
	ctx := accesscontrol.WithClaims(context.Background(), map[string]any{"oid": "u1", "groups": []any{"grp-loan-approvers"}})
	return eng, ctx
}

func BenchmarkCheckRbacOnly(b *testing.B) {
	eng, ctx := benchEngine(b)
	req := accesscontrol.CheckRequest{Resource: "Loan/1", Action: "view", WorkstreamID: "loans"}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = eng.Check(ctx, req)
	}
}

func BenchmarkCheckWithAttributes(b *testing.B) {
	eng, ctx := benchEngine(b)
	req := accesscontrol.CheckRequest{
		Resource:     "Loan/1",
		Action:       "approve",
		WorkstreamID: "loans",
		EntityData:   map[string]any{"RequestedAmount": 100000, "Region": "North"},
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = eng.Check(ctx, req)
	}
}

func BenchmarkCheckCached(b *testing.B) {
	eng, ctx := benchEngine(b)
	cache, err := accesscontrol.NewRistrettoDecisionCache(0, 0, 0)
	if err != nil {
		b.Fatal(err)
	}
	defer cache.Close()
	checker := accesscontrol.NewCachingChecker(eng, cache, time.Minute, accesscontrol.NewClaimsGroupSource(accesscontrol.ClaimNames{}), nil)
	req := accesscontrol.CheckRequest{Resource: "Loan/1", Action: "view", WorkstreamID: "loans"}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = checker.Check(ctx, req)
	}
}

func BenchmarkCheckBatch(b *testing.B) {
	eng, ctx := benchEngine(b)
	items := make([]accesscontrol.CheckItem, 32)
	for i := range items {
		items[i] = accesscontrol.CheckItem{Resource: fmt.Sprintf("Loan/%d", i), Action: "view"}
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = eng.CheckBatch(ctx, "loans", items)
	}
}

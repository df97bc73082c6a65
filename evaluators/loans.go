// Package evaluators holds attribute rule sets for individual workstreams.
package evaluators

import (
	"fmt"
	"strings"

	"github.com/oarkflow/accesscontrol"
)

// LoansWorkstream is the workstream id LoanApprovalEvaluator is registered for.
const LoansWorkstream = "loans"

// Attribute names read by LoanApprovalEvaluator.
const (
	AttrApprovalLimit   = "ApprovalLimit"
	AttrManagementLevel = "ManagementLevel"
	AttrRegion          = "Region"
	AttrRequestedAmount = "RequestedAmount"
)

// LoanApprovalEvaluator narrows loan approvals and disbursements:
//   - amounts above SeniorThreshold need ManagementLevel >= SeniorLevel
//   - the approver needs an ApprovalLimit that covers the amount
//   - approver and application must be in the same region
//   - disbursement only happens during business hours
//
// Other actions defer to RBAC.
type LoanApprovalEvaluator struct {
	SeniorThreshold float64
	SeniorLevel     int64
}

func NewLoanApprovalEvaluator() *LoanApprovalEvaluator {
	return &LoanApprovalEvaluator{SeniorThreshold: 500000, SeniorLevel: 3}
}

func (e *LoanApprovalEvaluator) Evaluate(ac *accesscontrol.AbacContext, resource, action string) (accesscontrol.Verdict, error) {
	if ac == nil {
		return accesscontrol.Verdict{}, fmt.Errorf("nil attribute context")
	}
	switch action {
	case "approve":
		return e.approve(ac)
	case "disburse":
		if !ac.Environment.IsBusinessHours {
			return accesscontrol.Deny("disbursement outside business hours",
				"Loans can only be disbursed during business hours."), nil
		}
		return accesscontrol.Defer(), nil
	}
	return accesscontrol.Defer(), nil
}

func (e *LoanApprovalEvaluator) approve(ac *accesscontrol.AbacContext) (accesscontrol.Verdict, error) {
	amount, ok := ac.Entity.GetNumber(AttrRequestedAmount)
	if !ok {
		return accesscontrol.Deny("entity has no numeric RequestedAmount",
			"The loan application has no requested amount."), nil
	}

	if amount > e.SeniorThreshold {
		level, _ := ac.User.GetInt(AttrManagementLevel)
		if level < e.SeniorLevel {
			return accesscontrol.Deny(
				fmt.Sprintf("amount %.2f above %.2f with management level %d", amount, e.SeniorThreshold, level),
				fmt.Sprintf("Loans above %.0f require senior management approval.", e.SeniorThreshold)), nil
		}
	}

	limit, ok := ac.User.GetNumber(AttrApprovalLimit)
	if !ok {
		return accesscontrol.Deny("user has no ApprovalLimit attribute",
			"You have no approval limit configured for this workstream."), nil
	}
	if amount > limit {
		return accesscontrol.Deny(
			fmt.Sprintf("amount %.2f exceeds limit %.2f", amount, limit),
			fmt.Sprintf("The requested amount exceeds your approval limit of %.0f.", limit)), nil
	}

	if loanRegion, ok := ac.Entity.GetString(AttrRegion); ok && loanRegion != "" {
		userRegion, _ := ac.User.GetString(AttrRegion)
		if !strings.EqualFold(userRegion, loanRegion) {
			return accesscontrol.Deny(
				fmt.Sprintf("user region %q does not match loan region %q", userRegion, loanRegion),
				"You can only approve loans in your own region."), nil
		}
	}
	return accesscontrol.Allow("within approval limit"), nil
}

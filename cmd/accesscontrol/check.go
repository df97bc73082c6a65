package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/oarkflow/accesscontrol"
	"github.com/oarkflow/accesscontrol/service"
)

// callerFlags describe who is asking. A token wins over --user/--groups.
type callerFlags struct {
	token      string
	user       string
	groups     []string
	workstream string
	requestID  string
	processID  string
}

func (c *callerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.token, "token", "", "bearer token whose claims identify the caller (signature is not checked)")
	cmd.Flags().StringVar(&c.user, "user", "", "caller user id when no token is given")
	cmd.Flags().StringSliceVar(&c.groups, "groups", nil, "caller group ids when no token is given")
	cmd.Flags().StringVarP(&c.workstream, "workstream", "w", "", "workstream id")
	cmd.Flags().StringVar(&c.requestID, "request-id", "", "request correlation id (generated when empty)")
	cmd.Flags().StringVar(&c.processID, "process", "", "business process id to correlate with")
}

func (c *callerFlags) context(ctx context.Context, svc *service.Service) (context.Context, error) {
	var claims jwt.MapClaims
	if c.token != "" {
		parsed, err := accesscontrol.ParseUnverifiedClaims(c.token)
		if err != nil {
			return nil, err
		}
		claims = parsed
	} else {
		if c.user == "" {
			return nil, oops.Code(accesscontrol.CodeInvalidArgument).Errorf("either --token or --user is required")
		}
		names := svc.Config.Claims
		groups := make([]any, 0, len(c.groups))
		for _, g := range c.groups {
			groups = append(groups, g)
		}
		claims = jwt.MapClaims{names.UserID: c.user, names.Groups: groups}
	}
	ctx = accesscontrol.WithClaims(ctx, claims)
	ctx = accesscontrol.WithCorrelation(ctx, accesscontrol.Correlation{
		RequestID:         c.requestID,
		BusinessProcessID: c.processID,
		WorkstreamID:      c.workstream,
	})
	ctx = accesscontrol.EnsureRequestID(ctx)
	if svc.GroupSync != nil {
		svc.GroupSync.SyncFromToken(claims)
	}
	return ctx, nil
}

type checkFlags struct {
	caller   callerFlags
	resource string
	action   string
	entity   string
}

// NewCheckCmd creates the check subcommand.
func NewCheckCmd(g *globalFlags) *cobra.Command {
	f := &checkFlags{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Decide a single (resource, action) pair",
		Long: `Decide whether the caller may perform --action on --resource.
Passing --entity enables the workstream's attribute rules and bypasses the
decision cache.

  accesscontrol check --config ac.yaml --user u1 --groups grp-loan-approvers \
    -w loans --resource Loan/1 --action approve --entity '{"RequestedAmount":100000}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd, g, f)
		},
	}
	f.caller.register(cmd)
	cmd.Flags().StringVar(&f.resource, "resource", "", "resource id, e.g. Loan/123")
	cmd.Flags().StringVar(&f.action, "action", "", "action, e.g. approve")
	cmd.Flags().StringVar(&f.entity, "entity", "", "entity data as a JSON object")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func runCheck(cmd *cobra.Command, g *globalFlags, f *checkFlags) error {
	req := accesscontrol.CheckRequest{Resource: f.resource, Action: f.action, WorkstreamID: f.caller.workstream}
	if f.entity != "" {
		if err := json.Unmarshal([]byte(f.entity), &req.EntityData); err != nil {
			return oops.Code(accesscontrol.CodeInvalidArgument).Wrapf(err, "parse --entity")
		}
		if req.EntityData == nil {
			req.EntityData = map[string]any{}
		}
	}
	svc, err := g.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close(context.WithoutCancel(cmd.Context()))

	ctx, err := f.caller.context(cmd.Context(), svc)
	if err != nil {
		return err
	}
	res, err := svc.Checker.Check(ctx, req)
	if err != nil {
		return err
	}
	return writeJSON(cmd, res)
}

// NewBatchCmd creates the batch subcommand.
func NewBatchCmd(g *globalFlags) *cobra.Command {
	caller := &callerFlags{}
	cmd := &cobra.Command{
		Use:   "batch RESOURCE:ACTION...",
		Short: "Decide several pairs in one workstream",
		Long: `Decide every RESOURCE:ACTION pair for the caller. The action is the text
after the last ':'. Results are printed in argument order.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := parsePairs(args)
			if err != nil {
				return err
			}
			svc, err := g.openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(cmd.Context()))

			ctx, err := caller.context(cmd.Context(), svc)
			if err != nil {
				return err
			}
			results, err := svc.Checker.CheckBatch(ctx, caller.workstream, items)
			if err != nil {
				return err
			}
			return writeJSON(cmd, results)
		},
	}
	caller.register(cmd)
	return cmd
}

func parsePairs(args []string) ([]accesscontrol.CheckItem, error) {
	items := make([]accesscontrol.CheckItem, 0, len(args))
	for _, arg := range args {
		i := strings.LastIndex(arg, ":")
		if i <= 0 || i == len(arg)-1 {
			return nil, oops.Code(accesscontrol.CodeInvalidArgument).Errorf("%q is not RESOURCE:ACTION", arg)
		}
		items = append(items, accesscontrol.CheckItem{Resource: arg[:i], Action: arg[i+1:]})
	}
	return items, nil
}


package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/oarkflow/accesscontrol"
)

// NewLedgerCmd creates the ledger command group.
func NewLedgerCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the business event ledger",
	}
	cmd.AddCommand(NewLedgerTailCmd(g))
	return cmd
}

type tailFlags struct {
	filter accesscontrol.EventFilter
}

// NewLedgerTailCmd prints committed events in sequence order.
func NewLedgerTailCmd(g *globalFlags) *cobra.Command {
	f := &tailFlags{}
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print ledger events after a sequence number",
		Long: `Prints committed business events in ascending sequence order, one JSON
object per line. Use --after with the last sequence seen to resume.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := g.openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close(context.WithoutCancel(cmd.Context()))

			events, err := svc.Ledger.Events(cmd.Context(), f.filter)
			if err != nil {
				return err
			}
			for _, ev := range events {
				if err := writeJSONLine(cmd, ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&f.filter.AfterSequence, "after", 0, "only events with a larger sequence number")
	cmd.Flags().IntVar(&f.filter.Limit, "limit", 100, "maximum number of events (0 for all)")
	cmd.Flags().StringVarP(&f.filter.WorkstreamID, "workstream", "w", "", "only events of this workstream")
	cmd.Flags().StringVar(&f.filter.BusinessProcessID, "process", "", "only events of this business process")
	cmd.Flags().StringVar(&f.filter.EventType, "type", "", "only events of this type")
	return cmd
}

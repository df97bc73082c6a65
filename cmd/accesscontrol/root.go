package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/oarkflow/accesscontrol"
	"github.com/oarkflow/accesscontrol/logger"
	"github.com/oarkflow/accesscontrol/service"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	logFormat  string
	debug      bool
}

// NewRootCmd creates the root command for the accesscontrol CLI.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "accesscontrol",
		Short: "Workstream-scoped authorization decisions",
		Long: `accesscontrol answers "may this caller perform this action on this
resource in this workstream" from RBAC policy tuples and per-workstream
attribute rules, and keeps an append-only business event ledger.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&g.configFile, "config", "", "config file path (.yaml or .json)")
	cmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "log output: text, json or phuslu")
	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(NewCheckCmd(g))
	cmd.AddCommand(NewBatchCmd(g))
	cmd.AddCommand(NewValidateCmd(g))
	cmd.AddCommand(NewLedgerCmd(g))
	cmd.AddCommand(NewSeedCmd(g))

	return cmd
}

func (g *globalFlags) loadConfig() (*accesscontrol.Config, error) {
	if g.configFile == "" {
		return accesscontrol.NewConfigBuilder().Build(), nil
	}
	return accesscontrol.NewConfigLoader().LoadFile(g.configFile)
}

func (g *globalFlags) logger(cmd *cobra.Command) logger.Logger {
	if g.logFormat == "phuslu" {
		return logger.NewPhusluLogger()
	}
	level := slog.LevelWarn
	if g.debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if g.logFormat == "json" {
		return logger.NewSLogLogger(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), opts)))
	}
	return logger.NewSLogLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), opts)))
}

// openService loads the config and builds a started service. In-memory
// storage starts empty, so the config seeds are applied to it.
func (g *globalFlags) openService(cmd *cobra.Command) (*service.Service, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := service.New(ctx, cfg, g.logger(cmd))
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Driver == "" || cfg.Storage.Driver == accesscontrol.StorageMemory {
		if err := svc.Seed(ctx); err != nil {
			_ = svc.Close(ctx)
			return nil, err
		}
	}
	svc.Start(ctx)
	return svc, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONLine(cmd *cobra.Command, v any) error {
	return json.NewEncoder(cmd.OutOrStdout()).Encode(v)
}

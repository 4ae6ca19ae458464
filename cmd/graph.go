/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/userdir/apiserver/internal/server"
	"github.com/userdir/apiserver/internal/services"
)

var errGraphInconsistent = errors.New("follow graph is inconsistent")

var (
	graphRepair bool
	graphStrict bool
)

// graphCmd groups follow graph maintenance commands.
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect and repair the follow graph",
}

var graphCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report asymmetric edges and dangling references",
	Long: `Scans every user and reports edges recorded on only one side and ids
of users that no longer exist. With --repair the following side of each
asymmetric edge wins and dangling ids are removed.

	userdir graph check
	userdir graph check --repair`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx := cmd.Context()
		backend, err := server.OpenBackend(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() { _ = backend.Close() }()

		graph := services.NewGraphService(backend.Repo, services.Options{Logger: log})
		report, err := graph.Check(ctx)
		if err != nil {
			return err
		}

		out := struct {
			Report services.GraphReport   `json:"report"`
			Repair *services.RepairResult `json:"repair,omitempty"`
		}{Report: report}

		if graphRepair && !report.Consistent() {
			result, err := graph.Repair(ctx, report)
			if err != nil {
				log.Error("graph repair failed", zap.Error(err))
				return err
			}
			out.Repair = &result
		}

		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(out); err != nil {
			return err
		}

		if graphStrict && !report.Consistent() && out.Repair == nil {
			return errGraphInconsistent
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.AddCommand(graphCheckCmd)

	graphCheckCmd.Flags().BoolVar(&graphRepair, "repair", false, "fix the problems found")
	graphCheckCmd.Flags().BoolVar(&graphStrict, "strict", false, "exit non-zero when problems are found and not repaired")
}

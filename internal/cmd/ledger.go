package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/framefarm/pkg/ledger"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "List dispatcher assignments",
	Long: `List the dispatcher's assignment ledger.

Frames are handed out once. When a node disconnects while holding a frame the
assignment is marked abandoned; rerunning the dispatcher picks those frames up
again because their output is still missing.

Examples:
  framefarm ledger
  framefarm ledger --state abandoned
  framefarm ledger --run 9b2f... --json
  framefarm ledger --runs`,
	RunE: runLedger,
}

var (
	ledgerRunID string
	ledgerState string
	ledgerLimit int
	ledgerJSON  bool
	ledgerRuns  bool
)

func init() {
	rootCmd.AddCommand(ledgerCmd)

	ledgerCmd.Flags().StringVar(&ledgerRunID, "run", "", "Only assignments of this run")
	ledgerCmd.Flags().StringVar(&ledgerState, "state", "", "Only assignments in this state (assigned|completed|abandoned)")
	ledgerCmd.Flags().IntVar(&ledgerLimit, "limit", 100, "Maximum rows (0 for all)")
	ledgerCmd.Flags().BoolVar(&ledgerJSON, "json", false, "Print rows as JSON lines")
	ledgerCmd.Flags().BoolVar(&ledgerRuns, "runs", false, "List dispatcher runs instead of assignments")
}

func runLedger(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var state ledger.State
	if ledgerState != "" {
		s, err := ledger.ParseState(ledgerState)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --state value", err)
		}
		state = s
	}

	path := ledgerPath(appConfig)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(foundry.ExitFileNotFound, "No ledger found; run the dispatcher first", err)
		}
		return exitError(foundry.ExitFileReadError, "Cannot read ledger", err)
	}

	led, err := ledger.OpenLedger(ctx, ledger.Config{Path: path})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open ledger", err)
	}
	defer func() { _ = led.Close() }()

	if ledgerRuns {
		runs, err := led.Runs(ctx, ledgerLimit)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to list runs", err)
		}
		if ledgerJSON {
			return encodeLines(cmd.OutOrStdout(), runs)
		}
		printRuns(cmd.OutOrStdout(), runs)
		return nil
	}

	rows, err := led.List(ctx, ledger.Filter{RunID: ledgerRunID, State: state, Limit: ledgerLimit})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list assignments", err)
	}
	if ledgerJSON {
		return encodeLines(cmd.OutOrStdout(), rows)
	}
	printAssignments(cmd.OutOrStdout(), rows)
	return nil
}

func encodeLines[T any](w io.Writer, items []T) error {
	enc := json.NewEncoder(w)
	for i := range items {
		if err := enc.Encode(&items[i]); err != nil {
			return err
		}
	}
	return nil
}

func printAssignments(w io.Writer, rows []ledger.Assignment) {
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(w, "No assignments recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN\tFRAME\tNODE\tREMOTE\tSTATE\tASSIGNED\tUPDATED")
	for _, a := range rows {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			shortID(a.RunID), a.Frame, a.NodeID, a.Remote, a.State,
			a.AssignedAt.Local().Format(time.DateTime), a.UpdatedAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}

func printRuns(w io.Writer, runs []ledger.Run) {
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN\tSTARTED\tENDED\tAVAILABLE\tDONE\tPENDING\tIMAGES")
	for _, r := range runs {
		ended := "-"
		if r.EndedAt != nil {
			ended = r.EndedAt.Local().Format(time.DateTime)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.RunID, r.StartedAt.Local().Format(time.DateTime), ended,
			r.Available, r.AlreadyComplete, r.Pending, r.ImagesDir)
	}
	_ = tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

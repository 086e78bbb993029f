package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/framefarm/pkg/jobregistry"
)

var attemptsCmd = &cobra.Command{
	Use:   "attempts [attempt-id]",
	Short: "List reconstruction attempts recorded by this node",
	Long: `List the per-frame attempt records a node keeps under its attempts
directory, newest first. With an attempt id, print that record as JSON.

Examples:
  framefarm attempts
  framefarm attempts --state failed
  framefarm attempts --frame 42
  framefarm attempts 3f0c1e9a-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAttempts,
}

var (
	attemptsFrame int
	attemptsState string
	attemptsLimit int
	attemptsJSON  bool
)

func init() {
	rootCmd.AddCommand(attemptsCmd)

	attemptsCmd.Flags().IntVar(&attemptsFrame, "frame", 0, "Only attempts at this frame")
	attemptsCmd.Flags().StringVar(&attemptsState, "state", "", "Only attempts in this state (running|success|failed|cancelled)")
	attemptsCmd.Flags().IntVar(&attemptsLimit, "limit", 50, "Maximum records to list (0 for all)")
	attemptsCmd.Flags().BoolVar(&attemptsJSON, "json", false, "Print records as JSON lines")
}

func runAttempts(cmd *cobra.Command, args []string) error {
	store := jobregistry.NewStore(attemptsDir(appConfig))

	if len(args) == 1 {
		rec, err := store.Get(args[0])
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return exitError(foundry.ExitFileNotFound, "Attempt not found", err)
			}
			return exitError(foundry.ExitFileReadError, "Failed to read attempt", err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	state, err := parseAttemptState(attemptsState)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --state value", err)
	}

	records, err := store.List(jobregistry.ListOptions{Frame: attemptsFrame, State: state, Limit: attemptsLimit})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list attempts", err)
	}

	if attemptsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		for i := range records {
			if err := enc.Encode(&records[i]); err != nil {
				return err
			}
		}
		return nil
	}
	printAttempts(cmd.OutOrStdout(), records)
	return nil
}

func parseAttemptState(s string) (jobregistry.AttemptState, error) {
	switch st := jobregistry.AttemptState(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return "", nil
	case jobregistry.AttemptStateRunning, jobregistry.AttemptStateSuccess,
		jobregistry.AttemptStateFailed, jobregistry.AttemptStateCancelled, jobregistry.AttemptStateUnknown:
		return st, nil
	default:
		return "", fmt.Errorf("unknown attempt state %q", s)
	}
}

func printAttempts(w io.Writer, records []jobregistry.AttemptRecord) {
	if len(records) == 0 {
		_, _ = fmt.Fprintln(w, "No attempts recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ATTEMPT\tFRAME\tSTATE\tEXIT\tDURATION\tCREATED\tPUBLISHED")
	for i := range records {
		r := &records[i]
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		dur := "-"
		if d := r.Duration(); d > 0 {
			dur = d.Round(time.Second).String()
		}
		pub := r.PublishURI
		if pub == "" {
			pub = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			r.AttemptID, r.Frame, r.State, exit, dur, r.CreatedAt.Local().Format(time.DateTime), pub)
	}
	_ = tw.Flush()
}

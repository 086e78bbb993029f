package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/framefarm/internal/observability"
	"github.com/3leaps/framefarm/pkg/frames"
	"github.com/3leaps/framefarm/pkg/manifest"
)

var framesCmd = &cobra.Command{
	Use:   "frames",
	Short: "Show which frames a dispatcher would hand out",
	Long: `Scan the image sequence and output folder and print the frame plan without
starting a dispatcher.

Examples:
  framefarm frames --root D:\captures\take-04
  framefarm frames --root /srv/take-04 --json`,
	RunE: runFrames,
}

var framesJSON bool

func init() {
	rootCmd.AddCommand(framesCmd)
	framesCmd.Flags().BoolVar(&framesJSON, "json", false, "Print the plan as JSON")
}

// framePlan is the JSON form of a scan.
type framePlan struct {
	Images    string `json:"images"`
	Output    string `json:"output"`
	Available []int  `json:"available"`
	Completed []int  `json:"completed"`
	Pending   []int  `json:"pending"`
}

func runFrames(cmd *cobra.Command, args []string) error {
	_, layout, err := resolveLayout(manifest.CheckOptions{})
	if err != nil {
		return err
	}

	plan, err := frames.NewRegistry(layout.ImagesDir, layout.OutputDir, observability.CLILogger).Scan(cmd.Context())
	if err != nil {
		if errors.Is(err, frames.ErrNoFrames) {
			printExpectedLayout(cmd.ErrOrStderr(), layout)
			return exitError(foundry.ExitFileNotFound, "No frames to process", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to scan frames", err)
	}

	if framesJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(framePlan{
			Images:    layout.ImagesDir,
			Output:    layout.OutputDir,
			Available: nonNil(plan.Available),
			Completed: nonNil(plan.Completed),
			Pending:   nonNil(plan.Pending),
		})
	}

	printFramePlan(cmd.OutOrStdout(), layout, plan)
	return nil
}

func printFramePlan(w io.Writer, layout manifest.Layout, plan *frames.Plan) {
	_, _ = fmt.Fprintln(w, "=== Frame Plan (dry-run) ===")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "Sequence:    %s\n", layout.SequenceDir)
	_, _ = fmt.Fprintf(w, "Output:      %s\n", layout.OutputDir)
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "Available:   %d  %s\n", len(plan.Available), formatRanges(plan.Available))
	_, _ = fmt.Fprintf(w, "Completed:   %d  %s\n", len(plan.Completed), formatRanges(plan.Completed))
	_, _ = fmt.Fprintf(w, "Pending:     %d  %s\n", len(plan.Pending), formatRanges(plan.Pending))
	if len(plan.Pending) == 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, "Every frame has an output; nodes would receive no work.")
	}
}

// formatRanges renders ascending ids compactly, e.g. "1-4, 7, 9-10".
func formatRanges(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	var parts []string
	start, prev := ids[0], ids[0]
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, strconv.Itoa(start)+"-"+strconv.Itoa(prev))
		}
	}
	for _, id := range ids[1:] {
		if id == prev+1 {
			prev = id
			continue
		}
		flush()
		start, prev = id, id
	}
	flush()
	return strings.Join(parts, ", ")
}

func nonNil(ids []int) []int {
	if ids == nil {
		return []int{}
	}
	return ids
}

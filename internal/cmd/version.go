package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		name := "framefarm"
		if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
			name = id.BinaryName
		}
		_, _ = fmt.Fprintf(out, "%s %s\n", name, versionInfo.Version)
		_, _ = fmt.Fprintf(out, "  commit:   %s\n", versionInfo.Commit)
		_, _ = fmt.Fprintf(out, "  built:    %s\n", versionInfo.BuildDate)
		_, _ = fmt.Fprintf(out, "  go:       %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		v := crucible.GetVersion()
		_, _ = fmt.Fprintf(out, "  gofulmen: %s (crucible %s)\n", v.Gofulmen, v.Crucible)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ucp-ntfy/eredis/internal/meta"
)

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := meta.GetInfo()
		out := cmd.OutOrStdout()

		fmt.Fprintf(out, "eredis %s (%s, %s)\n", info.Version, info.Build, info.Branch)
		fmt.Fprintf(out, "built %s with %s for %s\n", info.BuildTime, info.GoVersion, info.Platform)

		if info.GoTag != "" {
			fmt.Fprintf(out, "tags %s\n", info.GoTag)
		}
	},
}

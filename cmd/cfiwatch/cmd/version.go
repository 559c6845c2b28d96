package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kolkov/cfiwatch/cfi"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		version := AppVersion
		if version == "" {
			version = cfi.Version
		}
		info := cfi.GetInfo()
		fmt.Fprintf(cmd.OutOrStdout(), "cfiwatch version %s (streams %s/%s v%d)\n", version, info.EdgeMagic, info.HashMagic, info.StreamVersion)
		if AppBuildTime != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "built %s\n", AppBuildTime)
		}
	},
}

package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"weave.evalgo.org/version"
)

func init() {
	RootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "print build information as JSON")
	versionCmd.Flags().Bool("deps", false, "list compiled-in dependencies")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version and build information",
	RunE:  runVersion,
}

func runVersion(cmd *cobra.Command, args []string) error {
	info := version.GetBuildInfo()

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "weave %s (%s)\n", version.Resolve(), info.GoVersion)
	if deps, _ := cmd.Flags().GetBool("deps"); deps {
		for _, dep := range info.Dependencies {
			line := dep.Path + " " + dep.Version
			if dep.Replace != "" {
				line += " => " + dep.Replace
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
	}
	return nil
}

package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/hone/version"
)

var versionJSON bool

// VersionCmd prints the build metadata stamped into the binary.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show hone version information",
	Long:  "Display the hone version, commit, build time, and platform.",
	RunE:  runVersion,
}

func init() {
	VersionCmd.Flags().BoolVarP(&versionJSON, "json", "j", false, "Output version info as JSON")
}

func runVersion(cmd *cobra.Command, args []string) error {
	info := version.Get()

	if versionJSON {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal version info: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Println(info.String())
	fmt.Printf("  go: %s\n", info.GoVersion)
	fmt.Printf("  platform: %s\n", info.Platform)
	return nil
}

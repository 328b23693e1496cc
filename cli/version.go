package cli

import (
	"fmt"
	"runtime"

	"github.com/kvesta/quietpatch/config"

	"github.com/spf13/cobra"
)

var versions = fmt.Sprintf("quietpatch %s (%s, %s/%s)", config.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)

func version() {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information and quit",
		Args:  NoArgs,
		// settings are not needed to print the version
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(versions)
		},
	}

	rootCmd.AddCommand(versionCmd)
}

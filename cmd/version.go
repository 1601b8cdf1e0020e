package cmd

import (
	"fmt"
	"os"

	"github.com/metal-toolbox/bmcmgmt/internal/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(_ *cobra.Command, _ []string) {
		v, err := version.Current().AsMap()
		if err == nil {
			err = printJSON(v)
		}

		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

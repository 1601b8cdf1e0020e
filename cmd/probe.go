package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
)

var probeDump bool

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe the controller readiness and print its health",
	Run: func(cmd *cobra.Command, _ []string) {
		err := withStack(cmd.Context(), func(ctx context.Context, s *stack) error {
			result, err := s.probe.Run(ctx)
			if err != nil {
				return err
			}

			if probeDump {
				spew.Fdump(os.Stdout, result)
				return nil
			}

			return printJSON(map[string]any{
				"state":     result.State,
				"codes":     result.Codes,
				"device_id": result.DeviceID,
				"elapsed":   result.Finished.Sub(result.Started).String(),
			})
		})
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}

func init() {
	probeCmd.Flags().BoolVar(&probeDump, "dump", false, "dump the full probe result")

	rootCmd.AddCommand(probeCmd)
}

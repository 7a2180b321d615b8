package cmd

import (
	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Query the target's protection state",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		b, err := openBench()
		if err != nil {
			return err
		}
		defer b.close()
		return printState(b)
	},
}

func init() {
	addSessionFlags(stateCmd)
	rootCmd.AddCommand(stateCmd)
}

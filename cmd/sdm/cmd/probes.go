package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/host"
)

var probesCmd = &cobra.Command{
	Use:   "probes",
	Short: "List connected CMSIS-DAP debug probes",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		probes, err := host.EnumerateProbes(probeVID, probePID)
		if err != nil {
			return err
		}
		if len(probes) == 0 {
			fmt.Println("No probes found")
			return nil
		}
		for _, p := range probes {
			fmt.Printf("VID:0x%04X PID:0x%04X  %-24s serial %s\n",
				p.VID, p.PID, p.Description, p.SerialNumber)
		}
		return nil
	},
}

func init() {
	probesCmd.Flags().Uint16Var(&probeVID, "vid", 0x2E8A, "probe USB vendor ID")
	probesCmd.Flags().Uint16Var(&probePID, "pid", 0x000C, "probe USB product ID")
	rootCmd.AddCommand(probesCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/sdm"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Unlock the target and release it from its boot stall",
	Long: `Authenticates, then runs the plugin's boot release. Targets that stall in
early boot until debug permissions are settled need this before any firmware
runs; the release must come after a successful authentication.`,
	Args: cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		b, err := openBench()
		if err != nil {
			return err
		}
		defer b.close()

		if err := b.sess.Authenticate(sdm.AuthenticateParams{IsLastAuthentication: true}); err != nil {
			return fmt.Errorf("authentication: %w", err)
		}
		if err := b.sess.ResumeBoot(); err != nil {
			return fmt.Errorf("boot release: %w", err)
		}
		fmt.Println("Target authenticated and released from boot stall")
		return nil
	},
}

func init() {
	addSessionFlags(resumeCmd)
	rootCmd.AddCommand(resumeCmd)
}

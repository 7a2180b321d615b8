package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/sdm"
)

var authRounds int

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Authenticate and unlock the target",
	Long: `Runs challenge/response authentication against the target. With --rounds
above one, every round but the last is submitted as an intermediate
authentication, stepping the target through partial unlock levels.`,
	Args: cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if authRounds < 1 {
			return fmt.Errorf("--rounds must be at least 1")
		}
		b, err := openBench()
		if err != nil {
			return err
		}
		defer b.close()

		if err := printState(b); err != nil {
			return err
		}
		for round := 1; round <= authRounds; round++ {
			last := round == authRounds
			if err := b.sess.Authenticate(sdm.AuthenticateParams{IsLastAuthentication: last}); err != nil {
				return fmt.Errorf("authentication round %d: %w", round, err)
			}
			fmt.Printf("Round %d of %d accepted\n", round, authRounds)
		}
		return printState(b)
	},
}

func init() {
	addSessionFlags(unlockCmd)
	unlockCmd.Flags().IntVar(&authRounds, "rounds", 1, "authentication rounds to run")
	rootCmd.AddCommand(unlockCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/sequence"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/target"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/transfer"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/unlock"
)

var sequenceCmd = &cobra.Command{
	Use:   "sequence",
	Short: "Work with unlock-sequence files",
}

var seqCheckCmd = &cobra.Command{
	Use:   "check <file.seq>",
	Short: "Parse a sequence file and print the compiled batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		seq, err := compileSequence(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Device: %s\n", seq.Device)
		fmt.Printf("Width:  %s\n", seq.Size)
		for i, op := range seq.Ops {
			fmt.Printf("  %2d: %s\n", i, op)
		}
		return nil
	},
}

var (
	seqSecret string
	seqBase   uint64
	seqLocked bool
)

var seqRunCmd = &cobra.Command{
	Use:   "run <file.seq>",
	Short: "Execute a sequence file against the mailbox simulator",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		seq, err := compileSequence(args[0])
		if err != nil {
			return err
		}

		sim := target.New(target.Config{
			MailboxBase: seqBase,
			Secret:      unlock.CredentialKey(seqSecret),
			Locked:      seqLocked,
		})

		ops, done, err := runSequence(seq, sim)
		for i := 0; i < done; i++ {
			if ops[i].Op == transfer.OpRead {
				fmt.Printf("  %2d: read 0x%X = 0x%X\n", i, seq.Ops[i].Addr, ops[i].Value)
			}
		}
		if err != nil {
			return fmt.Errorf("entry %d of %d: %w", done, len(ops), err)
		}
		fmt.Printf("%d entries completed\n", done)
		return nil
	},
}

// runSequence resolves a compiled sequence's device-relative addresses and
// executes the batch against the port. The returned ops carry the concrete
// addresses and any read-back values.
func runSequence(seq *sequence.Sequence, port transfer.Port) ([]transfer.RegisterOp, int, error) {
	ops := append([]transfer.RegisterOp(nil), seq.Ops...)
	for i := range ops {
		addr, err := seq.Device.ResolveRegister(ops[i].Addr)
		if err != nil {
			return ops, 0, err
		}
		ops[i].Addr = addr
	}
	exec := transfer.Executor{}
	done, err := exec.RegisterAccess(port, seq.Size, ops)
	return ops, done, err
}

func compileSequence(path string) (*sequence.Sequence, error) {
	parser, err := sequence.NewParser()
	if err != nil {
		return nil, err
	}
	script, err := parser.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return script.Compile()
}

func init() {
	seqRunCmd.Flags().StringVar(&seqSecret, "sim-secret", "opentrace", "simulator unlock passphrase")
	seqRunCmd.Flags().Uint64Var(&seqBase, "sim-base", 0x1A01_0000, "simulator mailbox base address")
	seqRunCmd.Flags().BoolVar(&seqLocked, "sim-locked", true, "start the simulator locked")

	sequenceCmd.AddCommand(seqCheckCmd)
	sequenceCmd.AddCommand(seqRunCmd)
	rootCmd.AddCommand(sequenceCmd)
}

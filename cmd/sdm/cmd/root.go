package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"hermannm.dev/devlog"
)

var (
	// Global flags
	verbose bool

	// Session flags, shared by the commands that open an SDM session.
	resourceDir  string
	manifestPath string
	cachePath    string
	locales      []string
	connectMode  string

	useProbe bool
	probeVID uint16
	probePID uint16
	apsel    uint64

	simSecret   string
	simUnlocked bool
	simStall    bool
	simBase     uint64
)

var logLevel slog.LevelVar

var rootCmd = &cobra.Command{
	Use:   "sdm",
	Short: "Secure debug unlock tool",
	Long: `Drives Secure Debug Manager plugins against a locked target: queries the
protection state, runs challenge/response authentication, and releases targets
stalled in early boot.

Targets are reached over a CMSIS-DAP probe (--probe) or a built-in mailbox
simulator for protocol development without hardware.

Examples:
  sdm state --resources ./soc                 # Query protection state
  sdm unlock --resources ./soc                # Authenticate and unlock
  sdm unlock --resources ./soc --rounds 2     # Multi-round authentication
  sdm resume --resources ./soc                # Unlock, then release boot
  sdm sequence check ./soc/request.seq        # Lint a sequence file`,
	Version: "1.1.0",
	PersistentPreRun: func(*cobra.Command, []string) {
		if verbose {
			logLevel.Set(slog.LevelDebug)
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stderr, &devlog.Options{
		Level: &logLevel,
	})))

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// addSessionFlags registers the flags every session-opening command shares.
func addSessionFlags(c *cobra.Command) {
	c.Flags().StringVar(&resourceDir, "resources", "", "plugin resource directory (required)")
	c.Flags().StringVar(&manifestPath, "manifest", "", "manifest path (default <resources>/manifest.sdm)")
	c.Flags().StringVar(&cachePath, "cache", "", "sqlite file persisting non-secret form values")
	c.Flags().StringSliceVar(&locales, "locale", nil, "preferred locales, highest priority first")
	c.Flags().StringVar(&connectMode, "connect-mode", "attach", "connect mode: load, restart or attach")

	c.Flags().BoolVar(&useProbe, "probe", false, "reach the target over a CMSIS-DAP probe")
	c.Flags().Uint16Var(&probeVID, "vid", 0x2E8A, "probe USB vendor ID")
	c.Flags().Uint16Var(&probePID, "pid", 0x000C, "probe USB product ID")
	c.Flags().Uint64Var(&apsel, "ap", 0, "MEM-AP address for the probe")

	c.Flags().StringVar(&simSecret, "sim-secret", "opentrace", "simulator unlock passphrase")
	c.Flags().BoolVar(&simUnlocked, "sim-unlocked", false, "start the simulator unlocked")
	c.Flags().BoolVar(&simStall, "sim-stall", false, "stall the simulator in early boot")
	c.Flags().Uint64Var(&simBase, "sim-base", 0x1A01_0000, "simulator mailbox base address")

	_ = c.MarkFlagRequired("resources")
}

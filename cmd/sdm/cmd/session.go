package cmd

import (
	"fmt"
	"log/slog"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/credcache"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/host"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/sdm"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/target"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/unlock"
)

// bench is one opened SDM session plus everything it borrowed.
type bench struct {
	sess *sdm.Session
	sim  *target.Simulator // nil when driving a real probe

	closers []func() error
}

// refconTag is the opaque value threaded through every callback.
type refconTag struct{ tool string }

// openBench builds the transfer port, callback table and credential cache
// from the session flags and opens the unlock plugin.
func openBench() (*bench, error) {
	b := &bench{}

	opts := host.Options{
		Refcon:      &refconTag{tool: "sdm"},
		PresentForm: host.ConsolePresenter{}.Present,
	}

	if useProbe {
		probe, err := host.OpenProbe(probeVID, probePID, apsel)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, probe.Close)
		opts.Port = probe
		opts.ResetStart = probe.ResetTarget
		opts.ResetFinish = probe.ResetDone
	} else {
		b.sim = target.New(target.Config{
			MailboxBase: simBase,
			Secret:      unlock.CredentialKey(simSecret),
			Locked:      !simUnlocked,
			StallBoot:   simStall,
		})
		opts.Port = b.sim
		opts.ResetStart = b.sim.ResetStart
		opts.ResetFinish = b.sim.ResetFinish
		slog.Debug("using mailbox simulator", "base", fmt.Sprintf("0x%X", simBase))
	}

	var cache *credcache.Cache
	if cachePath != "" {
		var err error
		if cache, err = credcache.Open(cachePath); err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, cache.Close)
	}

	table, err := host.NewCallbackTable(opts)
	if err != nil {
		b.close()
		return nil, err
	}

	mode, err := parseConnectMode(connectMode)
	if err != nil {
		b.close()
		return nil, err
	}
	sess, err := sdm.Open(unlock.New(cache), &sdm.OpenParameters{
		Version:      protocol.CurrentVersion,
		Architecture: protocol.ArmADIv5,
		Callbacks:    table,
		Refcon:       opts.Refcon,
		ResourceDir:  resourceDir,
		ManifestPath: manifestPath,
		Locales:      locales,
		ConnectMode:  mode,
	})
	if err != nil {
		b.close()
		return nil, err
	}
	b.sess = sess
	return b, nil
}

func parseConnectMode(s string) (protocol.ConnectMode, error) {
	switch s {
	case "load":
		return protocol.ConnectLoad, nil
	case "restart":
		return protocol.ConnectRestart, nil
	case "attach":
		return protocol.ConnectAttach, nil
	}
	return 0, fmt.Errorf("unknown connect mode %q", s)
}

func (b *bench) close() {
	if b.sess != nil {
		if err := b.sess.Close(); err != nil {
			slog.Warn("session close failed", "error", err)
		}
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			slog.Warn("cleanup failed", "error", err)
		}
	}
}

// printState queries and prints the protection state; an unsupported query
// is reported, not fatal.
func printState(b *bench) error {
	state, err := b.sess.ProtectionState()
	if protocol.CodeOf(err) == protocol.UnsupportedOperation {
		fmt.Println("Protection state: unknown (plugin cannot query it)")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Protection state: %s\n", state)
	return nil
}

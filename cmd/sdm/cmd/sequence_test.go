package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/target"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/transfer"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/unlock"
)

const runTestSeq = `device component ap 0 2 base 0x1A00_0000 offset 0x1_0000
width 32

write 0x00 0x1
poll 0x04 mask 0x01 == 0x01 retries 50
read 0x08
`

func writeSeq(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "request.seq")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("writing sequence file: %v", err)
	}
	return path
}

func TestRunSequenceHitsMailbox(t *testing.T) {
	seq, err := compileSequence(writeSeq(t, runTestSeq))
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	secret := unlock.CredentialKey("opentrace")
	sim := target.New(target.Config{
		MailboxBase: 0x1A01_0000,
		Secret:      secret,
		Locked:      true,
	})

	ops, done, err := runSequence(seq, sim)
	if err != nil {
		t.Fatalf("run failed after %d entries: %v", done, err)
	}
	if done != len(seq.Ops) {
		t.Fatalf("done = %d, want %d", done, len(seq.Ops))
	}

	// The batch must land in the mailbox, not at the file-relative
	// offsets, so the request leaves a readable challenge armed.
	status, err := sim.ReadWord(0x1A01_0000+target.RegStatus, transfer.Size32, 0)
	if err != nil {
		t.Fatalf("status read: %v", err)
	}
	if status&target.StatusReady == 0 {
		t.Fatalf("challenge not armed, status = 0x%X", status)
	}
	if want := sim.ExpectedResponse() ^ secret; ops[2].Value != want {
		t.Fatalf("challenge = 0x%X, want 0x%X", ops[2].Value, want)
	}
}

func TestRunSequenceReportsMismatchedBase(t *testing.T) {
	seq, err := compileSequence(writeSeq(t, runTestSeq))
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	// Mailbox elsewhere: the poll sees sparse memory and times out.
	sim := target.New(target.Config{MailboxBase: 0x2000_0000, Locked: true})
	if _, _, err := runSequence(seq, sim); err == nil {
		t.Fatal("expected a timeout against an absent mailbox")
	}
}

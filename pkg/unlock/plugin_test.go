package unlock_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/credcache"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/form"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/host"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/sdm"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/target"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/unlock"
)

const (
	passphrase = "correct horse battery staple"

	requestSeq = `-- arm a fresh challenge and read it back
device component ap 0 2 base 0x1A00_0000 offset 0x1_0000
write 0x00 0x1
poll 0x04 mask 0x01 == 0x01 retries 1000
read 0x08
`
	resumeSeq = `device component ap 0 2 base 0x1A00_0000 offset 0x1_0000
write 0x00 0x8
poll 0x04 mask 0x04 == 0x00 retries 1000
`
)

func writeResources(t *testing.T, withResume bool) string {
	t.Helper()
	dir := t.TempDir()

	manifest := "name = acme-soc\nrequest = request.seq\nreset = software\n"
	if withResume {
		manifest += "resume = resume.seq\n"
	}
	files := map[string]string{
		"manifest.sdm": manifest,
		"request.seq":  requestSeq,
	}
	if withResume {
		files["resume.seq"] = resumeSeq
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// enterCredentials scripts the form: fills the passphrase and an identity.
func enterCredentials(pass string) func(*form.Form) error {
	return func(f *form.Form) error {
		if e := f.Lookup("identity"); e != nil && e.Text == "" {
			if err := e.SetText("bench-7"); err != nil {
				return err
			}
		}
		return f.Lookup("passphrase").SetText(pass)
	}
}

type rig struct {
	sim  *target.Simulator
	sess *sdm.Session
}

func openSession(t *testing.T, cfg target.Config, resourceDir string,
	present func(*form.Form) error, cache *credcache.Cache) *rig {
	t.Helper()

	cfg.MailboxBase = 0x1A01_0000
	cfg.Secret = unlock.CredentialKey(passphrase)
	sim := target.New(cfg)

	refcon := &struct{ session string }{"unlock-test"}
	table, err := host.NewCallbackTable(host.Options{
		Port:        sim,
		Refcon:      refcon,
		PresentForm: present,
		ResetStart:  sim.ResetStart,
		ResetFinish: sim.ResetFinish,
	})
	if err != nil {
		t.Fatalf("NewCallbackTable: %v", err)
	}

	sess, err := sdm.Open(unlock.New(cache), &sdm.OpenParameters{
		Version:      protocol.CurrentVersion,
		Architecture: protocol.ArmADIv5,
		Callbacks:    table,
		Refcon:       refcon,
		ResourceDir:  resourceDir,
		ConnectMode:  protocol.ConnectAttach,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return &rig{sim: sim, sess: sess}
}

func TestUnlockLockedTarget(t *testing.T) {
	dir := writeResources(t, false)
	r := openSession(t, target.Config{Locked: true, Seed: 41, StatusLatency: 2}, dir,
		enterCredentials(passphrase), nil)

	state, err := r.sess.ProtectionState()
	if err != nil {
		t.Fatalf("ProtectionState: %v", err)
	}
	if state != protocol.Locked {
		t.Fatalf("state %v, want Locked", state)
	}

	if err := r.sess.Authenticate(sdm.AuthenticateParams{IsLastAuthentication: true}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !r.sim.Unlocked() {
		t.Error("target still locked after authentication")
	}

	state, err = r.sess.ProtectionState()
	if err != nil {
		t.Fatalf("ProtectionState: %v", err)
	}
	if state != protocol.Unlocked {
		t.Errorf("state %v, want Unlocked", state)
	}

	// The manifest asks for a software reset bracket around the final round.
	started, finished := r.sim.Resets()
	if len(started) != 1 || started[0] != protocol.ResetSoftware {
		t.Errorf("reset starts %v, want one software reset", started)
	}
	if len(finished) != 1 {
		t.Errorf("reset finishes %v, want one", finished)
	}

	if err := r.sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestUnlockWrongPassphraseThenRetry(t *testing.T) {
	dir := writeResources(t, false)
	pass := "swordfish"
	r := openSession(t, target.Config{Locked: true, Seed: 5}, dir,
		func(f *form.Form) error { return f.Lookup("passphrase").SetText(pass) }, nil)

	err := r.sess.Authenticate(sdm.AuthenticateParams{IsLastAuthentication: true})
	if !errors.Is(err, protocol.InvalidUserCredentials) {
		t.Fatalf("error %v, want InvalidUserCredentials", err)
	}
	if r.sim.Unlocked() {
		t.Fatal("target unlocked on a wrong passphrase")
	}

	pass = passphrase
	if err := r.sess.Authenticate(sdm.AuthenticateParams{IsLastAuthentication: true}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !r.sim.Unlocked() {
		t.Error("target still locked after correct retry")
	}
}

func TestUnlockMultiRound(t *testing.T) {
	dir := writeResources(t, false)
	r := openSession(t, target.Config{Locked: true, Seed: 11}, dir,
		enterCredentials(passphrase), nil)

	if err := r.sess.Authenticate(sdm.AuthenticateParams{}); err != nil {
		t.Fatalf("intermediate round: %v", err)
	}
	if r.sim.Unlocked() {
		t.Fatal("target fully unlocked after an intermediate round")
	}
	if r.sim.Level() != 1 {
		t.Fatalf("level %d after one round, want 1", r.sim.Level())
	}

	if err := r.sess.Authenticate(sdm.AuthenticateParams{IsLastAuthentication: true}); err != nil {
		t.Fatalf("final round: %v", err)
	}
	if !r.sim.Unlocked() {
		t.Error("target still locked after final round")
	}
}

func TestUnlockBootStallResume(t *testing.T) {
	dir := writeResources(t, true)
	r := openSession(t, target.Config{Locked: true, StallBoot: true, Seed: 3}, dir,
		enterCredentials(passphrase), nil)

	if err := r.sess.Authenticate(sdm.AuthenticateParams{IsLastAuthentication: true}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !r.sim.BootStalled() {
		t.Fatal("target not stalled before resume")
	}

	if err := r.sess.ResumeBoot(); err != nil {
		t.Fatalf("ResumeBoot: %v", err)
	}
	if r.sim.BootStalled() {
		t.Error("target still stalled after resume")
	}
}

func TestResumeWithoutManifestSequence(t *testing.T) {
	dir := writeResources(t, false)
	r := openSession(t, target.Config{Locked: true, Seed: 3}, dir,
		enterCredentials(passphrase), nil)

	if err := r.sess.Authenticate(sdm.AuthenticateParams{IsLastAuthentication: true}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	err := r.sess.ResumeBoot()
	if !errors.Is(err, protocol.UnsupportedOperation) {
		t.Errorf("error %v, want UnsupportedOperation", err)
	}
}

func TestUnlockCancelledFormThenRetry(t *testing.T) {
	dir := writeResources(t, false)
	cancel := true
	r := openSession(t, target.Config{Locked: true, Seed: 23}, dir,
		func(f *form.Form) error {
			if cancel {
				return protocol.Errorf(protocol.UserCancelled, "dialog dismissed")
			}
			return enterCredentials(passphrase)(f)
		}, nil)

	err := r.sess.Authenticate(sdm.AuthenticateParams{IsLastAuthentication: true})
	if !errors.Is(err, protocol.UserCancelled) {
		t.Fatalf("error %v, want UserCancelled", err)
	}
	if r.sim.Unlocked() {
		t.Fatal("target unlocked after a cancelled form")
	}

	cancel = false
	if err := r.sess.Authenticate(sdm.AuthenticateParams{IsLastAuthentication: true}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !r.sim.Unlocked() {
		t.Error("target still locked after retry")
	}
}

func TestUnlockCachesIdentityAcrossSessions(t *testing.T) {
	dir := writeResources(t, false)
	cache, err := credcache.Open(filepath.Join(t.TempDir(), "creds.db"))
	if err != nil {
		t.Fatalf("credcache.Open: %v", err)
	}
	defer cache.Close()

	r := openSession(t, target.Config{Locked: true, Seed: 55}, dir,
		enterCredentials(passphrase), cache)
	if err := r.sess.Authenticate(sdm.AuthenticateParams{IsLastAuthentication: true}); err != nil {
		t.Fatalf("first session: %v", err)
	}
	if err := r.sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Second session: the identity must arrive prefilled, the passphrase
	// must not.
	var prefilled, secretLeaked bool
	r2 := openSession(t, target.Config{Locked: true, Seed: 56}, dir,
		func(f *form.Form) error {
			prefilled = f.Lookup("identity").Text == "bench-7"
			secretLeaked = f.Lookup("passphrase").Text != ""
			return f.Lookup("passphrase").SetText(passphrase)
		}, cache)
	if err := r2.sess.Authenticate(sdm.AuthenticateParams{IsLastAuthentication: true}); err != nil {
		t.Fatalf("second session: %v", err)
	}
	if !prefilled {
		t.Error("cached identity not prefilled in the second session")
	}
	if secretLeaked {
		t.Error("passphrase persisted across sessions")
	}
}

func TestOpenRejectsBrokenResources(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T) string
	}{
		{"missing manifest", func(t *testing.T) string { return t.TempDir() }},
		{"missing sequence", func(t *testing.T) string {
			dir := t.TempDir()
			content := "name = x\nrequest = nowhere.seq\n"
			if err := os.WriteFile(filepath.Join(dir, "manifest.sdm"), []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			return dir
		}},
		{"request without challenge read", func(t *testing.T) string {
			dir := t.TempDir()
			files := map[string]string{
				"manifest.sdm": "name = x\nrequest = request.seq\n",
				"request.seq":  "device dp 0 offset 0x100\nwrite 0x00 0x1\n",
			}
			for name, content := range files {
				if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			return dir
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dir := c.setup(t)
			sim := target.New(target.Config{MailboxBase: 0x1A01_0000})
			refcon := "r"
			table, err := host.NewCallbackTable(host.Options{
				Port:        sim,
				Refcon:      refcon,
				PresentForm: func(*form.Form) error { return nil },
			})
			if err != nil {
				t.Fatalf("NewCallbackTable: %v", err)
			}
			_, err = sdm.Open(unlock.New(nil), &sdm.OpenParameters{
				Version:      protocol.CurrentVersion,
				Architecture: protocol.ArmADIv5,
				Callbacks:    table,
				Refcon:       refcon,
				ResourceDir:  dir,
			})
			if protocol.CodeOf(err) != protocol.RequestFailed {
				t.Errorf("Open error %v, want RequestFailed", err)
			}
		})
	}
}

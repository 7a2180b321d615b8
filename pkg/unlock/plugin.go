package unlock

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/credcache"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/form"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/sdm"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/sequence"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/transfer"
)

// Mailbox register offsets, control commands and status bits. These are the
// fixed side of the mailbox protocol; everything target-specific lives in the
// manifest's sequences.
const (
	regCtrl     = 0x00
	regStatus   = 0x04
	regResponse = 0x0C

	ctrlSubmit   = 0x2
	ctrlFinalize = 0x4

	statusUnlocked = 0x02
	statusFail     = 0x08
	statusBusy     = 0x10
)

// submitPollBudget bounds the wait for a credential evaluation.
const submitPollBudget = 10_000

// Plugin is the mailbox Secure Debug Manager. The zero value is not usable;
// construct with New.
type Plugin struct {
	cache *credcache.Cache

	host     *sdm.Host
	manifest *Manifest
	request  *sequence.Sequence
	resume   *sequence.Sequence
}

// New builds the plugin. cache may be nil to disable form-value persistence.
func New(cache *credcache.Cache) *Plugin {
	return &Plugin{cache: cache}
}

// Open loads the manifest named by the open parameters and compiles its
// sequences. Implements sdm.Plugin.
func (p *Plugin) Open(h *sdm.Host) error {
	params := h.Params()
	path := params.ManifestPath
	if path == "" {
		if params.ResourceDir == "" {
			return protocol.Errorf(protocol.RequestFailed, "no manifest path and no resource directory")
		}
		path = filepath.Join(params.ResourceDir, DefaultManifestName)
	}

	manifest, err := LoadManifest(path)
	if err != nil {
		return err
	}

	parser, err := sequence.NewParser()
	if err != nil {
		return err
	}
	request, err := compileFile(parser, manifest.Path(manifest.Request))
	if err != nil {
		return err
	}
	last := len(request.Ops) - 1
	if last < 0 || request.Ops[last].Op != transfer.OpRead {
		return protocol.Errorf(protocol.RequestFailed,
			"request sequence %s must end by reading the challenge", manifest.Request)
	}

	var resume *sequence.Sequence
	if manifest.Resume != "" {
		if resume, err = compileFile(parser, manifest.Path(manifest.Resume)); err != nil {
			return err
		}
	}

	p.host = h
	p.manifest = manifest
	p.request = request
	p.resume = resume
	slog.Debug("unlock plugin open", "target", manifest.Name, "resume", manifest.Resume != "")
	return nil
}

func compileFile(parser *sequence.Parser, path string) (*sequence.Sequence, error) {
	script, err := parser.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return script.Compile()
}

// ProtectionState reads the mailbox status register. Implements sdm.Plugin.
func (p *Plugin) ProtectionState() (protocol.ProtectionState, error) {
	status, err := p.readStatus()
	if err != nil {
		return 0, err
	}
	if status&statusUnlocked != 0 {
		return protocol.Unlocked, nil
	}
	return protocol.Locked, nil
}

func (p *Plugin) readStatus() (uint64, error) {
	ops := []transfer.RegisterOp{{Op: transfer.OpRead, Addr: regStatus}}
	if _, err := p.host.RegisterAccess(p.request.Device, p.request.Size, ops); err != nil {
		return 0, err
	}
	return ops[0].Value, nil
}

// Authenticate runs one challenge/response round: arm a challenge with the
// request sequence, collect the passphrase, submit the derived response.
// Implements sdm.Plugin.
func (p *Plugin) Authenticate(ap sdm.AuthenticateParams) error {
	p.host.Progress("requesting challenge", 10)
	ops := append([]transfer.RegisterOp(nil), p.request.Ops...)
	if _, err := p.host.RegisterAccess(p.request.Device, p.request.Size, ops); err != nil {
		p.host.ReportError(fmt.Sprintf("challenge request failed: %v", err))
		return err
	}
	challenge := ops[len(ops)-1].Value

	f := p.credentialForm(challenge)
	if p.cache != nil {
		if err := p.cache.Prefill(p.manifest.Name, f); err != nil {
			slog.Warn("credential cache prefill failed", "error", err)
		}
	}
	p.host.Progress("waiting for credentials", 30)
	if err := p.host.PresentForm(f); err != nil {
		return err
	}

	response := challenge ^ CredentialKey(f.Lookup("passphrase").Text)
	ctrl := uint64(ctrlSubmit)
	if ap.IsLastAuthentication {
		ctrl |= ctrlFinalize
	}

	p.host.Progress("submitting response", 60)
	submit := func() error { return p.submit(response, ctrl) }
	var err error
	if ap.IsLastAuthentication && p.manifest.Reset != protocol.ResetNone && p.host.CanReset() {
		err = p.host.WithReset(p.manifest.Reset, submit)
	} else {
		err = submit()
	}
	if err != nil {
		return err
	}

	if p.cache != nil {
		if err := p.cache.Store(p.manifest.Name, f); err != nil {
			slog.Warn("credential cache store failed", "error", err)
		}
	}
	p.host.Progress("authenticated", 100)
	return nil
}

func (p *Plugin) submit(response, ctrl uint64) error {
	ops := []transfer.RegisterOp{
		{Op: transfer.OpWrite, Addr: regResponse, Value: response},
		{Op: transfer.OpWrite, Addr: regCtrl, Value: ctrl},
		{Op: transfer.OpPoll, Addr: regStatus, Mask: statusBusy, Value: 0, Retries: submitPollBudget},
		{Op: transfer.OpRead, Addr: regStatus},
	}
	if _, err := p.host.RegisterAccess(p.request.Device, p.request.Size, ops); err != nil {
		p.host.ReportError(fmt.Sprintf("credential submission failed: %v", err))
		return err
	}
	status := ops[len(ops)-1].Value
	if status&statusFail != 0 {
		return protocol.Errorf(protocol.InvalidUserCredentials, "target rejected the credentials")
	}
	return nil
}

func (p *Plugin) credentialForm(challenge uint64) *form.Form {
	return &form.Form{
		Title: "Unlock " + p.manifest.Name,
		Elements: []form.Element{
			{
				ID:    "challenge-info",
				Kind:  form.StaticText,
				Title: "Challenge",
				Text:  fmt.Sprintf("0x%016X", challenge),
			},
			{
				ID:     "identity",
				Kind:   form.TextField,
				Title:  "Identity",
				Help:   "Reported to the authentication server for auditing",
				Flags:  form.FlagOptional | form.FlagCacheable,
				MaxLen: 64,
			},
			{
				ID:     "passphrase",
				Kind:   form.TextField,
				Title:  "Passphrase",
				Flags:  form.FlagSecret,
				MaxLen: 128,
			},
		},
	}
}

// ResumeBoot runs the manifest's resume sequence. Implements sdm.Plugin.
func (p *Plugin) ResumeBoot() error {
	if p.resume == nil {
		return protocol.Errorf(protocol.UnsupportedOperation,
			"%s does not stall in boot", p.manifest.Name)
	}
	p.host.Progress("releasing boot", 50)
	ops := append([]transfer.RegisterOp(nil), p.resume.Ops...)
	if _, err := p.host.RegisterAccess(p.resume.Device, p.resume.Size, ops); err != nil {
		p.host.ReportError(fmt.Sprintf("boot release failed: %v", err))
		return err
	}
	p.host.Progress("boot released", 100)
	return nil
}

// Close implements sdm.Plugin. The credential cache is owned by the caller
// and stays open.
func (p *Plugin) Close() error {
	p.host = nil
	return nil
}

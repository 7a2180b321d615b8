// Package target provides an in-memory lockable SoC for exercising the SDM
// protocol without hardware. The simulated target exposes a debug mailbox,
// a small register window for challenge/response unlock, plus a sparse
// memory space, and records reset activity for inspection within tests.
package target

import (
	"sync"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/transfer"
)

// Debug mailbox register offsets within its 4KB window.
const (
	RegCtrl      = 0x00
	RegStatus    = 0x04
	RegChallenge = 0x08
	RegResponse  = 0x0C
	RegIDR       = 0x10
	RegLevel     = 0x14
)

// Control register commands.
const (
	CtrlRequest  = 0x1 // begin an authentication round, arm a fresh challenge
	CtrlSubmit   = 0x2 // evaluate the response register
	CtrlFinalize = 0x4 // combined with CtrlSubmit on the final round
	CtrlResume   = 0x8 // release a boot-stalled target
)

// Status register bits.
const (
	StatusReady     = 0x01 // challenge is armed and readable
	StatusUnlocked  = 0x02 // full debug access granted
	StatusBootStall = 0x04 // target is stalled in early boot
	StatusFail      = 0x08 // last submission was rejected
	StatusBusy      = 0x10 // evaluation in progress
	StatusPartial   = 0x20 // at least one partial unlock level granted
)

// MailboxIDR identifies the simulated mailbox implementation.
const MailboxIDR = 0x04770A51

// Config describes the simulated target.
type Config struct {
	// MailboxBase is the concrete resolved address of the mailbox window.
	MailboxBase uint64

	// Secret keys the challenge/response check: a submission is accepted
	// when response == challenge ^ Secret.
	Secret uint64

	// Locked starts the target in the locked state.
	Locked bool

	// StallBoot stalls the target in early boot until CtrlResume after a
	// successful unlock.
	StallBoot bool

	// StatusLatency delays READY/BUSY completion by this many status reads,
	// so polls take more than one iteration.
	StatusLatency int

	// Seed makes challenge generation deterministic.
	Seed uint64
}

// Simulator is a software stand-in for a lockable target. It implements
// transfer.Port against pre-resolved concrete addresses: the mailbox window
// handles the unlock protocol, everything else is sparse memory.
type Simulator struct {
	mu  sync.Mutex
	cfg Config

	mem map[uint64]uint64

	challenge uint64
	response  uint64
	rounds    uint64
	level     uint64

	ready, busy    bool
	failed         bool
	unlocked       bool
	stalled        bool
	latencyLeft    int
	resetsStarted  []protocol.ResetType
	resetsFinished []protocol.ResetType
}

// New builds a simulator from cfg.
func New(cfg Config) *Simulator {
	return &Simulator{
		cfg:      cfg,
		mem:      make(map[uint64]uint64),
		unlocked: !cfg.Locked,
		stalled:  cfg.StallBoot,
	}
}

// Supports implements transfer.Port. The mailbox bus carries up to 32-bit
// transfers.
func (s *Simulator) Supports(size transfer.Size) bool {
	return size == transfer.Size8 || size == transfer.Size16 || size == transfer.Size32
}

func (s *Simulator) inMailbox(addr uint64) bool {
	return addr >= s.cfg.MailboxBase && addr < s.cfg.MailboxBase+0x1000
}

// ReadWord implements transfer.Port.
func (s *Simulator) ReadWord(addr uint64, size transfer.Size, attrs transfer.Attributes) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inMailbox(addr) {
		if attrs&(transfer.AttrNonSecure|transfer.AttrNonPrivileged) != 0 {
			return 0, protocol.Errorf(protocol.TransferFault,
				"mailbox requires secure privileged access")
		}
		return s.readReg(addr - s.cfg.MailboxBase)
	}
	return s.mem[addr], nil
}

// WriteWord implements transfer.Port.
func (s *Simulator) WriteWord(addr uint64, size transfer.Size, attrs transfer.Attributes, v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inMailbox(addr) {
		if attrs&(transfer.AttrNonSecure|transfer.AttrNonPrivileged) != 0 {
			return protocol.Errorf(protocol.TransferFault,
				"mailbox requires secure privileged access")
		}
		return s.writeReg(addr-s.cfg.MailboxBase, v)
	}
	s.mem[addr] = v
	return nil
}

func (s *Simulator) readReg(off uint64) (uint64, error) {
	switch off {
	case RegStatus:
		if s.latencyLeft > 0 {
			s.latencyLeft--
			return s.status(true), nil
		}
		s.busy = false
		return s.status(false), nil
	case RegChallenge:
		if !s.ready || s.latencyLeft > 0 {
			return 0, protocol.Errorf(protocol.TransferFault, "challenge not armed")
		}
		return s.challenge, nil
	case RegIDR:
		return MailboxIDR, nil
	case RegLevel:
		return s.level, nil
	case RegCtrl, RegResponse:
		return 0, nil
	}
	return 0, protocol.Errorf(protocol.TransferFault, "no register at mailbox offset 0x%X", off)
}

func (s *Simulator) status(pending bool) uint64 {
	var v uint64
	if s.ready && !pending {
		v |= StatusReady
	}
	if s.unlocked {
		v |= StatusUnlocked
	}
	if s.stalled {
		v |= StatusBootStall
	}
	if s.failed {
		v |= StatusFail
	}
	if s.busy {
		v |= StatusBusy
	}
	if s.level > 0 {
		v |= StatusPartial
	}
	return v
}

func (s *Simulator) writeReg(off, v uint64) error {
	switch off {
	case RegCtrl:
		return s.control(v)
	case RegResponse:
		s.response = v
		return nil
	case RegStatus, RegChallenge, RegIDR, RegLevel:
		return protocol.Errorf(protocol.TransferFault, "mailbox offset 0x%X is read-only", off)
	}
	return protocol.Errorf(protocol.TransferFault, "no register at mailbox offset 0x%X", off)
}

func (s *Simulator) control(v uint64) error {
	switch {
	case v&CtrlRequest != 0:
		s.rounds++
		s.challenge = mix(s.cfg.Seed + s.rounds)
		s.ready = true
		s.failed = false
		s.latencyLeft = s.cfg.StatusLatency

	case v&CtrlSubmit != 0:
		if !s.ready {
			return protocol.Errorf(protocol.TransferFault, "submit without a pending challenge")
		}
		s.ready = false
		s.busy = true
		s.latencyLeft = s.cfg.StatusLatency
		if s.response == s.challenge^s.cfg.Secret {
			s.level++
			if v&CtrlFinalize != 0 {
				s.unlocked = true
			}
		} else {
			s.failed = true
		}

	case v&CtrlResume != 0:
		if !s.unlocked {
			return protocol.Errorf(protocol.TransferFault, "resume while locked")
		}
		s.stalled = false

	default:
		return protocol.Errorf(protocol.TransferFault, "unknown control value 0x%X", v)
	}
	return nil
}

// mix is splitmix64's finalizer, enough to make challenges look random while
// staying deterministic for a given seed.
func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xBF58476D1CE4E5B9
	x ^= x >> 27
	x *= 0x94D049BB133111EB
	x ^= x >> 31
	return x
}

// ResetStart records the first stage of a host-driven reset.
func (s *Simulator) ResetStart(t protocol.ResetType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetsStarted = append(s.resetsStarted, t)
	return nil
}

// ResetFinish records the second stage. A finish without a matching start is
// a protocol violation by the plugin and reported as such.
func (s *Simulator) ResetFinish(t protocol.ResetType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.resetsFinished) >= len(s.resetsStarted) {
		return protocol.Errorf(protocol.RequestFailed, "reset finish without start")
	}
	if s.resetsStarted[len(s.resetsFinished)] != t {
		return protocol.Errorf(protocol.RequestFailed, "reset finish type mismatch")
	}
	s.resetsFinished = append(s.resetsFinished, t)
	return nil
}

// Unlocked reports whether full debug access has been granted.
func (s *Simulator) Unlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlocked
}

// BootStalled reports whether the target is still stalled in early boot.
func (s *Simulator) BootStalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalled
}

// Level reports how many unlock levels have been granted.
func (s *Simulator) Level() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// Resets reports recorded reset stages for pairing assertions.
func (s *Simulator) Resets() (started, finished []protocol.ResetType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ResetType(nil), s.resetsStarted...),
		append([]protocol.ResetType(nil), s.resetsFinished...)
}

// ExpectedResponse computes the accepted response for the simulator's
// current challenge. Exposed for tests that bypass the plugin.
func (s *Simulator) ExpectedResponse() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challenge ^ s.cfg.Secret
}

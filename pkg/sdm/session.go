package sdm

import (
	"log/slog"
	"sync"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
)

type sessionState uint8

const (
	stateClosed sessionState = iota
	stateOpen
)

// Session is the host's handle to one secure debug session. A session admits
// a single call in flight at a time; concurrent calls on the same session
// serialize on an internal mutex. Distinct sessions are fully isolated.
type Session struct {
	mu sync.Mutex

	state         sessionState
	plugin        Plugin
	host          *Host
	authenticated bool
}

// Open validates the parameters, binds the callback table and refcon, and
// hands the plugin a session-lifetime Host. Malformed or incompatible
// parameters fail with RequestFailed.
func Open(p Plugin, params *OpenParameters) (*Session, error) {
	if p == nil {
		return nil, protocol.Errorf(protocol.RequestFailed, "nil plugin")
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	host := &Host{params: params, t: newTransport(params)}
	if err := p.Open(host); err != nil {
		return nil, err
	}

	slog.Debug("sdm session opened",
		"architecture", params.Architecture,
		"connectMode", params.ConnectMode,
		"version", params.Version)

	return &Session{state: stateOpen, plugin: p, host: host}, nil
}

func (s *Session) begin() error {
	if s == nil {
		return protocol.Errorf(protocol.RequestFailed, "nil session")
	}
	s.mu.Lock()
	if s.state != stateOpen {
		s.mu.Unlock()
		return protocol.Errorf(protocol.RequestFailed, "session is closed")
	}
	return nil
}

// ProtectionState queries whether the target currently requires
// authentication. Legal any number of times while the session is open.
// UnsupportedOperation is not fatal; the host may Authenticate regardless.
func (s *Session) ProtectionState() (protocol.ProtectionState, error) {
	if err := s.begin(); err != nil {
		return protocol.Unlocked, err
	}
	defer s.mu.Unlock()
	return s.plugin.ProtectionState()
}

// Authenticate performs one authentication round. Repeatable: a host in
// multiple-authentication mode negotiates incremental unlock steps one call
// at a time, signalling the final round via IsLastAuthentication. Repetition
// is idempotent to the protocol but the target's own policy may reject it.
func (s *Session) Authenticate(p AuthenticateParams) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	err := s.plugin.Authenticate(p)
	if err == nil {
		s.authenticated = true
	}
	slog.Debug("sdm authenticate round",
		"last", p.IsLastAuthentication, "code", protocol.CodeOf(err))
	return err
}

// ResumeBoot releases a target stalled in early boot. Legal only after at
// least one successful Authenticate; a no-op concept for targets that
// authenticate at runtime, whose plugins report UnsupportedOperation.
func (s *Session) ResumeBoot() error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if !s.authenticated {
		return protocol.Errorf(protocol.RequestFailed, "resume-boot before successful authenticate")
	}
	return s.plugin.ResumeBoot()
}

// Close ends the session and releases all plugin-owned resources. Close is
// terminal and always logically succeeds on a valid open session, even if
// internal cleanup is partial; every later call on the handle fails with
// RequestFailed.
func (s *Session) Close() error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.state = stateClosed
	if err := s.plugin.Close(); err != nil {
		slog.Warn("sdm plugin close reported failure", "error", err)
	}
	s.plugin = nil
	s.host = nil
	slog.Debug("sdm session closed")
	return nil
}

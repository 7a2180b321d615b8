// Package unlock implements a challenge/response Secure Debug Manager for
// targets carrying a debug mailbox. The target-specific parts (which device
// holds the mailbox, how a challenge is requested) come from sequence
// files named by a manifest in the plugin's resource directory; the
// challenge/response exchange itself is fixed.
package unlock

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
)

// DefaultManifestName is looked up in the resource directory when the open
// parameters carry no explicit manifest path.
const DefaultManifestName = "manifest.sdm"

// Manifest describes one unlockable target. Sequence paths are relative to
// the manifest's own directory.
type Manifest struct {
	// Name identifies the target family; cached form values are keyed by it.
	Name string

	// Request is the sequence that arms a fresh challenge. Its final
	// operation must read the challenge register.
	Request string

	// Resume is the sequence releasing a boot-stalled target. Empty when the
	// target never stalls.
	Resume string

	// Reset is the reset bracket around the final credential submission, or
	// ResetNone when the target applies permissions without one.
	Reset protocol.ResetType

	dir string
}

// Path resolves a manifest-relative sequence path.
func (m *Manifest) Path(name string) string {
	return filepath.Join(m.dir, name)
}

// LoadManifest reads a key = value manifest file. Unknown keys are rejected
// so a typo cannot silently drop a sequence.
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, protocol.Errorf(protocol.RequestFailed, "open manifest: %v", err)
	}
	defer f.Close()

	m := &Manifest{dir: filepath.Dir(path)}
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return nil, protocol.Errorf(protocol.RequestFailed,
				"%s:%d: expected key = value", path, line)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		switch key {
		case "name":
			m.Name = value
		case "request":
			m.Request = value
		case "resume":
			m.Resume = value
		case "reset":
			switch value {
			case "none":
				m.Reset = protocol.ResetNone
			case "hardware":
				m.Reset = protocol.ResetHardware
			case "software":
				m.Reset = protocol.ResetSoftware
			default:
				return nil, protocol.Errorf(protocol.RequestFailed,
					"%s:%d: unknown reset type %q", path, line, value)
			}
		default:
			return nil, protocol.Errorf(protocol.RequestFailed,
				"%s:%d: unknown key %q", path, line, key)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, protocol.Errorf(protocol.RequestFailed, "read manifest: %v", err)
	}

	if m.Name == "" {
		return nil, protocol.Errorf(protocol.RequestFailed, "%s: manifest names no target", path)
	}
	if m.Request == "" {
		return nil, protocol.Errorf(protocol.RequestFailed, "%s: manifest has no request sequence", path)
	}
	return m, nil
}

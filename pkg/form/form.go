// Package form models the user-input requests an SDM plugin presents through
// the host: an ordered sequence of typed elements whose value buffers are
// owned and pre-sized by the plugin. Forms are transient, valid only for the
// duration of a single presentation call.
package form

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
)

// ElementKind tags a form element variant.
type ElementKind uint8

const (
	// StaticText is display-only.
	StaticText ElementKind = iota
	// TextField is a free-text input with a declared capacity.
	TextField
	// Checkbox is a tri-state toggle.
	Checkbox
	// PathSelect asks for a file or directory path.
	PathSelect
	// Choice is a single selection from a fixed list.
	Choice
)

// String implements Stringer.
func (k ElementKind) String() string {
	switch k {
	case StaticText:
		return "static-text"
	case TextField:
		return "text-field"
	case Checkbox:
		return "checkbox"
	case PathSelect:
		return "path-select"
	case Choice:
		return "choice"
	}
	return fmt.Sprintf("element-kind(%d)", uint8(k))
}

// Flags is the per-element flags bitmask.
type Flags uint32

const (
	// FlagOptional marks the element completable without input.
	FlagOptional Flags = 1 << 0
	// FlagDisabled shows the element but refuses input.
	FlagDisabled Flags = 1 << 1
	// FlagHidden excludes the element from display.
	FlagHidden Flags = 1 << 2
	// FlagCacheable lets the host persist the entered value across sessions.
	FlagCacheable Flags = 1 << 3

	// FlagSecret suppresses echo of a TextField (passwords).
	FlagSecret Flags = 1 << 8
	// FlagDirectory restricts a PathSelect to directories.
	FlagDirectory Flags = 1 << 9
)

// CheckState is the value of a tri-state Checkbox.
type CheckState uint8

const (
	Unchecked CheckState = iota
	Checked
	Indeterminate
)

// Element is one entry of a form. The value slots are populated in place by
// the host when the user completes the form; after a cancellation every
// output slot is undefined.
type Element struct {
	ID    string
	Kind  ElementKind
	Title string
	Help  string
	Flags Flags

	// MaxLen is the declared capacity of Text for TextField and PathSelect
	// elements. The host must not store a longer value.
	MaxLen int
	// Text is the TextField/PathSelect output slot and StaticText body.
	Text string

	// State is the Checkbox slot.
	State CheckState

	// Options are the Choice items; Selected is the chosen index.
	Options  []string
	Selected int
}

// SetText stores the entered value, enforcing the declared capacity.
func (e *Element) SetText(v string) error {
	if e.Kind != TextField && e.Kind != PathSelect {
		return protocol.Errorf(protocol.InvalidArgument, "element %q is %v, not text", e.ID, e.Kind)
	}
	if len(v) > e.MaxLen {
		return protocol.Errorf(protocol.InvalidArgument,
			"value of %d bytes exceeds capacity %d of %q", len(v), e.MaxLen, e.ID)
	}
	e.Text = v
	return nil
}

// SetSelected stores a Choice selection, bounds-checked against Options.
func (e *Element) SetSelected(i int) error {
	if e.Kind != Choice {
		return protocol.Errorf(protocol.InvalidArgument, "element %q is %v, not choice", e.ID, e.Kind)
	}
	if i < 0 || i >= len(e.Options) {
		return protocol.Errorf(protocol.InvalidArgument,
			"selection %d out of range for %q (%d options)", i, e.ID, len(e.Options))
	}
	e.Selected = i
	return nil
}

// Form is an ordered user-input request.
type Form struct {
	Title    string
	Elements []Element
}

// Validate checks structural consistency: unique non-empty IDs, capacities
// on text inputs, options on choices, and flags that match the element kind.
func (f *Form) Validate() error {
	seen := make(map[string]bool, len(f.Elements))
	for i := range f.Elements {
		e := &f.Elements[i]
		if e.ID == "" {
			return protocol.Errorf(protocol.InvalidArgument, "element %d has no ID", i)
		}
		if seen[e.ID] {
			return protocol.Errorf(protocol.InvalidArgument, "duplicate element ID %q", e.ID)
		}
		seen[e.ID] = true

		switch e.Kind {
		case TextField, PathSelect:
			if e.MaxLen <= 0 {
				return protocol.Errorf(protocol.InvalidArgument, "text element %q has no capacity", e.ID)
			}
		case Choice:
			if len(e.Options) == 0 {
				return protocol.Errorf(protocol.InvalidArgument, "choice %q has no options", e.ID)
			}
			if e.Selected < 0 || e.Selected >= len(e.Options) {
				return protocol.Errorf(protocol.InvalidArgument, "choice %q default out of range", e.ID)
			}
		}

		if e.Flags&FlagSecret != 0 && e.Kind != TextField {
			return protocol.Errorf(protocol.InvalidArgument, "secret flag on non-text %q", e.ID)
		}
		if e.Flags&FlagDirectory != 0 && e.Kind != PathSelect {
			return protocol.Errorf(protocol.InvalidArgument, "directory flag on non-path %q", e.ID)
		}
		if e.Flags&FlagSecret != 0 && e.Flags&FlagCacheable != 0 {
			return protocol.Errorf(protocol.InvalidArgument, "secret %q must not be cacheable", e.ID)
		}
	}
	return nil
}

// Lookup returns the element with the given ID, or nil.
func (f *Form) Lookup(id string) *Element {
	for i := range f.Elements {
		if f.Elements[i].ID == id {
			return &f.Elements[i]
		}
	}
	return nil
}

package host

import (
	"fmt"
	"strconv"
	"strings"

	tty "github.com/mattn/go-tty"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/form"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
)

// ConsolePresenter renders plugin forms on the controlling terminal. Each
// element prompts in order; secret fields are entered without echo. Escape
// or Ctrl-C anywhere cancels the whole form.
type ConsolePresenter struct{}

// Present implements the Options.PresentForm contract.
func (ConsolePresenter) Present(f *form.Form) error {
	t, err := tty.Open()
	if err != nil {
		return protocol.Errorf(protocol.IOError, "open terminal: %w", err)
	}
	defer t.Close()
	return presentOn(ttyConsole{t}, f)
}

// console is the terminal slice Present needs; tests script it.
type console interface {
	print(s string)
	readRune() (rune, error)
}

type ttyConsole struct{ t *tty.TTY }

func (c ttyConsole) print(s string) { c.t.Output().WriteString(s) }

func (c ttyConsole) readRune() (rune, error) { return c.t.ReadRune() }

func presentOn(c console, f *form.Form) error {
	if f.Title != "" {
		c.print(f.Title + "\r\n")
	}
	for i := range f.Elements {
		e := &f.Elements[i]
		if e.Flags&form.FlagHidden != 0 {
			continue
		}
		if err := presentElement(c, e); err != nil {
			return err
		}
	}
	return nil
}

func presentElement(c console, e *form.Element) error {
	if e.Kind == form.StaticText || e.Flags&form.FlagDisabled != 0 {
		c.print("  " + e.Title)
		if e.Kind == form.StaticText && e.Text != "" {
			c.print(": " + e.Text)
		}
		c.print("\r\n")
		if e.Help != "" {
			c.print("    " + e.Help + "\r\n")
		}
		return nil
	}

	for {
		prompt := "  " + e.Title
		switch e.Kind {
		case form.TextField, form.PathSelect:
			if e.Text != "" && e.Flags&form.FlagSecret == 0 {
				prompt += fmt.Sprintf(" [%s]", e.Text)
			}
		case form.Checkbox:
			if e.State == form.Checked {
				prompt += " [Y/n]"
			} else {
				prompt += " [y/N]"
			}
		case form.Choice:
			c.print("  " + e.Title + ":\r\n")
			for n, opt := range e.Options {
				marker := " "
				if n == e.Selected {
					marker = "*"
				}
				c.print(fmt.Sprintf("   %s %d) %s\r\n", marker, n+1, opt))
			}
			prompt = fmt.Sprintf("  choice [%d]", e.Selected+1)
		}
		c.print(prompt + ": ")

		line, err := readLine(c, e.Flags&form.FlagSecret != 0)
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)

		if accepted, err := applyInput(e, line); accepted {
			return nil
		} else if err != nil {
			c.print("    " + err.Error() + "\r\n")
		}
	}
}

// applyInput stores one line of input into the element. It reports false with
// a nil error when the element still needs input (a required field left
// empty) and false with an error for input that must be re-entered.
func applyInput(e *form.Element, line string) (bool, error) {
	switch e.Kind {
	case form.TextField, form.PathSelect:
		if line == "" {
			if e.Text != "" || e.Flags&form.FlagOptional != 0 {
				return true, nil
			}
			return false, nil
		}
		if err := e.SetText(line); err != nil {
			return false, err
		}
		return true, nil

	case form.Checkbox:
		switch strings.ToLower(line) {
		case "":
			return true, nil
		case "y", "yes":
			e.State = form.Checked
		case "n", "no":
			e.State = form.Unchecked
		default:
			return false, protocol.Errorf(protocol.InvalidArgument, "answer y or n")
		}
		return true, nil

	case form.Choice:
		if line == "" {
			return true, nil
		}
		n, err := strconv.Atoi(line)
		if err != nil {
			return false, protocol.Errorf(protocol.InvalidArgument, "enter an option number")
		}
		if err := e.SetSelected(n - 1); err != nil {
			return false, err
		}
		return true, nil
	}
	return true, nil
}

// readLine collects runes until Enter. Backspace edits, Escape and Ctrl-C
// cancel the form. With masked set, typed characters echo as asterisks.
func readLine(c console, masked bool) (string, error) {
	var line []rune
	for {
		r, err := c.readRune()
		if err != nil {
			return "", protocol.Errorf(protocol.IOError, "read terminal: %w", err)
		}
		switch r {
		case '\r', '\n':
			c.print("\r\n")
			return string(line), nil
		case 0x03, 0x1B: // Ctrl-C, Escape
			c.print("\r\n")
			return "", protocol.Errorf(protocol.UserCancelled, "input cancelled")
		case 0x08, 0x7F: // Backspace, Delete
			if len(line) > 0 {
				line = line[:len(line)-1]
				c.print("\b \b")
			}
		default:
			if r < 0x20 {
				continue
			}
			line = append(line, r)
			if masked {
				c.print("*")
			} else {
				c.print(string(r))
			}
		}
	}
}

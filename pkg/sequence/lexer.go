// Package sequence parses unlock-sequence files: small scripts shipped in a
// plugin's resource directory that describe the register accesses needed to
// drive a target's unlock mailbox. A script names one device, one transfer
// width, and an ordered list of read/write/poll steps that compile directly
// to a register-access batch.
package sequence

import (
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
)

// seqLexer defines the lexical structure of .seq files. Comments run from
// "--" to end of line, matching the hardware description files the format
// grew out of.
var seqLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `--[^\n]*`},
	{Name: "Whitespace", Pattern: `[\s\t\n\r]+`},

	{Name: "Eq", Pattern: `==`},

	// Numbers allow underscore grouping: 0x1A00_0000, 1_000.
	{Name: "Number", Pattern: `0[xX][0-9a-fA-F_]+|[0-9][0-9_]*`},

	{Name: "Ident", Pattern: `[a-zA-Z][a-zA-Z0-9_]*`},
})

// Number captures numeric literals, accepting hex with 0x prefix and
// underscore grouping in either base.
type Number uint64

// Capture implements participle's Capture interface.
func (n *Number) Capture(values []string) error {
	s := strings.ReplaceAll(values[0], "_", "")
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return err
	}
	*n = Number(v)
	return nil
}

package sequence

import (
	"io"
	"os"

	"github.com/alecthomas/participle/v2"

	"github.com/OpenTraceLab/OpenTraceSDM/pkg/device"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/protocol"
	"github.com/OpenTraceLab/OpenTraceSDM/pkg/transfer"
)

// Script is the parse tree of one .seq file.
type Script struct {
	Statements []*Statement `@@*`
}

// Statement is one line of a script.
type Statement struct {
	Device *DeviceStmt `  "device" @@`
	Width  *WidthStmt  `| "width" @@`
	Write  *WriteStmt  `| "write" @@`
	Read   *ReadStmt   `| "read" @@`
	Poll   *PollStmt   `| "poll" @@`
}

// DeviceStmt names the unit the script's register accesses target.
type DeviceStmt struct {
	AP        *APClause        `  "ap" @@`
	APv6      *APClause        `| "apv6" @@`
	Component *ComponentClause `| "component" @@`
	DPDirect  *DPClause        `| "dp" @@`
}

// APClause addresses an Access Port: debug port index, AP address, and the
// base of the memory window it exposes.
type APClause struct {
	DP   Number `@Number`
	Addr Number `@Number`
	Base Number `"base" @Number`
}

// ComponentClause addresses a CoreSight component through a v5 MEM-AP.
type ComponentClause struct {
	DP     Number `"ap" @Number`
	APAddr Number `@Number`
	Base   Number `"base" @Number`
	Offset Number `"offset" @Number`
}

// DPClause addresses a component directly in the debug port's own space.
type DPClause struct {
	DP     Number `@Number`
	Offset Number `"offset" @Number`
}

// WidthStmt fixes the batch transfer width in bits.
type WidthStmt struct {
	Bits Number `@Number`
}

// WriteStmt stores a value to a register offset.
type WriteStmt struct {
	Addr  Number `@Number`
	Value Number `@Number`
}

// ReadStmt fetches a register offset.
type ReadStmt struct {
	Addr Number `@Number`
}

// PollStmt repeatedly reads a register until the masked value matches.
// Omitted retries mean an unbounded budget, clamped by the executor ceiling.
type PollStmt struct {
	Addr    Number  `@Number`
	Mask    Number  `"mask" @Number`
	Value   Number  `Eq @Number`
	Retries *Number `("retries" @Number)?`
}

// Parser parses unlock-sequence files.
type Parser struct {
	parser *participle.Parser[Script]
}

// NewParser builds the sequence-file parser.
func NewParser() (*Parser, error) {
	p, err := participle.Build[Script](
		participle.Lexer(seqLexer),
		participle.Elide("Comment", "Whitespace"),
		participle.UseLookahead(2),
	)
	if err != nil {
		return nil, protocol.Errorf(protocol.InternalError, "failed to build parser: %v", err)
	}
	return &Parser{parser: p}, nil
}

// Parse parses a script from a reader.
func (p *Parser) Parse(name string, r io.Reader) (*Script, error) {
	script, err := p.parser.Parse(name, r)
	if err != nil {
		return nil, protocol.Errorf(protocol.RequestFailed, "parse error in %s: %v", name, err)
	}
	return script, nil
}

// ParseString parses a script from a string.
func (p *Parser) ParseString(name, input string) (*Script, error) {
	script, err := p.parser.ParseString(name, input)
	if err != nil {
		return nil, protocol.Errorf(protocol.RequestFailed, "parse error in %s: %v", name, err)
	}
	return script, nil
}

// ParseFile parses a script from a file path.
func (p *Parser) ParseFile(filename string) (*Script, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, protocol.Errorf(protocol.RequestFailed, "failed to open sequence file: %v", err)
	}
	defer f.Close()
	return p.Parse(filename, f)
}

// Sequence is a compiled script: the device to target, the batch transfer
// width, and the register operations in script order.
type Sequence struct {
	Device *device.Descriptor
	Size   transfer.Size
	Ops    []transfer.RegisterOp
}

// Compile lowers the parse tree to a runnable sequence. A script must name
// exactly one device; the width defaults to 32 bits and must precede the
// first register operation.
func (s *Script) Compile() (*Sequence, error) {
	seq := &Sequence{Size: transfer.Size32}

	for _, st := range s.Statements {
		switch {
		case st.Device != nil:
			if seq.Device != nil {
				return nil, protocol.Errorf(protocol.RequestFailed, "multiple device statements")
			}
			dev, err := st.Device.compile()
			if err != nil {
				return nil, err
			}
			seq.Device = dev

		case st.Width != nil:
			if len(seq.Ops) > 0 {
				return nil, protocol.Errorf(protocol.RequestFailed, "width statement after register operations")
			}
			switch st.Width.Bits {
			case 8:
				seq.Size = transfer.Size8
			case 16:
				seq.Size = transfer.Size16
			case 32:
				seq.Size = transfer.Size32
			case 64:
				seq.Size = transfer.Size64
			default:
				return nil, protocol.Errorf(protocol.RequestFailed, "invalid width %d", st.Width.Bits)
			}

		case st.Write != nil:
			seq.Ops = append(seq.Ops, transfer.RegisterOp{
				Op: transfer.OpWrite, Addr: uint64(st.Write.Addr), Value: uint64(st.Write.Value),
			})

		case st.Read != nil:
			seq.Ops = append(seq.Ops, transfer.RegisterOp{
				Op: transfer.OpRead, Addr: uint64(st.Read.Addr),
			})

		case st.Poll != nil:
			op := transfer.RegisterOp{
				Op:    transfer.OpPoll,
				Addr:  uint64(st.Poll.Addr),
				Mask:  uint64(st.Poll.Mask),
				Value: uint64(st.Poll.Value),
			}
			if st.Poll.Retries != nil {
				op.Retries = uint32(*st.Poll.Retries)
			}
			seq.Ops = append(seq.Ops, op)
		}
	}

	if seq.Device == nil {
		return nil, protocol.Errorf(protocol.RequestFailed, "script names no device")
	}
	return seq, nil
}

func (d *DeviceStmt) compile() (*device.Descriptor, error) {
	switch {
	case d.AP != nil:
		return device.AccessPortV5(int(d.AP.DP), uint64(d.AP.Addr), uint64(d.AP.Base))
	case d.APv6 != nil:
		return device.AccessPortV6(int(d.APv6.DP), uint64(d.APv6.Addr), uint64(d.APv6.Base)), nil
	case d.Component != nil:
		memAP, err := device.AccessPortV5(int(d.Component.DP), uint64(d.Component.APAddr), uint64(d.Component.Base))
		if err != nil {
			return nil, err
		}
		return device.Component(memAP, uint64(d.Component.Offset)), nil
	case d.DPDirect != nil:
		return device.DPComponent(int(d.DPDirect.DP), uint64(d.DPDirect.Offset)), nil
	}
	return nil, protocol.Errorf(protocol.RequestFailed, "empty device statement")
}

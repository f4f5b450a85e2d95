package program

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// ProgramLexer tokenizes program files. Keywords are matched before
// identifiers; newlines are plain whitespace.
var ProgramLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `#[^\n]*`},
	{Name: "Whitespace", Pattern: `[\s\t\n\r]+`},

	{Name: "KwOptions", Pattern: `\boptions\b`},
	{Name: "KwPowerline", Pattern: `\bpowerline_trigger\b`},
	{Name: "KwInstr", Pattern: `\binstr\b`},
	{Name: "KwWaveform", Pattern: `\bwaveform\b`},

	// 0x.., 0b.., 0o.. and decimal, with optional '_' separators.
	{Name: "Number", Pattern: `0[xX][0-9a-fA-F_]+|0[bB][01_]+|0[oO][0-7_]+|[0-9][0-9_]*`},
	{Name: "String", Pattern: `"[^"\n]*"`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},

	{Name: "Punct", Pattern: `[=,\[\]{}]`},
})

package program

import "github.com/alecthomas/participle/v2/lexer"

// File is the parse tree of a program file.
type File struct {
	Stmts []*Stmt `@@*`
}

// Stmt is one top-level statement.
type Stmt struct {
	Options   *OptionsStmt   `  @@`
	Powerline *PowerlineStmt `| @@`
	Instr     *InstrStmt     `| @@`
	Waveform  *WaveformStmt  `| @@`
}

// OptionsStmt sets device options.
// Example: options final_ram_address=3 run_mode=continuous
type OptionsStmt struct {
	Pos    lexer.Position
	Fields []*Field `KwOptions @@*`
}

// PowerlineStmt sets the powerline trigger options.
// Example: powerline_trigger trigger_on_powerline=true powerline_trigger_delay=0
type PowerlineStmt struct {
	Pos    lexer.Position
	Fields []*Field `KwPowerline @@*`
}

// InstrStmt places one instruction.
// Example: instr 1 state=[0,1] countdown=2 loopto=0 loops=1 notify_computer
type InstrStmt struct {
	Pos     lexer.Position
	Address string   `KwInstr @Number`
	Fields  []*Field `@@*`
}

// Field is key=value, or a bare key for a flag.
type Field struct {
	Pos   lexer.Position
	Key   string `@Ident`
	Value *Value `( "=" @@ )?`
}

// Value is a number, a list of numbers or a word.
type Value struct {
	Number *string  `  @Number`
	Empty  bool     `| @( "[" "]" )`
	List   []string `| "[" @Number ( "," @Number )* "]"`
	Word   *string  `| @Ident`
}

// WaveformStmt declares sampled channels compiled into instructions.
// Example: waveform rabi { d_ch1 = "1100" }
type WaveformStmt struct {
	Pos      lexer.Position
	Name     string     `KwWaveform @Ident "{"`
	Channels []*Channel `@@* "}"`
}

// Channel is one sampled channel of a waveform.
type Channel struct {
	Pos     lexer.Position
	Name    string `@( Ident | Number ) "="`
	Pattern string `@String`
}

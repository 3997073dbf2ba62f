// Package opcode defines the closed instruction opcode enum shared by the
// trace reader, the dispatcher, and the instruction queue family.
package opcode

import "fmt"

// OpCode is one of the instructions the accelerator trace language can
// express. The set is closed: Pl2, Pl3 and Pl4 exist in the grammar but are
// rejected by the reader (see pkg/trace), mirroring the disabled paths in
// the reference hardware model.
type OpCode uint8

const (
	LoadV OpCode = iota
	LoadS
	Store
	Spill
	EvkGen
	Dis
	Rcv
	Joi
	Add
	Sub
	Neg
	Mul
	Div
	Rot
	Con
	Ntt
	Int
	Mov
	Pl1
	Pl2
	Pl3
	Pl4
	SuD
	Bci
	BcW
	BcR
	Nop
	Rsi
	Rsv
	Mod
	numOpCodes
)

var names = [numOpCodes]string{
	LoadV:  "LoadV",
	LoadS:  "LoadS",
	Store:  "Store",
	Spill:  "Spill",
	EvkGen: "EvkGen",
	Dis:    "Dis",
	Rcv:    "Rcv",
	Joi:    "Joi",
	Add:    "Add",
	Sub:    "Sub",
	Neg:    "Neg",
	Mul:    "Mul",
	Div:    "Div",
	Rot:    "Rot",
	Con:    "Con",
	Ntt:    "Ntt",
	Int:    "Int",
	Mov:    "Mov",
	Pl1:    "Pl1",
	Pl2:    "Pl2",
	Pl3:    "Pl3",
	Pl4:    "Pl4",
	SuD:    "SuD",
	Bci:    "Bci",
	BcW:    "BcW",
	BcR:    "BcR",
	Nop:    "Nop",
	Rsi:    "Rsi",
	Rsv:    "Rsv",
	Mod:    "Mod",
}

// String implements fmt.Stringer. Unknown values panic — the enum is closed
// and any value outside it is a parser or dispatcher bug, not recoverable
// user input.
func (o OpCode) String() string {
	if o >= numOpCodes {
		panic(fmt.Sprintf("opcode: invalid OpCode %d", uint8(o)))
	}
	return names[o]
}

// Disabled reports whether the opcode is a recognized grammar token that the
// active core refuses to execute (Pl2/Pl3/Pl4).
func (o OpCode) Disabled() bool {
	return o == Pl2 || o == Pl3 || o == Pl4
}

// canonical maps the lower-case mnemonic used in trace files to an OpCode.
// Several keys ("ads", "sus", "mup", "mus", "loas") are aliases tolerated
// by the reader alongside their canonical spelling.
var canonical = map[string]OpCode{
	"load":  LoadV,
	"loas":  LoadS,
	"store": Store,
	"spill": Spill,
	"evg":   EvkGen,
	"bci":   Bci,
	"bcw":   BcW,
	"bcr":   BcR,
	"add":   Add,
	"ads":   Add,
	"sub":   Sub,
	"sus":   Sub,
	"neg":   Neg,
	"mul":   Mul,
	"mup":   Mul,
	"mus":   Mul,
	"div":   Div,
	"int":   Int,
	"ntt":   Ntt,
	"sud":   SuD,
	"pl1":   Pl1,
	"pl2":   Pl2,
	"pl3":   Pl3,
	"pl4":   Pl4,
	"rot":   Rot,
	"mov":   Mov,
	"con":   Con,
	"rsi":   Rsi,
	"rsv":   Rsv,
	"mod":   Mod,
	"rcv":   Rcv,
	"dis":   Dis,
	"joi":   Joi,
	"nop":   Nop,
}

// Lookup resolves a trace mnemonic (already lower-cased) to its canonical
// OpCode, reporting false if the mnemonic is unrecognized.
func Lookup(mnemonic string) (OpCode, bool) {
	op, ok := canonical[mnemonic]
	return op, ok
}

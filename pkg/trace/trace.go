// Package trace implements the lazy, line-oriented trace reader: one parsed
// instruction per non-empty trace line, using the regular grammar described
// in the trace file format.
package trace

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"cinnamon/pkg/opcode"
)

// OperandKind tags the variant an Operand carries.
type OperandKind uint8

const (
	VectorArchReg OperandKind = iota
	ScalarArchReg
	BCVRef
	BCUInit
	MemoryTerm
)

// Operand is the tagged-variant operand descriptor: vector-arch-reg{id,
// dead}, scalar-arch-reg{id, dead}, bcu-virtual-ref{bcuId, optional id},
// bcu-init{bcuId, numReads, numWrites}, memory-term{name, free_from_mem}.
type Operand struct {
	Kind OperandKind

	ArchID      int    // VectorArchReg / ScalarArchReg
	Dead        bool   // VectorArchReg / ScalarArchReg
	BCUID       int    // BCVRef / BCUInit: BCU identifier "b"/"B" digits
	HasSub      bool   // BCVRef: whether "{K}" suffix was present
	Sub         int    // BCVRef: the K in "{K}"
	Term        string // MemoryTerm
	FreeFromMem bool   // MemoryTerm: "{F}" suffix

	NumOutBases int // BCUInit (bci dests)
	NumInBases  int // BCUInit (bci dests)
}

// Instruction is one parsed trace line.
type Instruction struct {
	OpCode    opcode.OpCode
	RotIndex  *int
	LimbIndex int
	SyncID    *int
	SyncSize  *int
	Dests     []Operand
	Srcs      []Operand
}

var (
	vecRegexp     = regexp.MustCompile(`^r(\d+)(\[X\])?$`)
	scalarRegexp  = regexp.MustCompile(`^s(\d+)(\[X\])?$`)
	bcvRegexp     = regexp.MustCompile(`^[bB](\d+)(\{(\d+)\})?$`)
	termRegexp    = regexp.MustCompile(`^([^{}\s]+)(\{F\})?$`)
	rsiRegexp     = regexp.MustCompile(`^\{(r\d+(?:,\s*r\d+)*)\}$`)
	rsvRegexp     = regexp.MustCompile(`^\{(.*)\}:\s*(r\d+(?:\[X\])?):\s*\[(.*)\]\s*\|\s*(\d+)$`)
	modRegexp     = regexp.MustCompile(`^(r\d+(?:\[X\])?):\s*\{(.*)\}\s*\|\s*(\d+)$`)
	collectRegexp = regexp.MustCompile(`^@\s*(\d+):(\d+)\s+(.*)$`)
)

// ParseOperand parses a single operand token into its tagged variant, per
// the operand grammar: rN, rN[X], sN, sN[X], bN, bN{K}, BN, or a free-form
// memory term with optional {F} suffix.
func ParseOperand(tok string) (Operand, error) {
	tok = strings.TrimSpace(tok)
	if m := vecRegexp.FindStringSubmatch(tok); m != nil {
		id, _ := strconv.Atoi(m[1])
		return Operand{Kind: VectorArchReg, ArchID: id, Dead: m[2] != ""}, nil
	}
	if m := scalarRegexp.FindStringSubmatch(tok); m != nil {
		id, _ := strconv.Atoi(m[1])
		return Operand{Kind: ScalarArchReg, ArchID: id, Dead: m[2] != ""}, nil
	}
	if m := bcvRegexp.FindStringSubmatch(tok); m != nil {
		id, _ := strconv.Atoi(m[1])
		op := Operand{Kind: BCVRef, BCUID: id}
		if m[3] != "" {
			sub, _ := strconv.Atoi(m[3])
			op.HasSub = true
			op.Sub = sub
		}
		return op, nil
	}
	if m := termRegexp.FindStringSubmatch(tok); m != nil {
		return Operand{Kind: MemoryTerm, Term: m[1], FreeFromMem: m[2] != ""}, nil
	}
	return Operand{}, errors.Errorf("trace: unrecognized operand %q", tok)
}

func parseOperandList(list string) ([]Operand, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}
	var ops []Operand
	for _, tok := range strings.Split(list, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		op, err := ParseOperand(tok)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// parseBCIDests parses a bci instruction's "srcs" field, shaped
// "[outBases] [inBases]", deriving numOutBases/numInBases as comma-count+1
// for each bracketed group.
func parseBCIDests(raw string) (numOut, numIn int, err error) {
	groups := regexp.MustCompile(`\[([^\]]*)\]`).FindAllStringSubmatch(raw, -1)
	if len(groups) != 2 {
		return 0, 0, errors.Errorf("trace: bci expects two bracketed base lists, got %q", raw)
	}
	countCommas := func(s string) int {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0
		}
		return strings.Count(s, ",") + 1
	}
	return countCommas(groups[0][1]), countCommas(groups[1][1]), nil
}

// ParseLine parses one non-empty trace line into an Instruction.
func ParseLine(line string) (*Instruction, error) {
	line = strings.TrimSpace(line)
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		return nil, errors.Errorf("trace: malformed line %q", line)
	}
	mnemonic := strings.ToLower(line[:sp])
	rest := strings.TrimSpace(line[sp+1:])

	op, ok := opcode.Lookup(mnemonic)
	if !ok {
		return nil, errors.Errorf("trace: unrecognized opcode %q", mnemonic)
	}

	inst := &Instruction{OpCode: op}

	if op.Disabled() {
		return nil, errors.Errorf("trace: opcode %q is disabled in the active core", mnemonic)
	}

	if op == opcode.Rot {
		fields := strings.SplitN(rest, " ", 2)
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, errors.Wrapf(err, "trace: rot index")
		}
		inst.RotIndex = &idx
		if len(fields) > 1 {
			rest = strings.TrimSpace(fields[1])
		} else {
			rest = ""
		}
	}

	switch op {
	case opcode.Rsi:
		m := rsiRegexp.FindStringSubmatch(rest)
		if m == nil {
			return nil, errors.Errorf("trace: rsi body %q does not match grammar", rest)
		}
		dests, err := parseOperandList(m[1])
		if err != nil {
			return nil, err
		}
		inst.Dests = dests
		return inst, nil

	case opcode.Rsv:
		m := rsvRegexp.FindStringSubmatch(rest)
		if m == nil {
			return nil, errors.Errorf("trace: rsv body %q does not match grammar", rest)
		}
		dests, err := parseOperandList(m[1])
		if err != nil {
			return nil, err
		}
		src, err := ParseOperand(m[2])
		if err != nil {
			return nil, err
		}
		srcs, err := parseOperandList(m[3])
		if err != nil {
			return nil, err
		}
		limb, _ := strconv.Atoi(m[4])
		inst.Dests = dests
		inst.Srcs = append([]Operand{src}, srcs...)
		inst.LimbIndex = limb
		return inst, nil

	case opcode.Mod:
		m := modRegexp.FindStringSubmatch(rest)
		if m == nil {
			return nil, errors.Errorf("trace: mod body %q does not match grammar", rest)
		}
		dest, err := ParseOperand(m[1])
		if err != nil {
			return nil, err
		}
		srcs, err := parseOperandList(m[2])
		if err != nil {
			return nil, err
		}
		limb, _ := strconv.Atoi(m[3])
		inst.Dests = []Operand{dest}
		inst.Srcs = srcs
		inst.LimbIndex = limb
		return inst, nil

	case opcode.Rcv, opcode.Dis, opcode.Joi:
		m := collectRegexp.FindStringSubmatch(rest)
		if m == nil {
			return nil, errors.Errorf("trace: collective body %q does not match grammar", rest)
		}
		syncID, _ := strconv.Atoi(m[1])
		syncSize, _ := strconv.Atoi(m[2])
		inst.SyncID = &syncID
		inst.SyncSize = &syncSize
		return parseCollectiveTail(inst, m[3])

	case opcode.Bci:
		return parseBCI(inst, rest)

	default:
		return parseOrdinary(inst, rest)
	}
}

func parseCollectiveTail(inst *Instruction, body string) (*Instruction, error) {
	var destPart, srcAndLimb string
	if idx := strings.Index(body, ":"); idx >= 0 {
		destPart = strings.TrimSpace(body[:idx])
		srcAndLimb = strings.TrimSpace(body[idx+1:])
	} else {
		srcAndLimb = strings.TrimSpace(body)
	}
	if destPart != "" {
		d, err := ParseOperand(destPart)
		if err != nil {
			return nil, err
		}
		inst.Dests = []Operand{d}
	}
	srcPart := srcAndLimb
	if idx := strings.Index(srcAndLimb, "|"); idx >= 0 {
		srcPart = strings.TrimSpace(srcAndLimb[:idx])
		limbStr := strings.TrimSpace(srcAndLimb[idx+1:])
		if limbStr != "" {
			limb, err := strconv.Atoi(limbStr)
			if err != nil {
				return nil, errors.Wrapf(err, "trace: limb index")
			}
			inst.LimbIndex = limb
		}
	}
	if srcPart != "" {
		s, err := ParseOperand(srcPart)
		if err != nil {
			return nil, err
		}
		inst.Srcs = []Operand{s}
	}
	return inst, nil
}

func parseBCI(inst *Instruction, body string) (*Instruction, error) {
	parts := strings.SplitN(body, ":", 2)
	if len(parts) != 2 {
		return nil, errors.Errorf("trace: bci body %q missing ':'", body)
	}
	destTok := strings.TrimSpace(parts[0])
	dest, err := ParseOperand(destTok)
	if err != nil {
		return nil, err
	}
	if dest.Kind != BCVRef {
		return nil, errors.Errorf("trace: bci destination %q is not a BCVR", destTok)
	}
	numOut, numIn, err := parseBCIDests(parts[1])
	if err != nil {
		return nil, err
	}
	inst.Dests = []Operand{{Kind: BCUInit, BCUID: dest.BCUID, NumOutBases: numOut, NumInBases: numIn}}
	return inst, nil
}

func parseOrdinary(inst *Instruction, body string) (*Instruction, error) {
	limbPart := body
	if idx := strings.LastIndex(body, "|"); idx >= 0 {
		limbPart = strings.TrimSpace(body[idx+1:])
		body = strings.TrimSpace(body[:idx])
		limb, err := strconv.Atoi(limbPart)
		if err != nil {
			return nil, errors.Wrapf(err, "trace: limb index")
		}
		inst.LimbIndex = limb
	}

	destPart := body
	srcPart := ""
	if idx := strings.Index(body, ":"); idx >= 0 {
		destPart = strings.TrimSpace(body[:idx])
		srcPart = strings.TrimSpace(body[idx+1:])
	}

	dests, err := parseOperandList(destPart)
	if err != nil {
		return nil, err
	}
	srcs, err := parseOperandList(srcPart)
	if err != nil {
		return nil, err
	}
	inst.Dests = dests
	inst.Srcs = srcs
	return inst, nil
}

// Reader is a lazy line-oriented trace reader over an io.Reader.
type Reader struct {
	scanner *bufio.Scanner
	lineNo  int
}

// NewReader wraps r as a trace Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{scanner: bufio.NewScanner(r)}
}

// Next returns the next parsed instruction, or io.EOF when the trace is
// exhausted. Empty lines are skipped without consuming a "slot".
func (r *Reader) Next() (*Instruction, error) {
	for r.scanner.Scan() {
		r.lineNo++
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		inst, err := ParseLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "trace: line %d", r.lineNo)
		}
		return inst, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "trace: scan")
	}
	return nil, io.EOF
}

package unit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrUnknownOpcode   = errors.New("unknown opcode")
	ErrTruncatedCode   = errors.New("truncated instruction")
	ErrJumpOutOfRange  = errors.New("jump offset does not fit in 16 bits")
	ErrLabelUnresolved = errors.New("label referenced but never marked")
)

// ---------------------------------------------------------------------------
// Instr: one decoded instruction
// ---------------------------------------------------------------------------

// Instr is a decoded instruction. A holds the first operand (an index,
// an immediate, or the absolute target of a jump); B holds the argument
// count of SEND and INVOKE_NATIVE.
type Instr struct {
	Offset int
	Op     Opcode
	A      int
	B      int
}

// Len returns the encoded size of the instruction.
func (in Instr) Len() int {
	return 1 + in.Op.OperandBytes()
}

// Next returns the offset of the following instruction.
func (in Instr) Next() int {
	return in.Offset + in.Len()
}

// Pops returns the number of operand stack entries consumed.
func (in Instr) Pops() int {
	switch in.Op {
	case OpSend:
		return in.B + 1
	case OpInvokeNative:
		return in.B
	case OpCreateArray:
		return in.A
	}
	return in.Op.Info().Pops
}

// Pushes returns the number of operand stack entries produced.
func (in Instr) Pushes() int {
	return in.Op.Info().Pushes
}

// Decode splits code into instructions. Jump operands are converted to
// absolute targets; they are not checked against instruction boundaries.
func Decode(code []byte) ([]Instr, error) {
	var out []Instr
	r := NewBytecodeReader(code)
	for r.HasMore() {
		in, err := r.Next()
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// BytecodeReader
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode for decoding or disassembly.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// Next decodes the instruction at the current position and advances.
func (r *BytecodeReader) Next() (Instr, error) {
	start := r.pos
	op := Opcode(r.bytes[start])
	if !op.Known() {
		return Instr{}, fmt.Errorf("%w 0x%02X at %d", ErrUnknownOpcode, byte(op), start)
	}
	n := op.OperandBytes()
	if start+1+n > len(r.bytes) {
		return Instr{}, fmt.Errorf("%w: %s at %d", ErrTruncatedCode, op, start)
	}
	operands := r.bytes[start+1 : start+1+n]
	in := Instr{Offset: start, Op: op}

	switch op {
	case OpPushInt8:
		in.A = int(int8(operands[0]))
	case OpPushInt32:
		in.A = int(int32(binary.LittleEndian.Uint32(operands)))
	case OpPushTemp, OpPushIvar, OpStoreTemp, OpStoreIvar, OpCreateArray:
		in.A = int(operands[0])
	case OpPushLiteral, OpNew:
		in.A = int(binary.LittleEndian.Uint16(operands))
	case OpSend, OpInvokeNative:
		in.A = int(binary.LittleEndian.Uint16(operands))
		in.B = int(operands[2])
	case OpJump, OpJumpTrue, OpJumpFalse:
		rel := int16(binary.LittleEndian.Uint16(operands))
		in.A = start + 3 + int(rel)
	}

	r.pos = start + 1 + n
	return in, nil
}

// ---------------------------------------------------------------------------
// BytecodeBuilder
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes  []byte
	labels []*Label
	err    error
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Err returns the first encoding error, including labels that were
// referenced but never marked.
func (b *BytecodeBuilder) Err() error {
	if b.err != nil {
		return b.err
	}
	for _, l := range b.labels {
		if !l.resolved && len(l.refs) > 0 {
			return fmt.Errorf("%w: %s", ErrLabelUnresolved, l.name)
		}
	}
	return nil
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitInt8 appends an opcode with a signed 8-bit operand.
func (b *BytecodeBuilder) EmitInt8(op Opcode, operand int8) {
	b.bytes = append(b.bytes, byte(op), byte(operand))
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// EmitInt32 appends an opcode with a 32-bit operand (little-endian).
func (b *BytecodeBuilder) EmitInt32(op Opcode, operand int32) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(operand))
}

// EmitInt pushes n using the shortest encoding.
func (b *BytecodeBuilder) EmitInt(n int) {
	if n >= math.MinInt8 && n <= math.MaxInt8 {
		b.EmitInt8(OpPushInt8, int8(n))
		return
	}
	b.EmitInt32(OpPushInt32, int32(n))
}

// EmitCall appends a SEND or INVOKE_NATIVE instruction.
func (b *BytecodeBuilder) EmitCall(op Opcode, literal uint16, argc uint8) {
	b.bytes = append(b.bytes, byte(op), byte(literal), byte(literal>>8), argc)
}

// Label represents a forward or backward jump target.
type Label struct {
	name     string
	resolved bool
	position int
	refs     []int // positions that reference this label
}

// Position returns the marked offset of a resolved label.
func (l *Label) Position() int {
	return l.position
}

// Resolved reports whether the label has been marked.
func (l *Label) Resolved() bool {
	return l.resolved
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel(name string) *Label {
	l := &Label{name: name}
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved: " + label.name)
	}
	label.resolved = true
	label.position = len(b.bytes)

	for _, ref := range label.refs {
		b.patch(ref, label.position-(ref+2))
	}
	label.refs = nil
}

// EmitJump emits a jump instruction with a label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	ref := len(b.bytes)
	b.bytes = append(b.bytes, 0, 0)
	if label.resolved {
		b.patch(ref, label.position-(ref+2))
		return
	}
	label.refs = append(label.refs, ref)
}

func (b *BytecodeBuilder) patch(ref, offset int) {
	if offset < math.MinInt16 || offset > math.MaxInt16 {
		if b.err == nil {
			b.err = fmt.Errorf("%w: %d at %d", ErrJumpOutOfRange, offset, ref-1)
		}
		return
	}
	binary.LittleEndian.PutUint16(b.bytes[ref:], uint16(int16(offset)))
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders one instruction. Literal operands are
// resolved against lits when it is non-nil.
func DisassembleInstruction(in Instr, lits []Literal) string {
	name := in.Op.Name()
	switch in.Op {
	case OpPushInt8, OpPushInt32, OpPushTemp, OpPushIvar, OpStoreTemp, OpStoreIvar, OpCreateArray:
		return fmt.Sprintf("%04d  %s %d", in.Offset, name, in.A)
	case OpPushLiteral, OpNew:
		return fmt.Sprintf("%04d  %s %d%s", in.Offset, name, in.A, literalComment(lits, in.A))
	case OpSend, OpInvokeNative:
		return fmt.Sprintf("%04d  %s %d argc=%d%s", in.Offset, name, in.A, in.B, literalComment(lits, in.A))
	case OpJump, OpJumpTrue, OpJumpFalse:
		return fmt.Sprintf("%04d  %s -> %04d", in.Offset, name, in.A)
	default:
		return fmt.Sprintf("%04d  %s", in.Offset, name)
	}
}

func literalComment(lits []Literal, idx int) string {
	if idx < 0 || idx >= len(lits) {
		return ""
	}
	return "  ; " + lits[idx].String()
}

// Disassemble returns a full disassembly of bytecode. Undecodable
// trailing bytes are reported inline.
func Disassemble(bc []byte, lits []Literal) string {
	var sb strings.Builder
	r := NewBytecodeReader(bc)
	for r.HasMore() {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		in, err := r.Next()
		if err != nil {
			fmt.Fprintf(&sb, "%04d  <%v>", r.Position(), err)
			break
		}
		sb.WriteString(DisassembleInstruction(in, lits))
	}
	return sb.String()
}

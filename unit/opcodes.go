package unit

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP Opcode = 0x00 // no operation
	OpPOP Opcode = 0x01 // discard top of stack
	OpDUP Opcode = 0x02 // duplicate top of stack
)

// Push Constants
const (
	OpPushNil     Opcode = 0x10 // push nil
	OpPushTrue    Opcode = 0x11 // push true
	OpPushFalse   Opcode = 0x12 // push false
	OpPushSelf    Opcode = 0x13 // push self
	OpPushInt8    Opcode = 0x14 // push 8-bit signed integer
	OpPushInt32   Opcode = 0x15 // push 32-bit signed integer
	OpPushLiteral Opcode = 0x16 // push literal from the unit's pool (16-bit index)
)

// Variable Operations
const (
	OpPushTemp  Opcode = 0x20 // push temporary/argument (8-bit index)
	OpPushIvar  Opcode = 0x21 // push instance variable (8-bit index)
	OpStoreTemp Opcode = 0x23 // store into temporary, value stays on stack (8-bit index)
	OpStoreIvar Opcode = 0x24 // store into instance variable, value stays on stack (8-bit index)
)

// Message Sends
const (
	OpSend Opcode = 0x30 // send message (16-bit selector literal, 8-bit argc)
)

// Optimized Sends (single-byte, no operands)
const (
	OpSendPlus  Opcode = 0x40 // +
	OpSendMinus Opcode = 0x41 // -
	OpSendTimes Opcode = 0x42 // *
	OpSendDiv   Opcode = 0x43 // /
	OpSendLT    Opcode = 0x45 // <
	OpSendGT    Opcode = 0x46 // >
	OpSendEQ    Opcode = 0x49 // =
)

// Control Flow
const (
	OpJump      Opcode = 0x60 // unconditional jump (16-bit offset)
	OpJumpTrue  Opcode = 0x61 // pop, jump if true (16-bit offset)
	OpJumpFalse Opcode = 0x62 // pop, jump if false or nil (16-bit offset)
)

// Exits
const (
	OpReturnTop  Opcode = 0x70 // return top of stack
	OpReturnSelf Opcode = 0x71 // return self
	OpReturnNil  Opcode = 0x72 // return nil
	OpThrow      Opcode = 0x74 // pop and raise as exception
)

// Object Creation
const (
	OpCreateArray Opcode = 0x90 // create array from stack (8-bit size)
	OpNew         Opcode = 0x91 // instantiate class named by literal (16-bit index)
)

// Host calls
const (
	OpInvokeNative Opcode = 0xA0 // call host native (16-bit name literal, 8-bit argc)
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
	Pops         int    // fixed stack inputs (-1 = depends on operand)
	Pushes       int    // stack outputs
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP: {"NOP", 0, 0, 0},
	OpPOP: {"POP", 0, 1, 0},
	OpDUP: {"DUP", 0, 1, 2},

	OpPushNil:     {"PUSH_NIL", 0, 0, 1},
	OpPushTrue:    {"PUSH_TRUE", 0, 0, 1},
	OpPushFalse:   {"PUSH_FALSE", 0, 0, 1},
	OpPushSelf:    {"PUSH_SELF", 0, 0, 1},
	OpPushInt8:    {"PUSH_INT8", 1, 0, 1},
	OpPushInt32:   {"PUSH_INT32", 4, 0, 1},
	OpPushLiteral: {"PUSH_LITERAL", 2, 0, 1},

	OpPushTemp:  {"PUSH_TEMP", 1, 0, 1},
	OpPushIvar:  {"PUSH_IVAR", 1, 0, 1},
	OpStoreTemp: {"STORE_TEMP", 1, 1, 1},
	OpStoreIvar: {"STORE_IVAR", 1, 1, 1},

	OpSend: {"SEND", 3, -1, 1}, // pops receiver + argc

	OpSendPlus:  {"SEND_PLUS", 0, 2, 1},
	OpSendMinus: {"SEND_MINUS", 0, 2, 1},
	OpSendTimes: {"SEND_TIMES", 0, 2, 1},
	OpSendDiv:   {"SEND_DIV", 0, 2, 1},
	OpSendLT:    {"SEND_LT", 0, 2, 1},
	OpSendGT:    {"SEND_GT", 0, 2, 1},
	OpSendEQ:    {"SEND_EQ", 0, 2, 1},

	OpJump:      {"JUMP", 2, 0, 0},
	OpJumpTrue:  {"JUMP_TRUE", 2, 1, 0},
	OpJumpFalse: {"JUMP_FALSE", 2, 1, 0},

	OpReturnTop:  {"RETURN_TOP", 0, 1, 0},
	OpReturnSelf: {"RETURN_SELF", 0, 0, 0},
	OpReturnNil:  {"RETURN_NIL", 0, 0, 0},
	OpThrow:      {"THROW", 0, 1, 0},

	OpCreateArray: {"CREATE_ARRAY", 1, -1, 1}, // pops N items
	OpNew:         {"NEW", 2, 0, 1},

	OpInvokeNative: {"INVOKE_NATIVE", 3, -1, 1}, // pops argc
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Known reports whether op is part of the instruction set.
func (op Opcode) Known() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OperandBytes returns the number of operand bytes for an opcode.
func (op Opcode) OperandBytes() int {
	return op.Info().OperandBytes
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// IsJump reports whether op carries a relative branch offset.
func (op Opcode) IsJump() bool {
	return op == OpJump || op == OpJumpTrue || op == OpJumpFalse
}

// IsReturn reports whether op is a normal method exit.
func (op Opcode) IsReturn() bool {
	return op == OpReturnTop || op == OpReturnSelf || op == OpReturnNil
}

// IsTerminal reports whether control never falls through op.
func (op Opcode) IsTerminal() bool {
	return op.IsReturn() || op == OpThrow || op == OpJump
}

// opcodeByName is the reverse of opcodeTable, keyed by lower-case mnemonic.
var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeTable))
	for op, info := range opcodeTable {
		m[strings.ToLower(info.Name)] = op
	}
	return m
}()

package instrument

import (
	"fmt"
	"math"

	"github.com/chazu/exitprobe/snapshot"
	"github.com/chazu/exitprobe/unit"
)

// exitRewriter rebuilds one method so that every exit calls the capture
// hook first:
//
//	<value>; PUSH_INT32 site; PUSH_INT8 kind; PUSH_SELF;
//	PUSH_TEMP 0..t-1; CREATE_ARRAY t; PUSH_IVAR 0..k-1; CREATE_ARRAY k;
//	INVOKE_NATIVE exitprobe.capture 6; POP
//
// The value comes first so that DUP copies the operand a RETURN_TOP or the
// catch handler is about to consume. Returns are preceded by the sequence
// with kind normal. Exceptions are
// caught by a catch-all handler appended after the method's own handlers;
// it captures with kind exceptional and throws the exception again.
type exitRewriter struct {
	u     *unit.Unit
	m     *unit.Method
	slots int // instance variables including inherited ones
	hook  uint16

	b      *unit.BytecodeBuilder
	labels map[int]*unit.Label // original offset -> new position
	site   int
}

// rewriteExits returns an instrumented copy of m. u gains the hook's name
// literal; derived metadata of the copy is recomputed.
func rewriteExits(u *unit.Unit, m *unit.Method, slots int) (*unit.Method, int, error) {
	if slots > math.MaxUint8 {
		return nil, 0, fmt.Errorf("%w: %d instance variables", unit.ErrTooLarge, slots)
	}
	if _, _, err := unit.ComputeFrames(m); err != nil {
		return nil, 0, err
	}
	instrs, err := unit.Decode(m.Code)
	if err != nil {
		return nil, 0, err
	}
	hook := u.InternString(snapshot.HookName)
	if hook > math.MaxUint16 {
		return nil, 0, fmt.Errorf("%w: literal pool overflow", unit.ErrTooLarge)
	}

	r := &exitRewriter{
		u:      u,
		m:      m,
		slots:  slots,
		hook:   uint16(hook),
		b:      unit.NewBytecodeBuilder(),
		labels: make(map[int]*unit.Label),
	}
	for _, in := range instrs {
		r.b.Mark(r.label(in.Offset))
		if in.Op.IsReturn() {
			r.capture(snapshot.KindNormal, returnValue(in.Op))
		}
		r.emit(in)
	}

	bodyEnd := r.label(len(m.Code))
	r.b.Mark(bodyEnd)
	catch := r.b.NewLabel("catch")
	r.b.Mark(catch)
	r.capture(snapshot.KindExceptional, unit.OpDUP)
	r.b.Emit(unit.OpThrow)

	if err := r.b.Err(); err != nil {
		return nil, 0, err
	}

	out := m.Clone()
	out.Code = r.b.Bytes()
	out.Handlers = make([]unit.Handler, 0, len(m.Handlers)+1)
	for _, h := range m.Handlers {
		out.Handlers = append(out.Handlers, unit.Handler{
			Start:  r.position(h.Start),
			End:    r.position(h.End),
			Target: r.position(h.Target),
			Class:  h.Class,
		})
	}
	out.Handlers = append(out.Handlers, unit.Handler{
		Start:  0,
		End:    bodyEnd.Position(),
		Target: catch.Position(),
		Class:  unit.AnyClass,
	})
	out.Lines = make([]unit.Line, 0, len(m.Lines))
	for _, l := range m.Lines {
		out.Lines = append(out.Lines, unit.Line{Offset: r.position(l.Offset), Line: l.Line})
	}
	if err := out.Recompute(); err != nil {
		return nil, 0, err
	}
	return out, r.site, nil
}

func (r *exitRewriter) label(off int) *unit.Label {
	l, ok := r.labels[off]
	if !ok {
		l = r.b.NewLabel(fmt.Sprintf("@%d", off))
		r.labels[off] = l
	}
	return l
}

// position maps an original instruction boundary to its new offset.
func (r *exitRewriter) position(off int) int {
	if l, ok := r.labels[off]; ok && l.Resolved() {
		return l.Position()
	}
	// Not a boundary; the verifier rejects it.
	return -1
}

// returnValue is the instruction that pushes a copy of the value a return
// instruction is about to produce.
func returnValue(op unit.Opcode) unit.Opcode {
	switch op {
	case unit.OpReturnTop:
		return unit.OpDUP
	case unit.OpReturnSelf:
		return unit.OpPushSelf
	}
	return unit.OpPushNil
}

func (r *exitRewriter) capture(kind snapshot.Kind, value unit.Opcode) {
	b := r.b
	b.Emit(value)
	b.EmitInt32(unit.OpPushInt32, int32(r.site))
	r.site++
	b.EmitInt8(unit.OpPushInt8, int8(kind))
	b.Emit(unit.OpPushSelf)
	for i := range r.m.NumTemps {
		b.EmitByte(unit.OpPushTemp, byte(i))
	}
	b.EmitByte(unit.OpCreateArray, byte(r.m.NumTemps))
	for i := range r.slots {
		b.EmitByte(unit.OpPushIvar, byte(i))
	}
	b.EmitByte(unit.OpCreateArray, byte(r.slots))
	b.EmitCall(unit.OpInvokeNative, r.hook, snapshot.HookArity)
	b.Emit(unit.OpPOP)
}

// emit re-encodes an original instruction; jumps go through labels so they
// land on the start of whatever now precedes their old target.
func (r *exitRewriter) emit(in unit.Instr) {
	b := r.b
	switch in.Op {
	case unit.OpJump, unit.OpJumpTrue, unit.OpJumpFalse:
		b.EmitJump(in.Op, r.label(in.A))
	case unit.OpPushInt8:
		b.EmitInt8(in.Op, int8(in.A))
	case unit.OpPushInt32:
		b.EmitInt32(in.Op, int32(in.A))
	case unit.OpSend, unit.OpInvokeNative:
		b.EmitCall(in.Op, uint16(in.A), uint8(in.B))
	default:
		switch in.Op.OperandBytes() {
		case 0:
			b.Emit(in.Op)
		case 1:
			b.EmitByte(in.Op, byte(in.A))
		case 2:
			b.EmitUint16(in.Op, uint16(in.A))
		}
	}
}

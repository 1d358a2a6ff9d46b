package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/chazu/exitprobe/unit"
)

// thread is the execution state of one top-level Send.
type thread struct {
	rt    *Runtime
	ctx   context.Context
	depth int
}

func (t *thread) send(recv Value, selector string, args []Value) (Value, error) {
	o, ok := recv.(*Object)
	var m *method
	if ok {
		m = o.Class.lookup(unit.Signature(selector, len(args)))
	}
	if m == nil {
		return nil, t.raise(ClassMessageNotUnderstood,
			fmt.Sprintf("%s does not understand #%s/%d", Describe(recv), selector, len(args)),
			"receiver", recv, "selector", selector)
	}
	return t.execute(m, o, args)
}

// execute runs one method activation.
func (t *thread) execute(m *method, self *Object, args []Value) (Value, error) {
	if t.depth >= t.rt.maxDepth {
		return nil, fmt.Errorf("%w (%d) in %s>>%s", ErrDepthExceeded, t.rt.maxDepth, m.owner.Name, m.Signature())
	}
	if err := t.ctx.Err(); err != nil {
		return nil, err
	}
	t.depth++
	defer func() { t.depth-- }()

	cls := m.owner
	lits := cls.Unit.Literals
	temps := make([]Value, max(m.NumTemps, len(args)))
	copy(temps, args)
	stack := make([]Value, 0, m.MaxStack)

	push := func(v Value) { stack = append(stack, v) }
	pop := func() Value {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	popN := func(n int) []Value {
		vs := make([]Value, n)
		copy(vs, stack[len(stack)-n:])
		stack = stack[:len(stack)-n]
		return vs
	}

	i := 0
	for {
		in := m.instrs[i]
		next := i + 1
		var err error

		switch in.Op {
		case unit.OpNOP:
		case unit.OpPOP:
			pop()
		case unit.OpDUP:
			push(stack[len(stack)-1])
		case unit.OpPushNil:
			push(nil)
		case unit.OpPushTrue:
			push(true)
		case unit.OpPushFalse:
			push(false)
		case unit.OpPushSelf:
			push(self)
		case unit.OpPushInt8, unit.OpPushInt32:
			push(int64(in.A))
		case unit.OpPushLiteral:
			push(literalValue(lits[in.A]))
		case unit.OpPushTemp:
			push(temps[in.A])
		case unit.OpPushIvar:
			push(self.Slots[in.A])
		case unit.OpStoreTemp:
			temps[in.A] = stack[len(stack)-1]
		case unit.OpStoreIvar:
			self.Slots[in.A] = stack[len(stack)-1]

		case unit.OpSend:
			args := popN(in.B)
			recv := pop()
			var v Value
			if v, err = t.send(recv, lits[in.A].Str, args); err == nil {
				push(v)
			}
		case unit.OpSendPlus, unit.OpSendMinus, unit.OpSendTimes, unit.OpSendDiv,
			unit.OpSendLT, unit.OpSendGT, unit.OpSendEQ:
			b := pop()
			a := pop()
			var v Value
			if v, err = t.arith(in.Op, a, b); err == nil {
				push(v)
			}

		case unit.OpJump:
			next = m.index[in.A]
			if in.A <= in.Offset {
				err = t.ctx.Err()
			}
		case unit.OpJumpTrue:
			if Truthy(pop()) {
				next = m.index[in.A]
			}
		case unit.OpJumpFalse:
			if !Truthy(pop()) {
				next = m.index[in.A]
			}

		case unit.OpReturnTop:
			return pop(), nil
		case unit.OpReturnSelf:
			return self, nil
		case unit.OpReturnNil:
			return nil, nil
		case unit.OpThrow:
			err = &Exception{Value: pop()}

		case unit.OpCreateArray:
			push(&Array{Elems: popN(in.A)})
		case unit.OpNew:
			var c *Class
			if c, err = t.rt.LoadClass(LoadContext{Initiator: cls.Name}, lits[in.A].Str); err == nil {
				push(c.NewInstance())
			}
		case unit.OpInvokeNative:
			err = t.invokeNative(lits[in.A].Str, popN(in.B), push)

		default:
			err = fmt.Errorf("host: %s>>%s @%04d: unsupported opcode %s", cls.Name, m.Signature(), in.Offset, in.Op)
		}

		if err != nil {
			var exc *Exception
			if !errors.As(err, &exc) {
				return nil, err
			}
			h, ok := t.handlerFor(m, in.Offset, exc)
			if !ok {
				exc.Trace = append(exc.Trace, fmt.Sprintf("%s>>%s @%04d", cls.Name, m.Signature(), in.Offset))
				return nil, exc
			}
			stack = append(stack[:0], exc.Value)
			next = m.index[h.Target]
		}
		i = next
	}
}

// handlerFor returns the first handler covering offset that catches exc.
func (t *thread) handlerFor(m *method, offset int, exc *Exception) (unit.Handler, bool) {
	for _, h := range m.Handlers {
		if offset < h.Start || offset >= h.End {
			continue
		}
		class := ""
		if h.Class != unit.AnyClass {
			class, _ = m.owner.Unit.StringAt(int(h.Class))
		}
		if exc.matches(class) {
			return h, true
		}
	}
	return unit.Handler{}, false
}

func (t *thread) invokeNative(name string, args []Value, push func(Value)) error {
	fn, ok := t.rt.native(name)
	if !ok {
		return t.raise(ClassNativeError, "unknown native "+name)
	}
	v, err := fn(t.ctx, args)
	if err != nil {
		return err
	}
	push(v)
	return nil
}

var arithSelectors = map[unit.Opcode]string{
	unit.OpSendPlus:  "+",
	unit.OpSendMinus: "-",
	unit.OpSendTimes: "*",
	unit.OpSendDiv:   "/",
	unit.OpSendLT:    "<",
	unit.OpSendGT:    ">",
	unit.OpSendEQ:    "=",
}

// arith implements the special arithmetic sends. Numbers and strings are
// handled directly; an object receiver gets a real send of the operator.
func (t *thread) arith(op unit.Opcode, a, b Value) (Value, error) {
	if _, ok := a.(*Object); ok {
		return t.send(a, arithSelectors[op], []Value{b})
	}

	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return t.intOp(op, x, y)
		case float64:
			return t.floatOp(op, float64(x), y)
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return t.floatOp(op, x, float64(y))
		case float64:
			return t.floatOp(op, x, y)
		}
	case string:
		if y, ok := b.(string); ok {
			switch op {
			case unit.OpSendPlus:
				return x + y, nil
			case unit.OpSendLT:
				return x < y, nil
			case unit.OpSendGT:
				return x > y, nil
			case unit.OpSendEQ:
				return x == y, nil
			}
		}
	}
	if op == unit.OpSendEQ {
		return a == b, nil
	}
	return nil, t.raise(ClassTypeError,
		fmt.Sprintf("%s %s %s", Describe(a), arithSelectors[op], Describe(b)))
}

func (t *thread) intOp(op unit.Opcode, x, y int64) (Value, error) {
	switch op {
	case unit.OpSendPlus:
		return x + y, nil
	case unit.OpSendMinus:
		return x - y, nil
	case unit.OpSendTimes:
		return x * y, nil
	case unit.OpSendDiv:
		if y == 0 {
			return nil, t.raise(ClassZeroDivide, "division by zero")
		}
		return x / y, nil
	case unit.OpSendLT:
		return x < y, nil
	case unit.OpSendGT:
		return x > y, nil
	}
	return x == y, nil
}

func (t *thread) floatOp(op unit.Opcode, x, y float64) (Value, error) {
	switch op {
	case unit.OpSendPlus:
		return x + y, nil
	case unit.OpSendMinus:
		return x - y, nil
	case unit.OpSendTimes:
		return x * y, nil
	case unit.OpSendDiv:
		if y == 0 {
			return nil, t.raise(ClassZeroDivide, "division by zero")
		}
		return x / y, nil
	case unit.OpSendLT:
		return x < y, nil
	case unit.OpSendGT:
		return x > y, nil
	}
	return x == y, nil
}

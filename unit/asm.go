package unit

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Text assembler
// ---------------------------------------------------------------------------
//
//	; comment
//	unit acme/bank/Account
//	super acme/core/Object
//	ivars balance owner
//	method deposit: 1
//	  temps 2
//	  push_temp 0
//	  push_int 0
//	  send_lt
//	  jump_false ok
//	  push_lit "negative amount"
//	  throw
//	ok:
//	  line 7
//	  push_ivar 0
//	  ...
//	  handler start end target [any|Class]
//	end
//
// Mnemonics are the lower-case opcode names. push_int picks the shortest
// integer encoding, push_lit interns a literal, send/invoke_native take a
// name and an argument count, new takes a class name and jumps take a label.
// MaxStack and the stack map are computed for every method.

// AsmError reports an assembly failure on a source line.
type AsmError struct {
	Line int
	Err  error
}

func (e *AsmError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e *AsmError) Unwrap() error { return e.Err }

var errSyntax = errors.New("syntax error")

type pendingHandler struct {
	start, end, target string
	class              uint16
	line               int
}

type assembler struct {
	u        *Unit
	m        *Method
	b        *BytecodeBuilder
	labels   map[string]*Label
	handlers []pendingHandler
	line     int
}

// Assemble parses assembler source into a unit with derived metadata filled in.
func Assemble(src string) (*Unit, error) {
	a := &assembler{}
	for i, raw := range strings.Split(src, "\n") {
		a.line = i + 1
		toks, err := tokenize(raw)
		if err != nil {
			return nil, &AsmError{Line: a.line, Err: err}
		}
		if len(toks) == 0 {
			continue
		}
		if err := a.statement(toks); err != nil {
			return nil, &AsmError{Line: a.line, Err: err}
		}
	}
	if a.m != nil {
		return nil, &AsmError{Line: a.line, Err: fmt.Errorf("%w: method %s not closed with end", errSyntax, a.m.Name)}
	}
	if a.u == nil {
		return nil, &AsmError{Line: a.line, Err: fmt.Errorf("%w: missing unit directive", errSyntax)}
	}
	return a.u, nil
}

// MustAssemble is like Assemble but panics on error. Intended for tests.
func MustAssemble(src string) *Unit {
	u, err := Assemble(src)
	if err != nil {
		panic(err)
	}
	return u
}

type token struct {
	text   string
	quoted bool
}

func tokenize(line string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == ';':
			return toks, nil
		case c == '"':
			j := i + 1
			for j < len(line) && line[j] != '"' {
				if line[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(line) {
				return nil, fmt.Errorf("%w: unterminated string", errSyntax)
			}
			s, err := strconv.Unquote(line[i : j+1])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", errSyntax, err)
			}
			toks = append(toks, token{text: s, quoted: true})
			i = j + 1
		default:
			j := i
			for j < len(line) && line[j] != ' ' && line[j] != '\t' && line[j] != ';' && line[j] != '\r' {
				j++
			}
			toks = append(toks, token{text: line[i:j]})
			i = j
		}
	}
	return toks, nil
}

func (a *assembler) statement(toks []token) error {
	head := toks[0].text
	args := toks[1:]

	if a.m == nil {
		return a.directive(head, args)
	}
	if len(toks) == 1 && !toks[0].quoted && len(head) > 1 && strings.HasSuffix(head, ":") {
		l := a.label(strings.TrimSuffix(head, ":"))
		if l.Resolved() {
			return fmt.Errorf("%w: duplicate label %q", errSyntax, head)
		}
		a.b.Mark(l)
		return nil
	}
	switch head {
	case "end":
		return a.endMethod()
	case "temps":
		n, err := intArg(args, 0, 0, math.MaxUint8)
		if err != nil {
			return err
		}
		a.m.NumTemps = n
		return nil
	case "line":
		n, err := intArg(args, 0, 1, math.MaxInt32)
		if err != nil {
			return err
		}
		a.m.Lines = append(a.m.Lines, Line{Offset: a.b.Len(), Line: n})
		return nil
	case "handler":
		return a.handler(args)
	}
	return a.instruction(head, args)
}

func (a *assembler) directive(head string, args []token) error {
	switch head {
	case "unit":
		if a.u != nil {
			return fmt.Errorf("%w: duplicate unit directive", errSyntax)
		}
		if len(args) != 1 || !ValidName(args[0].text) {
			return fmt.Errorf("%w: unit needs one valid name", errSyntax)
		}
		a.u = &Unit{Name: args[0].text}
		return nil
	}
	if a.u == nil {
		return fmt.Errorf("%w: %s before unit directive", errSyntax, head)
	}
	switch head {
	case "super":
		if len(args) != 1 || !ValidName(args[0].text) {
			return fmt.Errorf("%w: super needs one valid name", errSyntax)
		}
		a.u.Super = args[0].text
	case "ivar", "ivars":
		for _, t := range args {
			a.u.Ivars = append(a.u.Ivars, t.text)
		}
	case "method":
		if len(args) < 2 {
			return fmt.Errorf("%w: method needs a name and an arity", errSyntax)
		}
		arity, err := intArg(args, 1, 0, math.MaxUint8)
		if err != nil {
			return err
		}
		a.m = &Method{Name: args[0].text, Arity: arity, NumTemps: arity}
		if len(args) == 4 && args[2].text == "temps" {
			if a.m.NumTemps, err = intArg(args, 3, arity, math.MaxUint8); err != nil {
				return err
			}
		} else if len(args) != 2 {
			return fmt.Errorf("%w: unexpected tokens after method arity", errSyntax)
		}
		a.b = NewBytecodeBuilder()
		a.labels = make(map[string]*Label)
		a.handlers = nil
	default:
		return fmt.Errorf("%w: unknown directive %q", errSyntax, head)
	}
	return nil
}

func (a *assembler) label(name string) *Label {
	l, ok := a.labels[name]
	if !ok {
		l = a.b.NewLabel(name)
		a.labels[name] = l
	}
	return l
}

func (a *assembler) handler(args []token) error {
	if len(args) != 3 && len(args) != 4 {
		return fmt.Errorf("%w: handler needs start, end, target and an optional class", errSyntax)
	}
	h := pendingHandler{start: args[0].text, end: args[1].text, target: args[2].text, class: AnyClass, line: a.line}
	if len(args) == 4 && args[3].text != "any" {
		h.class = uint16(a.u.InternString(args[3].text))
	}
	a.handlers = append(a.handlers, h)
	return nil
}

func (a *assembler) instruction(mnemonic string, args []token) error {
	b := a.b
	switch mnemonic {
	case "push_int":
		n, err := intArg(args, 0, math.MinInt32, math.MaxInt32)
		if err != nil {
			return err
		}
		b.EmitInt(n)
		return nil
	case "push_lit", "push_literal":
		if len(args) != 1 {
			return fmt.Errorf("%w: %s needs one literal", errSyntax, mnemonic)
		}
		idx, err := a.literal(args[0])
		if err != nil {
			return err
		}
		b.EmitUint16(OpPushLiteral, uint16(idx))
		return nil
	}

	op, ok := opcodeByName[mnemonic]
	if !ok {
		return fmt.Errorf("%w: unknown mnemonic %q", errSyntax, mnemonic)
	}
	switch op {
	case OpPushInt8:
		n, err := intArg(args, 0, math.MinInt8, math.MaxInt8)
		if err != nil {
			return err
		}
		b.EmitInt8(op, int8(n))
	case OpPushInt32:
		n, err := intArg(args, 0, math.MinInt32, math.MaxInt32)
		if err != nil {
			return err
		}
		b.EmitInt32(op, int32(n))
	case OpPushTemp, OpPushIvar, OpStoreTemp, OpStoreIvar, OpCreateArray:
		n, err := intArg(args, 0, 0, math.MaxUint8)
		if err != nil {
			return err
		}
		b.EmitByte(op, byte(n))
	case OpNew:
		if len(args) != 1 {
			return fmt.Errorf("%w: new needs a class name", errSyntax)
		}
		b.EmitUint16(op, uint16(a.u.InternString(args[0].text)))
	case OpSend, OpInvokeNative:
		if len(args) != 2 {
			return fmt.Errorf("%w: %s needs a name and an argument count", errSyntax, mnemonic)
		}
		argc, err := intArg(args, 1, 0, math.MaxUint8)
		if err != nil {
			return err
		}
		b.EmitCall(op, uint16(a.u.InternString(args[0].text)), uint8(argc))
	case OpJump, OpJumpTrue, OpJumpFalse:
		if len(args) != 1 {
			return fmt.Errorf("%w: %s needs a label", errSyntax, mnemonic)
		}
		b.EmitJump(op, a.label(args[0].text))
	default:
		if len(args) != 0 {
			return fmt.Errorf("%w: %s takes no operands", errSyntax, mnemonic)
		}
		b.Emit(op)
	}
	if len(a.u.Literals) > math.MaxUint16 {
		return fmt.Errorf("%w: literal pool overflow", ErrTooLarge)
	}
	return nil
}

func (a *assembler) literal(t token) (int, error) {
	if t.quoted {
		return a.u.InternString(t.text), nil
	}
	var lit Literal
	if n, err := strconv.ParseInt(t.text, 0, 64); err == nil {
		lit = IntLiteral(n)
	} else if f, err := strconv.ParseFloat(t.text, 64); err == nil {
		lit = FloatLiteral(f)
	} else {
		return 0, fmt.Errorf("%w: bad literal %q", errSyntax, t.text)
	}
	for i, l := range a.u.Literals {
		if l == lit {
			return i, nil
		}
	}
	a.u.Literals = append(a.u.Literals, lit)
	return len(a.u.Literals) - 1, nil
}

func (a *assembler) endMethod() error {
	if err := a.b.Err(); err != nil {
		return err
	}
	m := a.m
	m.Code = a.b.Bytes()
	for _, h := range a.handlers {
		var pos [3]int
		for i, name := range []string{h.start, h.end, h.target} {
			l, ok := a.labels[name]
			if !ok || !l.Resolved() {
				return fmt.Errorf("%w: handler on line %d: label %q not defined", errSyntax, h.line, name)
			}
			pos[i] = l.Position()
		}
		m.Handlers = append(m.Handlers, Handler{Start: pos[0], End: pos[1], Target: pos[2], Class: h.class})
	}
	if err := m.Recompute(); err != nil {
		return fmt.Errorf("method %s: %w", m.Signature(), err)
	}
	if a.u.Method(m.Name, m.Arity) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, m.Signature())
	}
	a.u.Methods = append(a.u.Methods, m)
	a.m, a.b, a.labels = nil, nil, nil
	return nil
}

func intArg(args []token, i, lo, hi int) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("%w: missing integer operand", errSyntax)
	}
	n, err := strconv.Atoi(args[i].text)
	if err != nil || args[i].quoted {
		return 0, fmt.Errorf("%w: bad integer %q", errSyntax, args[i].text)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %d not in [%d, %d]", ErrBadOperand, n, lo, hi)
	}
	return n, nil
}

package unit

import (
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// Literals
// ---------------------------------------------------------------------------

// LiteralKind tags an entry of a unit's literal pool.
type LiteralKind uint8

const (
	LitInt    LiteralKind = 1
	LitFloat  LiteralKind = 2
	LitString LiteralKind = 3
)

// Literal is one constant pool entry. Strings double as selector, class
// and native names.
type Literal struct {
	Kind  LiteralKind
	Int   int64
	Float float64
	Str   string
}

// IntLiteral returns an integer literal.
func IntLiteral(n int64) Literal { return Literal{Kind: LitInt, Int: n} }

// FloatLiteral returns a float literal.
func FloatLiteral(f float64) Literal { return Literal{Kind: LitFloat, Float: f} }

// StringLiteral returns a string literal.
func StringLiteral(s string) Literal { return Literal{Kind: LitString, Str: s} }

func (l Literal) String() string {
	switch l.Kind {
	case LitInt:
		return strconv.FormatInt(l.Int, 10)
	case LitFloat:
		return strconv.FormatFloat(l.Float, 'g', -1, 64)
	case LitString:
		return strconv.Quote(l.Str)
	}
	return fmt.Sprintf("<literal kind %d>", l.Kind)
}

// ---------------------------------------------------------------------------
// Unit: one loadable container
// ---------------------------------------------------------------------------

// Header is the part of a unit needed to answer hierarchy questions
// without decoding method bodies.
type Header struct {
	Name  string   // container identifier, slash separated
	Super string   // "" for a root container
	Ivars []string // instance variables declared by this container only
}

// Unit is a decoded container: header, literal pool and methods.
type Unit struct {
	Name     string
	Super    string
	Ivars    []string
	Literals []Literal
	Methods  []*Method
}

// Header returns the unit's hierarchy header.
func (u *Unit) Header() *Header {
	return &Header{Name: u.Name, Super: u.Super, Ivars: u.Ivars}
}

// Method returns the method with the given signature, or nil.
func (u *Unit) Method(name string, arity int) *Method {
	for _, m := range u.Methods {
		if m.Name == name && m.Arity == arity {
			return m
		}
	}
	return nil
}

// Lookup returns the method whose signature string equals sig, or nil.
func (u *Unit) Lookup(sig string) *Method {
	for _, m := range u.Methods {
		if m.Signature() == sig {
			return m
		}
	}
	return nil
}

// InternString returns the index of a string literal, adding it if absent.
func (u *Unit) InternString(s string) int {
	for i, l := range u.Literals {
		if l.Kind == LitString && l.Str == s {
			return i
		}
	}
	u.Literals = append(u.Literals, StringLiteral(s))
	return len(u.Literals) - 1
}

// StringAt returns the string literal at idx.
func (u *Unit) StringAt(idx int) (string, bool) {
	if idx < 0 || idx >= len(u.Literals) || u.Literals[idx].Kind != LitString {
		return "", false
	}
	return u.Literals[idx].Str, true
}

// ---------------------------------------------------------------------------
// Method
// ---------------------------------------------------------------------------

// AnyClass in Handler.Class catches every exception.
const AnyClass uint16 = 0xFFFF

// Handler covers [Start, End) and transfers control to Target with the
// exception as the only operand stack entry. Class is a string literal
// index naming the caught class, or AnyClass.
type Handler struct {
	Start  int
	End    int
	Target int
	Class  uint16
}

// Frame records the operand stack depth at a branch target or handler
// entry.
type Frame struct {
	Offset int
	Depth  int
}

// Line maps a bytecode offset to a source line.
type Line struct {
	Offset int
	Line   int
}

// Method represents one compiled method of a unit.
type Method struct {
	Name     string
	Arity    int // number of arguments (not including self)
	NumTemps int // total temporaries (arguments + locals)
	MaxStack int // derived: deepest operand stack

	Code     []byte
	Handlers []Handler // first matching entry wins
	Frames   []Frame   // derived: stack map
	Lines    []Line
}

// Signature returns the method's unit signature, e.g. "deposit:(1)".
func (m *Method) Signature() string {
	return Signature(m.Name, m.Arity)
}

// Signature formats a method name and arity as a unit signature.
func Signature(name string, arity int) string {
	return name + "(" + strconv.Itoa(arity) + ")"
}

// LineFor returns the source line for a bytecode offset, or 0.
func (m *Method) LineFor(offset int) int {
	line := 0
	for _, l := range m.Lines {
		if l.Offset > offset {
			break
		}
		line = l.Line
	}
	return line
}

// Clone returns a deep copy of the method.
func (m *Method) Clone() *Method {
	c := *m
	c.Code = append([]byte(nil), m.Code...)
	c.Handlers = append([]Handler(nil), m.Handlers...)
	c.Frames = append([]Frame(nil), m.Frames...)
	c.Lines = append([]Line(nil), m.Lines...)
	return &c
}

// Disassemble returns a disassembly of the method's bytecode.
func (m *Method) Disassemble(lits []Literal) string {
	return Disassemble(m.Code, lits)
}

// String returns a string representation of the method.
func (m *Method) String() string {
	return m.Signature()
}

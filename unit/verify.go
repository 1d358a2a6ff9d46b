package unit

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrBadOperand      = errors.New("operand out of range")
	ErrBadHandler      = errors.New("invalid exception handler")
	ErrStaleFrames     = errors.New("recorded stack metadata does not match code")
	ErrCyclicHierarchy = errors.New("cyclic superclass chain")
	ErrDuplicateMethod = errors.New("duplicate method signature")
)

// maxHierarchyDepth bounds superclass walks on malformed inputs.
const maxHierarchyDepth = 256

// Resolver answers hierarchy questions about containers other than the
// one being examined. Implementations must not load or execute code.
type Resolver interface {
	Resolve(name string) (*Header, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(name string) (*Header, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(name string) (*Header, error) { return f(name) }

// Ancestors returns the superclass chain of h, nearest first, resolving
// each link through r.
func Ancestors(r Resolver, h *Header) ([]*Header, error) {
	var chain []*Header
	seen := map[string]bool{h.Name: true}
	for super := h.Super; super != ""; {
		if seen[super] {
			return nil, fmt.Errorf("%w: %s", ErrCyclicHierarchy, super)
		}
		if len(chain) >= maxHierarchyDepth {
			return nil, fmt.Errorf("%w: deeper than %d", ErrCyclicHierarchy, maxHierarchyDepth)
		}
		seen[super] = true
		sh, err := r.Resolve(super)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", super, err)
		}
		chain = append(chain, sh)
		super = sh.Super
	}
	return chain, nil
}

// AllIvars returns every instance variable of h in slot order, inherited
// variables first.
func AllIvars(r Resolver, h *Header) ([]string, error) {
	chain, err := Ancestors(r, h)
	if err != nil {
		return nil, err
	}
	var all []string
	for i := len(chain) - 1; i >= 0; i-- {
		all = append(all, chain[i].Ivars...)
	}
	return append(all, h.Ivars...), nil
}

// VerifyError locates a structural verification failure.
type VerifyError struct {
	Unit   string
	Method string
	Offset int // -1 when not tied to an instruction
	Err    error
}

func (e *VerifyError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("verify %s: %v", e.Unit, e.Err)
	}
	if e.Offset < 0 {
		return fmt.Sprintf("verify %s>>%s: %v", e.Unit, e.Method, e.Err)
	}
	return fmt.Sprintf("verify %s>>%s @%04d: %v", e.Unit, e.Method, e.Offset, e.Err)
}

func (e *VerifyError) Unwrap() error { return e.Err }

// Verify checks that a unit is structurally sound: operands are in range,
// handlers are well formed, every path keeps a consistent stack depth, and
// the recorded MaxStack and Frames match what the code implies. Instance
// variable indices are checked against the full slot layout, so ancestors
// are resolved through r.
func Verify(u *Unit, r Resolver) error {
	fail := func(m *Method, off int, err error) error {
		ve := &VerifyError{Unit: u.Name, Offset: off, Err: err}
		if m != nil {
			ve.Method = m.Signature()
		}
		return ve
	}

	if u.Super == u.Name {
		return fail(nil, -1, fmt.Errorf("%w: %s", ErrCyclicHierarchy, u.Name))
	}
	ivars, err := AllIvars(r, u.Header())
	if err != nil {
		return fail(nil, -1, err)
	}
	slots := len(ivars)

	seen := make(map[string]bool, len(u.Methods))
	for _, m := range u.Methods {
		sig := m.Signature()
		if seen[sig] {
			return fail(m, -1, ErrDuplicateMethod)
		}
		seen[sig] = true

		if m.Arity > m.NumTemps {
			return fail(m, -1, fmt.Errorf("%w: arity %d exceeds temps %d", ErrBadOperand, m.Arity, m.NumTemps))
		}
		instrs, err := Decode(m.Code)
		if err != nil {
			return fail(m, -1, err)
		}
		boundary := make(map[int]bool, len(instrs)+1)
		for _, in := range instrs {
			boundary[in.Offset] = true
			if err := checkOperands(u, m, in, slots); err != nil {
				return fail(m, in.Offset, err)
			}
		}
		boundary[len(m.Code)] = true

		for i, h := range m.Handlers {
			if h.Start >= h.End || !boundary[h.Start] || !boundary[h.End] || !boundary[h.Target] || h.Target == len(m.Code) {
				return fail(m, h.Start, fmt.Errorf("%w %d: [%d,%d) -> %d", ErrBadHandler, i, h.Start, h.End, h.Target))
			}
			if h.Class != AnyClass {
				if _, ok := u.StringAt(int(h.Class)); !ok {
					return fail(m, h.Start, fmt.Errorf("%w %d: class literal %d", ErrBadHandler, i, h.Class))
				}
			}
		}

		maxStack, frames, err := ComputeFrames(m)
		if err != nil {
			return fail(m, -1, err)
		}
		if maxStack != m.MaxStack || !slices.Equal(frames, m.Frames) {
			return fail(m, -1, fmt.Errorf("%w: max stack %d (recorded %d), %d frames (recorded %d)",
				ErrStaleFrames, maxStack, m.MaxStack, len(frames), len(m.Frames)))
		}
	}
	return nil
}

func checkOperands(u *Unit, m *Method, in Instr, slots int) error {
	switch in.Op {
	case OpPushTemp, OpStoreTemp:
		if in.A >= m.NumTemps {
			return fmt.Errorf("%w: temp %d of %d", ErrBadOperand, in.A, m.NumTemps)
		}
	case OpPushIvar, OpStoreIvar:
		if in.A >= slots {
			return fmt.Errorf("%w: ivar %d of %d", ErrBadOperand, in.A, slots)
		}
	case OpPushLiteral:
		if in.A >= len(u.Literals) {
			return fmt.Errorf("%w: literal %d of %d", ErrBadOperand, in.A, len(u.Literals))
		}
	case OpSend, OpNew, OpInvokeNative:
		if _, ok := u.StringAt(in.A); !ok {
			return fmt.Errorf("%w: %s needs a string literal at %d", ErrBadOperand, in.Op, in.A)
		}
	}
	return nil
}

package host

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/exitprobe/unit"
)

// Value is any value the interpreter manipulates: nil, bool, int64,
// float64, string, *Object, *Array or *Class.
type Value = any

// Object is an instance of a loaded class. Slots follow the class's full
// instance variable layout, inherited variables first.
type Object struct {
	Class *Class
	Slots []Value
}

// Get returns the named instance variable, or nil if the class has none.
func (o *Object) Get(name string) Value {
	if i := o.Class.SlotIndex(name); i >= 0 {
		return o.Slots[i]
	}
	return nil
}

func (o *Object) String() string {
	return "a " + o.Class.Name
}

// Array is the value built by CREATE_ARRAY.
type Array struct {
	Elems []Value
}

func (a *Array) String() string {
	return fmt.Sprintf("an Array(%d)", len(a.Elems))
}

// literalValue converts a pool literal to its runtime value.
func literalValue(l unit.Literal) Value {
	switch l.Kind {
	case unit.LitInt:
		return l.Int
	case unit.LitFloat:
		return l.Float
	case unit.LitString:
		return l.Str
	}
	return nil
}

// Truthy reports whether v counts as true for conditional jumps: everything
// except nil and false.
func Truthy(v Value) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	}
	return true
}

// Describe renders a value for logs and exception messages.
func Describe(v Value) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return strconv.Quote(x)
	case *Array:
		parts := make([]string, len(x.Elems))
		for i, e := range x.Elems {
			if a, ok := e.(*Array); ok {
				parts[i] = a.String()
			} else {
				parts[i] = Describe(e)
			}
		}
		return "#(" + strings.Join(parts, " ") + ")"
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprintf("%v", v)
}

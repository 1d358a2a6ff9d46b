package host

import (
	"fmt"
	"strings"
	"sync"

	"github.com/chazu/exitprobe/unit"
)

// Built-in exception classes. They live under the exitprobe namespace, so
// they are never instrumented with the default exclusion list.
const (
	ClassError                = "exitprobe/lang/Error"
	ClassMessageNotUnderstood = "exitprobe/lang/MessageNotUnderstood"
	ClassZeroDivide           = "exitprobe/lang/ZeroDivide"
	ClassTypeError            = "exitprobe/lang/TypeError"
	ClassNativeError          = "exitprobe/lang/NativeError"
)

// Exception is a value raised by THROW or by the runtime, propagating out
// of a frame that has no matching handler.
type Exception struct {
	Value Value
	Trace []string // frames the exception left, innermost first
}

func (e *Exception) Error() string {
	var sb strings.Builder
	sb.WriteString("uncaught exception: ")
	if o, ok := e.Value.(*Object); ok && o.Class.IsKindOf(ClassError) {
		sb.WriteString(o.Class.Name)
		if msg, ok := o.Get("messageText").(string); ok {
			sb.WriteString(": ")
			sb.WriteString(msg)
		}
	} else {
		sb.WriteString(Describe(e.Value))
	}
	for _, f := range e.Trace {
		sb.WriteString("\n\tat ")
		sb.WriteString(f)
	}
	return sb.String()
}

// ClassName returns the class of the raised value, or "" when it is not an
// object.
func (e *Exception) ClassName() string {
	if o, ok := e.Value.(*Object); ok {
		return o.Class.Name
	}
	return ""
}

// matches reports whether a handler for class (a name, or "" for any)
// catches this exception.
func (e *Exception) matches(class string) bool {
	if class == "" {
		return true
	}
	o, ok := e.Value.(*Object)
	return ok && o.Class.IsKindOf(class)
}

// ---------------------------------------------------------------------------
// Built-in units
// ---------------------------------------------------------------------------

var builtins = sync.OnceValue(func() *unit.MapSource {
	src := unit.NewMapSource()
	defs := []*unit.Unit{
		{Name: ClassError, Ivars: []string{"messageText"}},
		{Name: ClassMessageNotUnderstood, Super: ClassError, Ivars: []string{"receiver", "selector"}},
		{Name: ClassZeroDivide, Super: ClassError},
		{Name: ClassTypeError, Super: ClassError},
		{Name: ClassNativeError, Super: ClassError},
	}
	for _, u := range defs {
		if err := src.PutUnit(u); err != nil {
			panic(fmt.Sprintf("host: encode built-in %s: %v", u.Name, err))
		}
	}
	return src
})

// WithBuiltins layers the runtime's built-in units in front of src. The
// transformer and the runtime should resolve through the same layering so
// that both see the built-in hierarchy.
func WithBuiltins(src unit.Source) unit.Source {
	return unit.MultiSource{builtins(), src}
}

// raise builds an exception carrying a new instance of a built-in error
// class. Extra slot values are set by name.
func (t *thread) raise(class string, msg string, slots ...any) error {
	c, err := t.rt.LoadClass(LoadContext{}, class)
	if err != nil {
		return fmt.Errorf("host: built-in %s: %w", class, err)
	}
	o := c.NewInstance()
	o.Slots[c.SlotIndex("messageText")] = msg
	for i := 0; i+1 < len(slots); i += 2 {
		if idx := c.SlotIndex(slots[i].(string)); idx >= 0 {
			o.Slots[idx] = slots[i+1]
		}
	}
	return &Exception{Value: o}
}

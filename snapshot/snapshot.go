// Package snapshot captures live state at instrumented exit points and
// encodes it for the report stream.
package snapshot

import (
	"fmt"

	"github.com/chazu/exitprobe/host"
)

// HookName is the native that instrumented code calls at every exit.
const HookName = "exitprobe.capture"

// HookArity is the number of arguments the capture sequence pushes: value,
// site, kind, receiver, temporaries array, instance variables array.
const HookArity = 6

// MaxDepth bounds how far Capture follows object references.
const MaxDepth = 8

// Kind says how a method was left.
type Kind uint8

const (
	KindNormal      Kind = 0 // a return instruction
	KindExceptional Kind = 1 // an exception propagating out of the method
)

func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindExceptional:
		return "exceptional"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Snapshot is the state captured at one execution of one exit point.
type Snapshot struct {
	Site     int    `cbor:"1,keyasint"`
	Kind     Kind   `cbor:"2,keyasint"`
	Value    Node   `cbor:"3,keyasint"` // returned value or raised exception
	Receiver Node   `cbor:"4,keyasint"`
	Temps    []Node `cbor:"5,keyasint,omitempty"`
}

// NodeKind discriminates Node.
type NodeKind uint8

const (
	NodeNil NodeKind = iota
	NodeBool
	NodeInt
	NodeFloat
	NodeString
	NodeObject
	NodeArray
	NodeClass
	NodeRef       // an object or array already captured in this snapshot
	NodeTruncated // deeper than MaxDepth
	NodeOpaque    // a host value with no structural form
)

// Node is one vertex of a captured value graph. Objects and arrays carry
// an ID unique within their snapshot so that shared and cyclic references
// are kept as NodeRef instead of being copied.
type Node struct {
	Kind   NodeKind `cbor:"1,keyasint"`
	Bool   bool     `cbor:"2,keyasint,omitempty"`
	Int    int64    `cbor:"3,keyasint,omitempty"`
	Float  float64  `cbor:"4,keyasint,omitempty"`
	Str    string   `cbor:"5,keyasint,omitempty"` // string value, or class name
	ID     int      `cbor:"6,keyasint,omitempty"`
	Fields []Field  `cbor:"7,keyasint,omitempty"`
	Elems  []Node   `cbor:"8,keyasint,omitempty"`
}

// Field is a named instance variable of a captured object.
type Field struct {
	Name  string `cbor:"1,keyasint"`
	Value Node   `cbor:"2,keyasint"`
}

func (n Node) String() string {
	switch n.Kind {
	case NodeNil:
		return "nil"
	case NodeBool:
		return fmt.Sprint(n.Bool)
	case NodeInt:
		return fmt.Sprint(n.Int)
	case NodeFloat:
		return fmt.Sprint(n.Float)
	case NodeString:
		return fmt.Sprintf("%q", n.Str)
	case NodeObject:
		return fmt.Sprintf("a %s#%d", n.Str, n.ID)
	case NodeArray:
		return fmt.Sprintf("#(%d)#%d", len(n.Elems), n.ID)
	case NodeClass:
		return n.Str
	case NodeRef:
		return fmt.Sprintf("@%d", n.ID)
	case NodeTruncated:
		return "..."
	}
	return "<" + n.Str + ">"
}

// Field returns the value of the named field and whether it exists.
func (n Node) Field(name string) (Node, bool) {
	for _, f := range n.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Node{}, false
}

// ---------------------------------------------------------------------------
// Capture
// ---------------------------------------------------------------------------

type capturer struct {
	ids  map[any]int
	next int
}

// Capture deep-copies the state seen at an exit. The receiver's fields are
// taken from ivars, which holds every slot in layout order.
func Capture(site int, kind Kind, value, self host.Value, temps, ivars []host.Value) Snapshot {
	c := &capturer{ids: make(map[any]int)}
	s := Snapshot{Site: site, Kind: kind}

	if o, ok := self.(*host.Object); ok {
		s.Receiver = Node{Kind: NodeObject, Str: o.Class.Name, ID: c.id(o)}
		for i, v := range ivars {
			name := fmt.Sprintf("slot%d", i)
			if i < len(o.Class.Ivars) {
				name = o.Class.Ivars[i]
			}
			s.Receiver.Fields = append(s.Receiver.Fields, Field{Name: name, Value: c.node(v, 1)})
		}
	} else {
		s.Receiver = c.node(self, 0)
	}

	s.Value = c.node(value, 0)
	for _, v := range temps {
		s.Temps = append(s.Temps, c.node(v, 0))
	}
	return s
}

func (c *capturer) id(key any) int {
	c.next++
	c.ids[key] = c.next
	return c.next
}

func (c *capturer) node(v host.Value, depth int) Node {
	switch x := v.(type) {
	case nil:
		return Node{Kind: NodeNil}
	case bool:
		return Node{Kind: NodeBool, Bool: x}
	case int64:
		return Node{Kind: NodeInt, Int: x}
	case float64:
		return Node{Kind: NodeFloat, Float: x}
	case string:
		return Node{Kind: NodeString, Str: x}
	case *host.Class:
		return Node{Kind: NodeClass, Str: x.Name}
	case *host.Object:
		if id, ok := c.ids[x]; ok {
			return Node{Kind: NodeRef, ID: id}
		}
		if depth >= MaxDepth {
			return Node{Kind: NodeTruncated, Str: x.Class.Name}
		}
		n := Node{Kind: NodeObject, Str: x.Class.Name, ID: c.id(x)}
		for i, slot := range x.Slots {
			n.Fields = append(n.Fields, Field{Name: x.Class.Ivars[i], Value: c.node(slot, depth+1)})
		}
		return n
	case *host.Array:
		if id, ok := c.ids[x]; ok {
			return Node{Kind: NodeRef, ID: id}
		}
		if depth >= MaxDepth {
			return Node{Kind: NodeTruncated}
		}
		n := Node{Kind: NodeArray, ID: c.id(x)}
		for _, e := range x.Elems {
			n.Elems = append(n.Elems, c.node(e, depth+1))
		}
		return n
	}
	return Node{Kind: NodeOpaque, Str: fmt.Sprintf("%T", v)}
}

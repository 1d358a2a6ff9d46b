package host

import (
	"fmt"
	"slices"
	"sync"

	"github.com/chazu/exitprobe/unit"
)

// Class is a linked unit: its decoded form plus the resolved superclass.
type Class struct {
	Name  string
	Super *Class
	Unit  *unit.Unit

	// Ivars is the full slot layout, inherited variables first.
	Ivars []string

	methods map[string]*method
}

// method is a unit method decoded once at link time.
type method struct {
	*unit.Method
	owner  *Class
	instrs []unit.Instr
	index  map[int]int // code offset -> instrs index
}

func newClass(u *unit.Unit, super *Class) (*Class, error) {
	c := &Class{
		Name:    u.Name,
		Super:   super,
		Unit:    u,
		methods: make(map[string]*method, len(u.Methods)),
	}
	if super != nil {
		c.Ivars = slices.Clone(super.Ivars)
	}
	c.Ivars = append(c.Ivars, u.Ivars...)
	for _, m := range u.Methods {
		instrs, err := unit.Decode(m.Code)
		if err != nil {
			return nil, fmt.Errorf("%s>>%s: %w", u.Name, m.Signature(), err)
		}
		index := make(map[int]int, len(instrs))
		for i, in := range instrs {
			index[in.Offset] = i
		}
		c.methods[m.Signature()] = &method{Method: m, owner: c, instrs: instrs, index: index}
	}
	return c, nil
}

// Header returns the class's hierarchy header.
func (c *Class) Header() *unit.Header {
	return c.Unit.Header()
}

// SlotIndex returns the slot of the named instance variable, searching from
// the most derived declaration, or -1.
func (c *Class) SlotIndex(name string) int {
	for i := len(c.Ivars) - 1; i >= 0; i-- {
		if c.Ivars[i] == name {
			return i
		}
	}
	return -1
}

// LookupMethod finds the method for a signature in this class or its
// ancestors, returning the defining class as well.
func (c *Class) LookupMethod(sig string) (*unit.Method, *Class) {
	if m := c.lookup(sig); m != nil {
		return m.Method, m.owner
	}
	return nil, nil
}

func (c *Class) lookup(sig string) *method {
	for k := c; k != nil; k = k.Super {
		if m, ok := k.methods[sig]; ok {
			return m
		}
	}
	return nil
}

// IsKindOf reports whether c is the named class or inherits from it.
func (c *Class) IsKindOf(name string) bool {
	for k := c; k != nil; k = k.Super {
		if k.Name == name {
			return true
		}
	}
	return false
}

// NewInstance creates an object with every slot nil.
func (c *Class) NewInstance() *Object {
	return &Object{Class: c, Slots: make([]Value, len(c.Ivars))}
}

func (c *Class) String() string {
	return c.Name
}

// classTable holds linked classes by name. It is safe for concurrent use.
type classTable struct {
	mu      sync.RWMutex
	classes map[string]*Class
}

func newClassTable() *classTable {
	return &classTable{classes: make(map[string]*Class)}
}

func (ct *classTable) lookup(name string) *Class {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.classes[name]
}

// register stores c unless a class of that name is already linked, and
// returns whichever is in the table.
func (ct *classTable) register(c *Class) *Class {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if old, ok := ct.classes[c.Name]; ok {
		return old
	}
	ct.classes[c.Name] = c
	return c
}

func (ct *classTable) len() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.classes)
}

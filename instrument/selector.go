// Package instrument rewrites units so that every exit of one target method
// reports a snapshot through the capture hook.
//
// A Transformer is registered as a host load hook. It leaves excluded
// namespaces alone, warms the verification cache with the ancestor chain of
// everything else, and rewrites only the container named by its Target.
package instrument

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/exitprobe/unit"
)

var ErrBadSelector = errors.New("instrument: malformed method selector")

// Selector names one method: a container identifier in slash form plus a
// method name and arity.
type Selector struct {
	Container string
	Name      string
	Arity     int
}

// ParseSelector parses "acme.bank.Account.deposit:(1)". The container part
// may use dots or slashes.
func ParseSelector(s string) (Selector, error) {
	open := strings.LastIndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return Selector{}, fmt.Errorf("%w %q: missing (arity)", ErrBadSelector, s)
	}
	arity, err := strconv.Atoi(s[open+1 : len(s)-1])
	if err != nil || arity < 0 || arity > 255 {
		return Selector{}, fmt.Errorf("%w %q: bad arity", ErrBadSelector, s)
	}
	head := s[:open]
	if head == "" {
		return Selector{}, fmt.Errorf("%w %q: empty", ErrBadSelector, s)
	}
	// The last byte belongs to the method name, so "acme.Num./(1)" works.
	dot := strings.LastIndexAny(head[:len(head)-1], "./")
	if dot <= 0 {
		return Selector{}, fmt.Errorf("%w %q: want container.method(arity)", ErrBadSelector, s)
	}
	sel := Selector{
		Container: strings.ReplaceAll(head[:dot], ".", "/"),
		Name:      head[dot+1:],
		Arity:     arity,
	}
	if !unit.ValidName(sel.Container) {
		return Selector{}, fmt.Errorf("%w %q: bad container %q", ErrBadSelector, s, sel.Container)
	}
	return sel, nil
}

// MustParseSelector is like ParseSelector but panics on error.
func MustParseSelector(s string) Selector {
	sel, err := ParseSelector(s)
	if err != nil {
		panic(err)
	}
	return sel
}

// Signature returns the unit signature, e.g. "deposit:(1)".
func (s Selector) Signature() string {
	return unit.Signature(s.Name, s.Arity)
}

func (s Selector) String() string {
	return strings.ReplaceAll(s.Container, "/", ".") + "." + s.Signature()
}

// Target is either no target (inspection mode: nothing is injected) or a
// single method selector. The zero value is NoTarget.
type Target struct {
	sel *Selector
}

// NoTarget returns the inspection-mode target.
func NoTarget() Target { return Target{} }

// TargetOf returns a target for sel.
func TargetOf(sel Selector) Target { return Target{sel: &sel} }

// Selector returns the targeted method, if any.
func (t Target) Selector() (Selector, bool) {
	if t.sel == nil {
		return Selector{}, false
	}
	return *t.sel, true
}

func (t Target) String() string {
	if t.sel == nil {
		return "none"
	}
	return t.sel.String()
}

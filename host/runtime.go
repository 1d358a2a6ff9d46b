package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/singleflight"

	"github.com/chazu/exitprobe/unit"
)

// DefaultMaxDepth bounds nested sends.
const DefaultMaxDepth = 512

var (
	ErrDepthExceeded = errors.New("host: call depth exceeded")
	ErrNameMismatch  = errors.New("host: unit name does not match requested name")
)

// LoadError reports a class that could not be resolved or linked.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("host: load %s: %v", e.Name, e.Err) }

func (e *LoadError) Unwrap() error { return e.Err }

// LoadContext describes the load that triggered a transformation.
type LoadContext struct {
	// Initiator is the class whose code caused the load, or "" for loads
	// requested from outside the interpreter.
	Initiator string
}

// Transformer is the load hook. It receives the bytes about to be linked
// and returns replacement bytes, or nil to leave them unchanged. A returned
// error is logged and the bytes the transformer was given are used.
type Transformer interface {
	Transform(ctx LoadContext, name string, b []byte) ([]byte, error)
}

// TransformerFunc adapts a function to the Transformer interface.
type TransformerFunc func(ctx LoadContext, name string, b []byte) ([]byte, error)

// Transform implements Transformer.
func (f TransformerFunc) Transform(ctx LoadContext, name string, b []byte) ([]byte, error) {
	return f(ctx, name, b)
}

// Native is a host function reachable through INVOKE_NATIVE. Returning an
// *Exception raises it in the caller; any other error aborts the call.
type Native func(ctx context.Context, args []Value) (Value, error)

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger replaces the runtime's logger.
func WithLogger(log commonlog.Logger) Option {
	return func(rt *Runtime) { rt.log = log }
}

// WithMaxDepth sets the maximum nesting of sends.
func WithMaxDepth(n int) Option {
	return func(rt *Runtime) { rt.maxDepth = n }
}

// Runtime loads classes and runs their methods. It is safe for concurrent
// use; each Send runs on the calling goroutine.
type Runtime struct {
	src      unit.Source
	log      commonlog.Logger
	maxDepth int

	mu           sync.RWMutex
	transformers []Transformer
	natives      map[string]Native

	classes *classTable
	loads   singleflight.Group
}

// NewRuntime creates a runtime resolving units from src, with the built-in
// classes layered in front.
func NewRuntime(src unit.Source, opts ...Option) *Runtime {
	rt := &Runtime{
		src:      WithBuiltins(src),
		log:      commonlog.GetLogger("exitprobe.host"),
		maxDepth: DefaultMaxDepth,
		natives:  make(map[string]Native),
		classes:  newClassTable(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// AddTransformer appends a load hook. Hooks run in registration order and
// only affect classes loaded afterwards.
func (rt *Runtime) AddTransformer(t Transformer) {
	rt.mu.Lock()
	rt.transformers = append(rt.transformers, t)
	rt.mu.Unlock()
}

// RegisterNative makes fn reachable as INVOKE_NATIVE name.
func (rt *Runtime) RegisterNative(name string, fn Native) {
	rt.mu.Lock()
	rt.natives[name] = fn
	rt.mu.Unlock()
}

func (rt *Runtime) native(name string) (Native, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	fn, ok := rt.natives[name]
	return fn, ok
}

// Loaded returns the linked class for name, or nil if it has not been
// loaded.
func (rt *Runtime) Loaded(name string) *Class {
	return rt.classes.lookup(name)
}

// NumLoaded returns the number of linked classes.
func (rt *Runtime) NumLoaded() int {
	return rt.classes.len()
}

// LoadClass returns the class for name, loading and linking it and its
// ancestors on first use. Concurrent loads of one name share the work.
func (rt *Runtime) LoadClass(ctx LoadContext, name string) (*Class, error) {
	if c := rt.classes.lookup(name); c != nil {
		return c, nil
	}
	v, err, _ := rt.loads.Do(name, func() (any, error) {
		if c := rt.classes.lookup(name); c != nil {
			return c, nil
		}
		c, err := rt.load(ctx, name)
		if err != nil {
			return nil, &LoadError{Name: name, Err: err}
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Class), nil
}

func (rt *Runtime) load(ctx LoadContext, name string) (*Class, error) {
	data, err := rt.src.Lookup(name)
	if err != nil {
		return nil, err
	}
	data = rt.transform(ctx, name, data)

	u, err := unit.Parse(data)
	if err != nil {
		return nil, err
	}
	if u.Name != name {
		return nil, fmt.Errorf("%w: got %s", ErrNameMismatch, u.Name)
	}

	var super *Class
	if u.Super != "" {
		// Walk the chain on headers first so a cycle fails instead of
		// waiting on itself.
		if _, err := unit.Ancestors(rt.resolver(), u.Header()); err != nil {
			return nil, err
		}
		if super, err = rt.LoadClass(LoadContext{Initiator: name}, u.Super); err != nil {
			return nil, err
		}
	}
	if err := unit.Verify(u, rt.resolver()); err != nil {
		return nil, err
	}
	c, err := newClass(u, super)
	if err != nil {
		return nil, err
	}
	c = rt.classes.register(c)
	rt.log.Debugf("loaded %s (%d methods, %d slots)", name, len(u.Methods), len(c.Ivars))
	return c, nil
}

func (rt *Runtime) transform(ctx LoadContext, name string, data []byte) []byte {
	rt.mu.RLock()
	ts := rt.transformers
	rt.mu.RUnlock()

	for _, t := range ts {
		out, err := t.Transform(ctx, name, data)
		if err != nil {
			rt.log.Errorf("transform %s: %s; keeping untransformed bytes", name, err.Error())
			continue
		}
		if out != nil {
			data = out
		}
	}
	return data
}

// resolver answers header queries from linked classes, falling back to the
// raw bytes. It never links anything.
func (rt *Runtime) resolver() unit.Resolver {
	bytes := unit.SourceResolver{Source: rt.src}
	return unit.ResolverFunc(func(name string) (*unit.Header, error) {
		if c := rt.classes.lookup(name); c != nil {
			return c.Header(), nil
		}
		return bytes.Resolve(name)
	})
}

// New loads class and returns a fresh instance of it.
func (rt *Runtime) New(class string) (*Object, error) {
	c, err := rt.LoadClass(LoadContext{}, class)
	if err != nil {
		return nil, err
	}
	return c.NewInstance(), nil
}

// Send delivers a message to recv and runs the selected method to
// completion. An uncaught exception is returned as *Exception.
func (rt *Runtime) Send(ctx context.Context, recv Value, selector string, args ...Value) (Value, error) {
	t := &thread{rt: rt, ctx: ctx}
	return t.send(recv, selector, args)
}

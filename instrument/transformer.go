package instrument

import (
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/exitprobe/host"
	"github.com/chazu/exitprobe/unit"
)

// DefaultExclude is the namespace list used when WithExclude is not given:
// the tool's own classes.
var DefaultExclude = []string{"exitprobe"}

// RewriteError reports a container that could not be instrumented. The
// host keeps the original bytes.
type RewriteError struct {
	Name string
	Err  error
}

func (e *RewriteError) Error() string {
	return fmt.Sprintf("instrument: rewrite %s: %v", e.Name, e.Err)
}

func (e *RewriteError) Unwrap() error { return e.Err }

// Option configures a Transformer.
type Option func(*Transformer)

// WithTarget sets the method to instrument. The default is NoTarget.
func WithTarget(t Target) Option {
	return func(tr *Transformer) { tr.target = t }
}

// WithExclude replaces the excluded namespace prefixes. Prefixes may use
// dots or slashes.
func WithExclude(prefixes ...string) Option {
	return func(tr *Transformer) {
		tr.exclude = tr.exclude[:0]
		for _, p := range prefixes {
			p = strings.Trim(strings.ReplaceAll(p, ".", "/"), "/")
			if p != "" {
				tr.exclude = append(tr.exclude, p)
			}
		}
	}
}

// WithSink sets where rewritten bytes are dumped. The default is NopSink.
func WithSink(s Sink) Option {
	return func(tr *Transformer) { tr.sink = s }
}

// WithCache shares a verification cache. By default each Transformer
// creates its own over the source passed to New.
func WithCache(c *Cache) Option {
	return func(tr *Transformer) { tr.cache = c }
}

// WithLogger replaces the transformer's logger.
func WithLogger(log commonlog.Logger) Option {
	return func(tr *Transformer) { tr.log = log }
}

// Transformer is the load hook that instruments the target method. Its
// target is fixed at construction; it is safe for concurrent use.
type Transformer struct {
	target  Target
	exclude []string
	sink    Sink
	cache   *Cache
	log     commonlog.Logger

	rewrites atomic.Int64
}

var _ host.Transformer = (*Transformer)(nil)

// New creates a transformer resolving ancestor information through src.
func New(src unit.Source, opts ...Option) *Transformer {
	tr := &Transformer{
		exclude: slices.Clone(DefaultExclude),
		sink:    NopSink{},
		log:     commonlog.GetLogger("exitprobe.instrument"),
	}
	for _, opt := range opts {
		opt(tr)
	}
	if tr.cache == nil {
		tr.cache = NewCache(src)
	}
	return tr
}

// Target returns the transformer's target.
func (tr *Transformer) Target() Target { return tr.target }

// Cache returns the verification cache.
func (tr *Transformer) Cache() *Cache { return tr.cache }

// Rewrites returns how many containers have been instrumented.
func (tr *Transformer) Rewrites() int64 { return tr.rewrites.Load() }

// Excluded reports whether name lies in an excluded namespace: it equals a
// prefix or starts with the prefix followed by a slash.
func (tr *Transformer) Excluded(name string) bool {
	for _, p := range tr.exclude {
		if name == p || strings.HasPrefix(name, p+"/") {
			return true
		}
	}
	return false
}

// Transform implements host.Transformer. It returns nil when the bytes are
// to be used unchanged, and a *RewriteError when instrumenting failed.
func (tr *Transformer) Transform(ctx host.LoadContext, name string, original []byte) ([]byte, error) {
	if tr.Excluded(name) {
		return nil, nil
	}
	u, err := unit.Parse(original)
	if err != nil {
		return nil, tr.fail(name, err)
	}
	ivars, err := unit.AllIvars(tr.cache, u.Header())
	if err != nil {
		return nil, tr.fail(name, err)
	}

	sel, ok := tr.target.Selector()
	if !ok || name != sel.Container {
		return nil, nil
	}
	m := u.Lookup(sel.Signature())
	if m == nil {
		tr.log.Warningf("target %s: %s has no method %s; not instrumented", sel, name, sel.Signature())
		return nil, nil
	}

	out, sites, err := rewriteExits(u, m, len(ivars))
	if err != nil {
		return nil, tr.fail(name, fmt.Errorf("%s: %w", sel.Signature(), err))
	}
	u.Methods[slices.Index(u.Methods, m)] = out
	if err := unit.Verify(u, tr.cache); err != nil {
		return nil, tr.fail(name, err)
	}
	data, err := unit.Encode(u)
	if err != nil {
		return nil, tr.fail(name, err)
	}

	if err := tr.sink.Dump(name, original, data); err != nil {
		tr.log.Warningf("dump %s: %s", name, err.Error())
	}
	tr.rewrites.Add(1)
	tr.log.Infof("instrumented %s (%d exit sites, loaded by %q)", sel, sites, ctx.Initiator)
	return data, nil
}

func (tr *Transformer) fail(name string, err error) error {
	re := &RewriteError{Name: name, Err: err}
	tr.log.Errorf("%s", re.Error())
	return re
}

package instrument

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/chazu/exitprobe/host"
	"github.com/chazu/exitprobe/snapshot"
	"github.com/chazu/exitprobe/unit"
)

const baseSrc = `
unit acme/core/Base
ivars id
`

const accountSrc = `
unit acme/bank/Account
super acme/core/Base
ivars balance
method deposit: 1
  push_temp 0
  push_int 0
  send_lt
  jump_false ok
  push_lit "negative amount"
  throw
ok:
  push_ivar 1
  push_temp 0
  send_plus
  store_ivar 1
  pop
  return_self
end
method pick: 1
  push_temp 0
  jump_true yes
  push_int 2
  return_top
yes:
  line 5
  return_self
end
method guarded 0
s:
  push_lit "inner"
  throw
e:
h:
  pop
  push_int 1
  return_top
  handler s e h any
end
method callsDeposit 0
  push_self
  push_int -1
  send deposit: 1
  return_top
end
method label 0
  push_lit "savings"
  return_top
end
method open 0
  new acme/core/Base
  return_top
end
`

type fixture struct {
	src *unit.MapSource
	rt  *host.Runtime
	tr  *Transformer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	src := unit.NewMapSource()
	for _, s := range []string{baseSrc, accountSrc} {
		if err := src.PutUnit(unit.MustAssemble(s)); err != nil {
			t.Fatalf("PutUnit: %v", err)
		}
	}
	tr := New(host.WithBuiltins(src), opts...)
	rt := host.NewRuntime(src)
	snapshot.Register(rt)
	rt.AddTransformer(tr)
	return &fixture{src: src, rt: rt, tr: tr}
}

func target(sel string) Option {
	return WithTarget(TargetOf(MustParseSelector(sel)))
}

// send runs one message on a fresh account with balance 0 and returns what
// the capture hook collected.
func (f *fixture) send(t *testing.T, selector string, args ...host.Value) ([]snapshot.Snapshot, host.Value, error) {
	t.Helper()
	obj, err := f.rt.New("acme/bank/Account")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	obj.Slots[1] = int64(0)
	c := snapshot.NewCollector()
	v, err := f.rt.Send(snapshot.NewContext(context.Background(), c), obj, selector, args...)
	return c.Snapshots(), v, err
}

func TestNormalAndExceptionalExitsCaptureOnce(t *testing.T) {
	f := newFixture(t, target("acme.bank.Account.deposit:(1)"))

	snaps, _, err := f.send(t, "deposit:", int64(5))
	if err != nil {
		t.Fatalf("deposit: 5: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("normal path captured %d times, want 1", len(snaps))
	}
	s := snaps[0]
	if s.Kind != snapshot.KindNormal || s.Site != 0 {
		t.Errorf("snapshot = site %d kind %s", s.Site, s.Kind)
	}
	if s.Value.Kind != snapshot.NodeRef || s.Value.ID != s.Receiver.ID {
		t.Errorf("returned value = %v, want the receiver", s.Value)
	}
	if bal, _ := s.Receiver.Field("balance"); bal.Int != 5 {
		t.Errorf("balance = %v, want 5", bal)
	}
	if len(s.Temps) != 1 || s.Temps[0].Int != 5 {
		t.Errorf("temps = %v", s.Temps)
	}

	snaps, _, err = f.send(t, "deposit:", int64(-1))
	var exc *host.Exception
	if !errors.As(err, &exc) || exc.Value != "negative amount" {
		t.Fatalf("deposit: -1 err = %v, want the original exception", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("exceptional path captured %d times, want 1", len(snaps))
	}
	if snaps[0].Kind != snapshot.KindExceptional || snaps[0].Value.Str != "negative amount" || snaps[0].Site != 1 {
		t.Errorf("snapshot = %+v", snaps[0])
	}
	if f.tr.Rewrites() != 1 {
		t.Errorf("Rewrites = %d, want 1", f.tr.Rewrites())
	}
}

func TestExceptionFromCalleeIsCaptured(t *testing.T) {
	f := newFixture(t, target("acme.bank.Account.callsDeposit(0)"))
	snaps, _, err := f.send(t, "callsDeposit")
	if err == nil {
		t.Fatal("callsDeposit should propagate the callee's exception")
	}
	if len(snaps) != 1 || snaps[0].Kind != snapshot.KindExceptional {
		t.Fatalf("snapshots = %+v, want one exceptional", snaps)
	}
	if v := snaps[0].Value; v.Kind != snapshot.NodeString || v.Str != "negative amount" {
		t.Errorf("exception value = %v, want the callee's exception", v)
	}
}

func TestReturnTopCapturesReturnedValue(t *testing.T) {
	f := newFixture(t, target("acme.bank.Account.label(0)"))
	snaps, v, err := f.send(t, "label")
	if err != nil || v != "savings" {
		t.Fatalf("label = %v, %v", v, err)
	}
	if len(snaps) != 1 || snaps[0].Value.Kind != snapshot.NodeString || snaps[0].Value.Str != "savings" {
		t.Fatalf("snapshots = %+v, want the returned string", snaps)
	}

	f = newFixture(t, target("acme.bank.Account.open(0)"))
	snaps, v, err = f.send(t, "open")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if o, ok := v.(*host.Object); !ok || o.Class.Name != "acme/core/Base" {
		t.Fatalf("open = %v, want a new acme/core/Base", v)
	}
	if len(snaps) != 1 {
		t.Fatalf("open captured %d times, want 1", len(snaps))
	}
	val := snaps[0].Value
	if val.Kind != snapshot.NodeObject || val.Str != "acme/core/Base" || val.ID == snaps[0].Receiver.ID {
		t.Errorf("returned value = %+v, want the new object", val)
	}
	if id, ok := val.Field("id"); !ok || id.Kind != snapshot.NodeNil {
		t.Errorf("new object field id = %v, %v", id, ok)
	}
}

func TestInnerHandlerKeepsPrecedence(t *testing.T) {
	f := newFixture(t, target("acme.bank.Account.guarded(0)"))
	snaps, v, err := f.send(t, "guarded")
	if err != nil || v != int64(1) {
		t.Fatalf("guarded = %v, %v", v, err)
	}
	if len(snaps) != 1 || snaps[0].Kind != snapshot.KindNormal || snaps[0].Value.Int != 1 {
		t.Fatalf("snapshots = %+v, want one normal exit returning 1", snaps)
	}
}

func TestJumpsToExitsAreRetargeted(t *testing.T) {
	f := newFixture(t, target("acme.bank.Account.pick:(1)"))

	snaps, v, err := f.send(t, "pick:", false)
	if err != nil || v != int64(2) {
		t.Fatalf("pick: false = %v, %v", v, err)
	}
	if len(snaps) != 1 || snaps[0].Site != 0 || snaps[0].Value.Int != 2 {
		t.Errorf("pick: false snapshots = %+v", snaps)
	}

	snaps, _, err = f.send(t, "pick:", true)
	if err != nil {
		t.Fatalf("pick: true: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Site != 1 {
		t.Errorf("pick: true snapshots = %+v", snaps)
	}

	m, _ := f.rt.Loaded("acme/bank/Account").LookupMethod("pick:(1)")
	instrs, err := unit.Decode(m.Code)
	if err != nil {
		t.Fatal(err)
	}
	// push_temp, jump_true, push_int, then a 24 byte capture sequence and
	// return_top put the old return_self at 32.
	if instrs[1].Op != unit.OpJumpTrue || instrs[1].A != 32 {
		t.Errorf("jump = %s -> %d, want -> 32", instrs[1].Op, instrs[1].A)
	}
	if m.LineFor(32) != 5 {
		t.Errorf("line at 32 = %d, want 5", m.LineFor(32))
	}
}

func TestNoTargetInjectsNothing(t *testing.T) {
	f := newFixture(t)
	for _, sel := range []string{"deposit:", "pick:"} {
		snaps, _, _ := f.send(t, sel, int64(1))
		if len(snaps) != 0 {
			t.Errorf("%s captured %d snapshots with no target", sel, len(snaps))
		}
	}
	if f.tr.Rewrites() != 0 {
		t.Errorf("Rewrites = %d", f.tr.Rewrites())
	}
	if _, err := f.tr.Cache().Resolve("acme/core/Base"); err != nil || f.tr.Cache().Fetches() != 1 {
		t.Errorf("loads should have warmed the cache with the superclass (fetches %d, %v)", f.tr.Cache().Fetches(), err)
	}

	data, _ := f.src.Lookup("acme/bank/Account")
	out, err := f.tr.Transform(host.LoadContext{}, "acme/bank/Account", data)
	if out != nil || err != nil {
		t.Errorf("Transform = %d bytes, %v; want unchanged", len(out), err)
	}
}

func TestExcludedNamespacesPassThrough(t *testing.T) {
	tr := New(unit.NewMapSource(), WithExclude("acme.internal"),
		WithTarget(TargetOf(MustParseSelector("acme.internal.X.run(0)"))))
	garbage := []byte("not a unit")

	for _, name := range []string{"acme/internal", "acme/internal/X", "acme/internal/deep/Y"} {
		out, err := tr.Transform(host.LoadContext{}, name, garbage)
		if out != nil || err != nil {
			t.Errorf("%s: Transform = %q, %v; want pass-through", name, out, err)
		}
	}

	// Prefix match is by namespace segment, not by string prefix.
	_, err := tr.Transform(host.LoadContext{}, "acme/internalx/Y", garbage)
	var re *RewriteError
	if !errors.As(err, &re) || re.Name != "acme/internalx/Y" {
		t.Errorf("acme/internalx/Y: err = %v, want *RewriteError", err)
	}

	if !New(nil).Excluded("exitprobe/lang/Error") {
		t.Error("default exclusion should cover the exitprobe namespace")
	}
}

func TestMissingMethodLeavesUnitUnchanged(t *testing.T) {
	f := newFixture(t, target("acme.bank.Account.withdraw:(1)"))
	data, _ := f.src.Lookup("acme/bank/Account")
	out, err := f.tr.Transform(host.LoadContext{}, "acme/bank/Account", data)
	if out != nil || err != nil {
		t.Errorf("Transform = %d bytes, %v; want unchanged", len(out), err)
	}
}

func TestRewriteFailureFallsBackToOriginal(t *testing.T) {
	f := newFixture(t)
	// This transformer cannot see the superclass, so ancestor resolution
	// fails and the runtime keeps the original bytes.
	lonely := unit.NewMapSource()
	data, _ := f.src.Lookup("acme/bank/Account")
	lonely.Put("acme/bank/Account", data)
	broken := New(lonely, target("acme.bank.Account.deposit:(1)"))

	_, err := broken.Transform(host.LoadContext{}, "acme/bank/Account", data)
	if !errors.Is(err, unit.ErrNotFound) {
		t.Fatalf("Transform err = %v, want ErrNotFound", err)
	}

	f.rt.AddTransformer(broken)
	snaps, _, err := f.send(t, "deposit:", int64(3))
	if err != nil || len(snaps) != 0 {
		t.Errorf("deposit: 3 = %d snapshots, %v; want original behaviour", len(snaps), err)
	}
}

func TestRewrittenUnitVerifiesAndDumps(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, target("acme.bank.Account.deposit:(1)"), WithSink(DirSink{Dir: dir, Compress: true}))
	data, _ := f.src.Lookup("acme/bank/Account")

	out, err := f.tr.Transform(host.LoadContext{}, "acme/bank/Account", data)
	if err != nil || out == nil {
		t.Fatalf("Transform = %d bytes, %v", len(out), err)
	}
	u, err := unit.Parse(out)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := unit.Verify(u, f.tr.Cache()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	m := u.Lookup("deposit:(1)")
	if len(m.Handlers) != 1 || m.Handlers[0].Class != unit.AnyClass || m.Handlers[0].Start != 0 {
		t.Errorf("handlers = %+v", m.Handlers)
	}
	if n := strings.Count(m.Disassemble(u.Literals), "INVOKE_NATIVE"); n != 2 {
		t.Errorf("%d capture calls, want 2", n)
	}
	if other := u.Lookup("pick:(1)"); strings.Contains(other.Disassemble(u.Literals), "INVOKE_NATIVE") {
		t.Error("non-target method was instrumented")
	}

	sink := DirSink{Dir: dir, Compress: true}
	dumped, err := ReadDump(sink.Path("acme/bank/Account"))
	if err != nil {
		t.Fatalf("ReadDump: %v", err)
	}
	if string(dumped) != string(out) {
		t.Error("dumped bytes differ from the rewritten unit")
	}
	if orig, err := ReadDump(sink.OrigPath("acme/bank/Account")); err != nil || string(orig) != string(data) {
		t.Errorf("original not dumped: %v", err)
	}
}

func TestDirSinkNamesDoNotCollide(t *testing.T) {
	sink := DirSink{Dir: t.TempDir()}
	names := []string{"a/b_c", "a_b/c", "a/b/c", "a%2Fb/c", "orig", "x.orig"}
	seen := make(map[string]string)
	for _, name := range names {
		if err := sink.Dump(name, []byte("orig "+name), []byte("new "+name)); err != nil {
			t.Fatalf("Dump(%s): %v", name, err)
		}
		for _, p := range []string{sink.Path(name), sink.OrigPath(name)} {
			if other, ok := seen[p]; ok {
				t.Errorf("%s and %s both dump to %s", other, name, p)
			}
			seen[p] = name
		}
	}
	for _, name := range names {
		got, err := ReadDump(sink.Path(name))
		if err != nil || string(got) != "new "+name {
			t.Errorf("%s: dump = %q, %v", name, got, err)
		}
		got, err = ReadDump(sink.OrigPath(name))
		if err != nil || string(got) != "orig "+name {
			t.Errorf("%s: original = %q, %v", name, got, err)
		}
	}
}

func TestCacheResolvesOnce(t *testing.T) {
	src := unit.NewMapSource()
	if err := src.PutUnit(unit.MustAssemble(baseSrc)); err != nil {
		t.Fatal(err)
	}
	c := NewCache(src)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h, err := c.Resolve("acme/core/Base"); err != nil || h.Name != "acme/core/Base" {
				t.Errorf("Resolve = %v, %v", h, err)
			}
		}()
	}
	wg.Wait()
	if c.Fetches() != 1 || c.Len() != 1 {
		t.Errorf("fetches = %d, len = %d; want 1, 1", c.Fetches(), c.Len())
	}

	if _, err := c.Resolve("acme/Missing"); !errors.Is(err, unit.ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}
	if c.Len() != 1 {
		t.Error("failed resolution was cached")
	}
}

func TestParseSelector(t *testing.T) {
	tests := []struct {
		in   string
		want Selector
		err  bool
	}{
		{in: "acme.bank.Account.deposit:(1)", want: Selector{"acme/bank/Account", "deposit:", 1}},
		{in: "acme/bank/Account.balance(0)", want: Selector{"acme/bank/Account", "balance", 0}},
		{in: "acme.Num./(1)", want: Selector{"acme/Num", "/", 1}},
		{in: "acme.Account.deposit:", err: true},
		{in: "deposit:(1)", err: true},
		{in: "acme.Account.run(x)", err: true},
		{in: "acme..Account.run(0)", err: true},
		{in: "(0)", err: true},
	}
	for _, tt := range tests {
		got, err := ParseSelector(tt.in)
		if tt.err {
			if !errors.Is(err, ErrBadSelector) {
				t.Errorf("ParseSelector(%q) err = %v, want ErrBadSelector", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseSelector(%q) = %+v, %v; want %+v", tt.in, got, err, tt.want)
		}
	}
	if s := MustParseSelector("acme/bank/Account.deposit:(1)").String(); s != "acme.bank.Account.deposit:(1)" {
		t.Errorf("String = %q", s)
	}
	if _, ok := NoTarget().Selector(); ok {
		t.Error("NoTarget has a selector")
	}
}

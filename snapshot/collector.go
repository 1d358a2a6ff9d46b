package snapshot

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/chazu/exitprobe/host"
)

// Collector accumulates the snapshots of one test. It is safe for
// concurrent use.
type Collector struct {
	mu    sync.Mutex
	snaps []Snapshot
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Add appends a snapshot.
func (c *Collector) Add(s Snapshot) {
	c.mu.Lock()
	c.snaps = append(c.snaps, s)
	c.mu.Unlock()
}

// Snapshots returns a copy of everything collected so far, in capture order.
func (c *Collector) Snapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.snaps)
}

// Len returns the number of snapshots collected.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snaps)
}

type collectorKey struct{}

// NewContext returns a context that routes captures to c.
func NewContext(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, collectorKey{}, c)
}

// FromContext returns the collector attached to ctx, if any.
func FromContext(ctx context.Context) (*Collector, bool) {
	c, ok := ctx.Value(collectorKey{}).(*Collector)
	return c, ok
}

// Hook is the capture native. Captures made outside a test, where the
// context carries no collector, are dropped.
func Hook(ctx context.Context, args []host.Value) (host.Value, error) {
	if len(args) != HookArity {
		return nil, fmt.Errorf("snapshot: %s called with %d arguments, want %d", HookName, len(args), HookArity)
	}
	site, ok1 := args[1].(int64)
	kind, ok2 := args[2].(int64)
	temps, ok3 := args[4].(*host.Array)
	ivars, ok4 := args[5].(*host.Array)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("snapshot: %s called with malformed arguments", HookName)
	}
	c, ok := FromContext(ctx)
	if !ok {
		return nil, nil
	}
	c.Add(Capture(int(site), Kind(kind), args[0], args[3], temps.Elems, ivars.Elems))
	return nil, nil
}

// Register installs Hook in rt.
func Register(rt *host.Runtime) {
	rt.RegisterNative(HookName, Hook)
}

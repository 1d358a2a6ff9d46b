// Package agent is the instrumented side of a probe run. It loads the
// configured units through the exit-point transformer, runs each test in the
// host and streams the captured snapshots to the controller.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/exitprobe/config"
	"github.com/chazu/exitprobe/host"
	"github.com/chazu/exitprobe/instrument"
	"github.com/chazu/exitprobe/report"
	"github.com/chazu/exitprobe/snapshot"
	"github.com/chazu/exitprobe/unit"
)

// Result is the outcome of one test.
type Result struct {
	Test      config.Test
	Snapshots []snapshot.Snapshot
	Value     host.Value

	// Exception is set when the test ended with an uncaught exception. That
	// is evidence, not a failure of the run.
	Exception *host.Exception

	// Err is set when the test could not run to an outcome: a load failure,
	// a host fault or cancellation.
	Err error
}

// Failed reports whether the test aborted without an outcome.
func (r *Result) Failed() bool { return r.Err != nil }

// Option configures an Agent.
type Option func(*Agent)

// WithSource replaces the unit directories from the configuration.
func WithSource(src unit.Source) Option {
	return func(a *Agent) { a.src = src }
}

// WithSink replaces the dump sink derived from the configuration.
func WithSink(s instrument.Sink) Option {
	return func(a *Agent) { a.sink = s }
}

// WithLogger sets the agent's logger.
func WithLogger(log commonlog.Logger) Option {
	return func(a *Agent) { a.log = log }
}

// Agent runs the configured tests against instrumented units.
type Agent struct {
	cfg  *config.Config
	src  unit.Source
	sink instrument.Sink
	log  commonlog.Logger

	rt *host.Runtime
	tr *instrument.Transformer
}

// New builds the transformer and the host runtime for cfg.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	a := &Agent{
		cfg: cfg,
		log: commonlog.GetLogger("exitprobe.agent"),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.src == nil {
		a.src = unit.DirSource{Dirs: cfg.UnitDirPaths()}
	}
	if a.sink == nil {
		if dir := cfg.DumpDirPath(); dir != "" {
			a.sink = instrument.DirSink{Dir: dir, Compress: cfg.Diagnostics.Compress}
		} else {
			a.sink = instrument.NopSink{}
		}
	}

	target := instrument.NoTarget()
	if cfg.Target.Method != "" {
		sel, err := instrument.ParseSelector(cfg.Target.Method)
		if err != nil {
			return nil, fmt.Errorf("agent: target: %w", err)
		}
		target = instrument.TargetOf(sel)
	}

	src := host.WithBuiltins(a.src)
	a.tr = instrument.New(src,
		instrument.WithTarget(target),
		instrument.WithExclude(cfg.Units.Exclude...),
		instrument.WithSink(a.sink),
	)
	a.rt = host.NewRuntime(a.src)
	a.rt.AddTransformer(a.tr)
	snapshot.Register(a.rt)

	if _, ok := target.Selector(); ok {
		a.log.Infof("target %s", target)
	} else {
		a.log.Info("no target method; running in inspection mode")
	}
	return a, nil
}

// Runtime returns the host runtime tests execute in.
func (a *Agent) Runtime() *host.Runtime { return a.rt }

// Transformer returns the installed transformer.
func (a *Agent) Transformer() *instrument.Transformer { return a.tr }

// RunTest runs one test: a fresh instance of t.Unit receives t.Method with
// no arguments. Captures made while it runs are returned in order.
func (a *Agent) RunTest(ctx context.Context, t config.Test) *Result {
	res := &Result{Test: t}
	c := snapshot.NewCollector()
	defer func() { res.Snapshots = c.Snapshots() }()

	obj, err := a.rt.New(t.Unit)
	if err != nil {
		res.Err = err
		return res
	}
	res.Value, err = a.rt.Send(snapshot.NewContext(ctx, c), obj, t.Method)
	var exc *host.Exception
	switch {
	case errors.As(err, &exc):
		res.Exception = exc
	case err != nil:
		res.Err = err
	}
	return res
}

// Run executes every configured test, at most cfg.Run.Parallelism at a time,
// and reports each one to w as it finishes. It always attempts a final DONE
// and returns the code it carried. The error is non-nil only when the report
// stream broke, in which case the code is report.ExitReportFailure.
func (a *Agent) Run(ctx context.Context, w io.Writer) (report.ExitCode, error) {
	rep := report.NewReporter(w)
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Run.Timeout.Duration)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Run.Parallelism)

	results := make([]*Result, len(a.cfg.Tests))
	for i, t := range a.cfg.Tests {
		g.Go(func() error {
			res := a.RunTest(gctx, t)
			results[i] = res
			a.logResult(res)
			return rep.ReportSnapshots(t.Name, res.Snapshots)
		})
	}
	if err := g.Wait(); err != nil {
		a.log.Errorf("report stream: %s", err.Error())
		return report.ExitReportFailure, err
	}

	code := exitCode(ctx, results)
	if err := rep.Done(code); err != nil {
		a.log.Errorf("report stream: %s", err.Error())
		return report.ExitReportFailure, err
	}
	a.log.Infof("run finished: %d tests, %s (%d units instrumented)", len(results), code, a.tr.Rewrites())
	return code, nil
}

func (a *Agent) logResult(res *Result) {
	switch {
	case res.Err != nil:
		a.log.Errorf("test %s: %s", res.Test.Name, res.Err.Error())
	case res.Exception != nil:
		a.log.Infof("test %s: raised %s (%d snapshots)", res.Test.Name, res.Exception.ClassName(), len(res.Snapshots))
	default:
		a.log.Debugf("test %s: %s (%d snapshots)", res.Test.Name, host.Describe(res.Value), len(res.Snapshots))
	}
}

func exitCode(ctx context.Context, results []*Result) report.ExitCode {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return report.ExitTimeout
	}
	for _, r := range results {
		if r.Failed() {
			return report.ExitTestFailure
		}
	}
	return report.ExitOK
}

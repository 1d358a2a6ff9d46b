// Package controller is the parent side of a probe run. It launches the
// agent, reads its report stream, classifies the run and stores the result.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/exitprobe/config"
	"github.com/chazu/exitprobe/report"
	"github.com/chazu/exitprobe/store"
)

// ReportAddrFlag is the agent flag that carries the address to dial.
const ReportAddrFlag = "-report-addr"

// DefaultAcceptGrace is how long the controller keeps accepting after the
// agent has exited, for a connection still queued in the listener.
const DefaultAcceptGrace = time.Second

// Option configures a Controller.
type Option func(*Controller)

// WithStore persists every run in s.
func WithStore(s *store.Store) Option {
	return func(c *Controller) { c.store = s }
}

// WithLogger sets the controller's logger.
func WithLogger(log commonlog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithAcceptGrace overrides DefaultAcceptGrace.
func WithAcceptGrace(d time.Duration) Option {
	return func(c *Controller) { c.grace = d }
}

// Controller runs agents and collects their reports.
type Controller struct {
	cfg   *config.Config
	argv  []string
	store *store.Store
	log   commonlog.Logger
	grace time.Duration
}

// New creates a controller that starts the agent as argv followed by
// ReportAddrFlag and the listening address.
func New(cfg *config.Config, argv []string, opts ...Option) *Controller {
	c := &Controller{
		cfg:   cfg,
		argv:  argv,
		log:   commonlog.GetLogger("exitprobe.controller"),
		grace: DefaultAcceptGrace,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run launches one agent and returns the classified run. The run is stored
// when a store is configured. The error is non-nil only when the agent
// could not be started or the run could not be saved; a misbehaving agent
// yields a StatusIncomplete run instead.
func (c *Controller) Run(ctx context.Context) (*store.Run, error) {
	if len(c.argv) == 0 {
		return nil, errors.New("controller: no agent command")
	}
	started := time.Now()

	// The agent enforces the run timeout itself; this bound only catches an
	// agent that stops responding.
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Run.Timeout.Duration+10*c.grace)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("controller: listen: %w", err)
	}
	defer ln.Close()

	args := append(append([]string(nil), c.argv[1:]...), ReportAddrFlag, ln.Addr().String())
	cmd := exec.CommandContext(ctx, c.argv[0], args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("controller: start agent: %w", err)
	}
	c.log.Infof("agent started (pid %d), reporting to %s", cmd.Process.Pid, ln.Addr())

	var (
		run     *report.Run
		readErr error
		waitErr error
	)
	exited := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(exited)
		waitErr = cmd.Wait()
		return nil
	})
	g.Go(func() error {
		run, readErr = c.accept(gctx, ln, exited)
		return nil
	})
	_ = g.Wait()

	rec := classify(c.cfg.Target.Method, run, readErr)
	rec.Started = started
	rec.Finished = time.Now()
	c.checkExit(rec, cmd, waitErr)
	c.log.Infof("run %s: %s, %d tests, code %s", rec.ID, rec.Status, len(rec.Tests), rec.Code)

	if err := c.save(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// accept waits for the agent's connection and reads the whole stream.
func (c *Controller) accept(ctx context.Context, ln net.Listener, exited <-chan struct{}) (*report.Run, error) {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	go func() {
		select {
		case <-exited:
			if dl, ok := ln.(interface{ SetDeadline(time.Time) error }); ok {
				dl.SetDeadline(time.Now().Add(c.grace))
			}
		case <-ctx.Done():
		}
	}()

	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("agent never connected: %w", err)
	}
	defer conn.Close()
	stopConn := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopConn()
	return report.ReadRun(conn)
}

// Collect reads a complete report stream from r and classifies it. It is
// the in-process counterpart of Run for agents whose stream is already at
// hand, such as one written to stdout.
func (c *Controller) Collect(ctx context.Context, r io.Reader) (*store.Run, error) {
	started := time.Now()
	run, err := report.ReadRun(r)
	rec := classify(c.cfg.Target.Method, run, err)
	rec.Started = started
	rec.Finished = time.Now()
	if err := c.save(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func (c *Controller) save(ctx context.Context, rec *store.Run) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.SaveRun(ctx, rec); err != nil {
		c.log.Errorf("store: %s", err.Error())
		return fmt.Errorf("controller: %w", err)
	}
	return nil
}

// checkExit records a disagreement between the reported code and the
// process exit status.
func (c *Controller) checkExit(rec *store.Run, cmd *exec.Cmd, waitErr error) {
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		c.log.Warningf("agent wait: %s", waitErr.Error())
		return
	}
	status := report.ExitCode(cmd.ProcessState.ExitCode())
	if rec.Status == store.StatusIncomplete {
		if rec.Detail != "" {
			rec.Detail += "; "
		}
		rec.Detail += "agent " + cmd.ProcessState.String()
		return
	}
	if status != rec.Code {
		c.log.Warningf("agent reported %s but exited with %d", rec.Code, int(status))
	}
}

// classify maps a decoded stream to a run record. Only a well-formed stream
// whose DONE carries ExitOK or ExitTestFailure counts as complete.
func classify(target string, run *report.Run, err error) *store.Run {
	rec := &store.Run{ID: uuid.New(), Target: target, Code: report.ExitUnknownError}
	if run != nil {
		for _, f := range run.Tests {
			rec.Tests = append(rec.Tests, store.Test{Name: f.Test, Snapshots: f.Snapshots})
		}
	}
	if err != nil {
		rec.Status = store.StatusIncomplete
		rec.Detail = err.Error()
		return rec
	}

	rec.Code = run.Code
	switch run.Code {
	case report.ExitOK, report.ExitTestFailure:
	default:
		rec.Status = store.StatusIncomplete
		rec.Detail = "agent reported " + run.Code.String()
		return rec
	}

	rec.Status = store.StatusComplete
	if target != "" {
		n := 0
		for _, t := range rec.Tests {
			n += len(t.Snapshots)
		}
		if n == 0 {
			rec.Status = store.StatusNoEvidence
		}
	}
	return rec
}

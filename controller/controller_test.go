package controller

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/exitprobe/agent"
	"github.com/chazu/exitprobe/config"
	"github.com/chazu/exitprobe/report"
	"github.com/chazu/exitprobe/snapshot"
	"github.com/chazu/exitprobe/store"
	"github.com/chazu/exitprobe/unit"
)

const (
	depositTarget  = "acme.bank.Account.deposit:(1)"
	withdrawTarget = "acme.bank.Account.withdraw:(1)"
	helperEnv      = "EXITPROBE_HELPER_AGENT"
)

const accountSrc = `
unit acme/bank/Account
ivars balance
method deposit: 1
  push_temp 0
  push_int 0
  send_lt
  jump_false ok
  push_lit "negative amount"
  throw
ok:
  push_temp 0
  store_ivar 0
  pop
  return_self
end
`

const accountTestSrc = `
unit acme/bank/AccountTest
method testDeposit 0
  new acme/bank/Account
  push_int 5
  send deposit: 1
  return_top
end
method testOverdraw 0
  new acme/bank/Account
  push_int -1
  send deposit: 1
  return_top
end
`

func stream(build func(r *report.Reporter)) *bytes.Buffer {
	var buf bytes.Buffer
	build(report.NewReporter(&buf))
	return &buf
}

func oneSnapshot() []snapshot.Snapshot {
	return []snapshot.Snapshot{{Site: 0, Kind: snapshot.KindNormal}}
}

func TestCollectClassifies(t *testing.T) {
	tests := []struct {
		name   string
		target string
		build  func(r *report.Reporter)
		status store.Status
		code   report.ExitCode
	}{
		{"complete", depositTarget, func(r *report.Reporter) {
			r.ReportSnapshots("A", oneSnapshot())
			r.ReportSnapshots("B", nil)
			r.Done(report.ExitOK)
		}, store.StatusComplete, report.ExitOK},
		{"no evidence", depositTarget, func(r *report.Reporter) {
			r.ReportSnapshots("A", nil)
			r.Done(report.ExitOK)
		}, store.StatusNoEvidence, report.ExitOK},
		{"inspection mode", "", func(r *report.Reporter) {
			r.ReportSnapshots("A", nil)
			r.Done(report.ExitOK)
		}, store.StatusComplete, report.ExitOK},
		{"test failure with evidence", depositTarget, func(r *report.Reporter) {
			r.ReportSnapshots("A", oneSnapshot())
			r.Done(report.ExitTestFailure)
		}, store.StatusComplete, report.ExitTestFailure},
		{"timeout", depositTarget, func(r *report.Reporter) {
			r.ReportSnapshots("A", oneSnapshot())
			r.Done(report.ExitTimeout)
		}, store.StatusIncomplete, report.ExitTimeout},
		{"missing done", depositTarget, func(r *report.Reporter) {
			r.ReportSnapshots("A", oneSnapshot())
		}, store.StatusIncomplete, report.ExitUnknownError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Target.Method = tt.target
			rec, err := New(cfg, nil).Collect(context.Background(), stream(tt.build))
			if err != nil {
				t.Fatalf("Collect: %v", err)
			}
			if rec.Status != tt.status || rec.Code != tt.code {
				t.Errorf("status, code = %s, %v; want %s, %v (%s)", rec.Status, rec.Code, tt.status, tt.code, rec.Detail)
			}
			if tt.status == store.StatusIncomplete && rec.Detail == "" {
				t.Error("incomplete run without detail")
			}
		})
	}
}

func TestCollectKeepsPartialReports(t *testing.T) {
	buf := stream(func(r *report.Reporter) {
		r.ReportSnapshots("A", oneSnapshot())
		r.Done(report.ExitOK)
	})
	buf.WriteByte(0x40)
	rec, err := New(config.Default(), nil).Collect(context.Background(), buf)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusIncomplete || len(rec.Tests) != 1 {
		t.Errorf("rec = %s with %d tests", rec.Status, len(rec.Tests))
	}
}

func TestCollectPersists(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	cfg := config.Default()
	cfg.Target.Method = depositTarget
	rec, err := New(cfg, nil, WithStore(st)).Collect(context.Background(), stream(func(r *report.Reporter) {
		r.ReportSnapshots("A", oneSnapshot())
		r.Done(report.ExitOK)
	}))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got, err := st.Run(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("stored run: %v", err)
	}
	if got.Status != store.StatusComplete || len(got.Tests) != 1 || len(got.Tests[0].Snapshots) != 1 {
		t.Errorf("stored = %+v", got)
	}
}

// TestHelperAgent is not a real test. It is the agent process started by
// the Run tests.
func TestHelperAgent(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}
	var addr string
	for i, a := range os.Args {
		if a == ReportAddrFlag && i+1 < len(os.Args) {
			addr = os.Args[i+1]
		}
	}
	os.Exit(helperAgent(mode, addr))
}

func helperAgent(mode, addr string) int {
	if mode == "noconnect" {
		return int(report.ExitUnknownError)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return int(report.ExitReportFailure)
	}
	defer conn.Close()

	switch mode {
	case "nodone":
		report.NewReporter(conn).ReportSnapshots("A", oneSnapshot())
		return int(report.ExitUnknownError)
	}

	src := unit.NewMapSource()
	for _, s := range []string{accountSrc, accountTestSrc} {
		if err := src.PutUnit(unit.MustAssemble(s)); err != nil {
			return int(report.ExitUnknownError)
		}
	}
	cfg := config.Default()
	cfg.Target.Method = depositTarget
	if mode == "miss" {
		cfg.Target.Method = withdrawTarget
	}
	for _, m := range []string{"testDeposit", "testOverdraw"} {
		cfg.Tests = append(cfg.Tests, config.Test{Name: m, Unit: "acme/bank/AccountTest", Method: m})
	}
	a, err := agent.New(cfg, agent.WithSource(src))
	if err != nil {
		return int(report.ExitUnknownError)
	}
	code, _ := a.Run(context.Background(), conn)
	return int(code)
}

func runHelper(t *testing.T, mode, target string, opts ...Option) *store.Run {
	t.Helper()
	t.Setenv(helperEnv, mode)
	cfg := config.Default()
	cfg.Target.Method = target
	argv := []string{os.Args[0], "-test.run=^TestHelperAgent$", "--"}
	opts = append(opts, WithAcceptGrace(200*time.Millisecond))
	rec, err := New(cfg, argv, opts...).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return rec
}

func TestRunAgentProcess(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	rec := runHelper(t, "agent", depositTarget, WithStore(st))
	if rec.Status != store.StatusComplete || rec.Code != report.ExitOK {
		t.Fatalf("rec = %s %v: %s", rec.Status, rec.Code, rec.Detail)
	}
	if len(rec.Tests) != 2 {
		t.Fatalf("tests = %+v", rec.Tests)
	}
	for _, tr := range rec.Tests {
		if len(tr.Snapshots) != 1 {
			t.Errorf("%s: %d snapshots", tr.Name, len(tr.Snapshots))
		}
	}
	if runs, err := st.Runs(context.Background(), 5); err != nil || len(runs) != 1 || runs[0].Snapshots != 2 {
		t.Errorf("stored runs = %+v, %v", runs, err)
	}
}

func TestRunAgentMissesTarget(t *testing.T) {
	rec := runHelper(t, "miss", withdrawTarget)
	if rec.Status != store.StatusNoEvidence {
		t.Errorf("status = %s (%s)", rec.Status, rec.Detail)
	}
}

func TestRunAgentWithoutDone(t *testing.T) {
	rec := runHelper(t, "nodone", depositTarget)
	if rec.Status != store.StatusIncomplete || len(rec.Tests) != 1 {
		t.Fatalf("rec = %s with %d tests", rec.Status, len(rec.Tests))
	}
	if !strings.Contains(rec.Detail, "exit status") {
		t.Errorf("detail = %q", rec.Detail)
	}
}

func TestRunAgentNeverConnects(t *testing.T) {
	rec := runHelper(t, "noconnect", depositTarget)
	if rec.Status != store.StatusIncomplete || !strings.Contains(rec.Detail, "never connected") {
		t.Errorf("rec = %s: %s", rec.Status, rec.Detail)
	}
}

func TestRunWithoutCommand(t *testing.T) {
	if _, err := New(config.Default(), nil).Run(context.Background()); err == nil {
		t.Error("Run without an agent command succeeded")
	}
}

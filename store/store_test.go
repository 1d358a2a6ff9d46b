package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/exitprobe/report"
	"github.com/chazu/exitprobe/snapshot"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(started time.Time) *Run {
	return &Run{
		Target:   "acme.bank.Account.deposit:(1)",
		Status:   StatusComplete,
		Code:     report.ExitOK,
		Started:  started,
		Finished: started.Add(time.Second),
		Tests: []Test{
			{Name: "deposit", Snapshots: []snapshot.Snapshot{
				{Site: 0, Kind: snapshot.KindNormal, Value: snapshot.Node{Kind: snapshot.NodeInt, Int: 5}},
			}},
			{Name: "empty"},
			{Name: "overdraw", Snapshots: []snapshot.Snapshot{
				{Site: 1, Kind: snapshot.KindExceptional, Value: snapshot.Node{Kind: snapshot.NodeString, Str: "negative amount"}},
				{Site: 0, Kind: snapshot.KindNormal},
			}},
		},
	}
}

func TestSaveAndLoadRun(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	started := time.Unix(1700000000, 123)

	run := sampleRun(started)
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if run.ID == uuid.Nil {
		t.Fatal("SaveRun did not assign an ID")
	}

	got, err := s.Run(ctx, run.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Target != run.Target || got.Status != StatusComplete || got.Code != report.ExitOK {
		t.Errorf("run = %+v", got)
	}
	if !got.Started.Equal(started) || !got.Finished.Equal(started.Add(time.Second)) {
		t.Errorf("times = %v .. %v", got.Started, got.Finished)
	}
	if len(got.Tests) != 3 {
		t.Fatalf("tests = %d", len(got.Tests))
	}
	for i, want := range []struct {
		name string
		n    int
	}{{"deposit", 1}, {"empty", 0}, {"overdraw", 2}} {
		if got.Tests[i].Name != want.name || len(got.Tests[i].Snapshots) != want.n {
			t.Errorf("test %d = %s/%d, want %s/%d", i, got.Tests[i].Name, len(got.Tests[i].Snapshots), want.name, want.n)
		}
	}
	over := got.Tests[2].Snapshots[0]
	if over.Kind != snapshot.KindExceptional || over.Site != 1 || over.Value.Str != "negative amount" {
		t.Errorf("overdraw[0] = %+v", over)
	}
}

func TestRunsNewestFirst(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	older := sampleRun(base)
	newer := sampleRun(base.Add(time.Hour))
	newer.Status = StatusNoEvidence
	newer.Tests = nil
	for _, r := range []*Run{older, newer} {
		if err := s.SaveRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.Runs(ctx, 10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != newer.ID || runs[1].ID != older.ID {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].Status != StatusNoEvidence || runs[0].Tests != 0 {
		t.Errorf("newer = %+v", runs[0])
	}
	if runs[1].Tests != 3 || runs[1].Snapshots != 3 {
		t.Errorf("older = %+v", runs[1])
	}

	if runs, _ := s.Runs(ctx, 1); len(runs) != 1 {
		t.Errorf("limit ignored: %d runs", len(runs))
	}
}

func TestDeleteRun(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	run := sampleRun(time.Now())
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := s.Run(ctx, run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Run after delete: err = %v", err)
	}
	if err := s.DeleteRun(ctx, run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("second delete: err = %v", err)
	}

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM snapshots").Scan(&n); err != nil || n != 0 {
		t.Errorf("orphan snapshots = %d, %v", n, err)
	}
}

func TestDuplicateIDRollsBack(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	run := sampleRun(time.Now())
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	dup := sampleRun(time.Now())
	dup.ID = run.ID
	if err := s.SaveRun(ctx, dup); err == nil {
		t.Fatal("SaveRun accepted a duplicate ID")
	}
	if runs, _ := s.Runs(ctx, 10); len(runs) != 1 {
		t.Errorf("runs = %d after failed save", len(runs))
	}
}

func TestInMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.SaveRun(context.Background(), sampleRun(time.Now())); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
}

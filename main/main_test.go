package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"slurmsweep/internal/cmdexec"
	"slurmsweep/internal/gitrev"
	"slurmsweep/internal/jobscript"
	"slurmsweep/internal/ledger"
	"slurmsweep/internal/slurm"
	"slurmsweep/internal/sweep"
)

var (
	gitDir      = flag.String("git-dir", "", "Git working tree used for preflight/revision integration testing")
	squeueJobID = flag.String("squeue-job", "", "Slurm job id used for job status integration testing")
)

func parseSweepFlags(t *testing.T, args ...string) *sweepFlags {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var sf sweepFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	return &sf
}

func TestSweepFlagsDefaults(t *testing.T) {
	cfg, err := parseSweepFlags(t).load()
	if err != nil {
		t.Fatalf("load() err=%v", err)
	}
	if cfg.Partition != "gpu_prod_long" || cfg.Walltime != "48:00:00" || cfg.Runs != 1 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if n := len(cfg.Points()); n != 2 {
		t.Fatalf("Points()=%d, want 2", n)
	}
}

func TestSweepFlagsOverrides(t *testing.T) {
	sf := parseSweepFlags(t,
		"-partition", "gpu_short",
		"-walltime", "1:00:00",
		"-runs", "4",
		"-set", "nepochs=1",
		"-set", "optimizer=adam",
		"-axis", "model=UNet,SegNet",
		"-axis", "loss= FocalLoss ,",
	)
	cfg, err := sf.load()
	if err != nil {
		t.Fatalf("load() err=%v", err)
	}
	if cfg.Partition != "gpu_short" || cfg.Walltime != "1:00:00" || cfg.Runs != 4 {
		t.Fatalf("scheduling overrides not applied: %+v", cfg)
	}
	points := cfg.Points()
	if len(points) != 2 {
		t.Fatalf("Points()=%d, want 2", len(points))
	}
	flags := jobscript.Flags(points[1].Params)
	for _, want := range []string{"--model SegNet", "--loss FocalLoss", "--nepochs 1", "--optimizer adam"} {
		if !strings.Contains(flags, want) {
			t.Fatalf("flags %q missing %q", flags, want)
		}
	}
	if !strings.HasSuffix(flags, "--optimizer adam") {
		t.Fatalf("new baseline parameter should be appended: %q", flags)
	}
}

func TestSweepFlagsInvalid(t *testing.T) {
	for _, args := range [][]string{
		{"-runs", "0"},
		{"-set", "novalue"},
		{"-axis", "loss="},
		{"-config", filepath.Join(t.TempDir(), "missing.yaml")},
	} {
		if _, err := parseSweepFlags(t, args...).load(); err == nil {
			t.Fatalf("load(%v) expected error", args)
		}
	}
}

func TestSweepFlagsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.yaml")
	doc := "partition: gpu\nwalltime: \"2:00:00\"\nbaseline:\n  model: UNet\n  loss: FocalLoss\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := parseSweepFlags(t, "-config", path, "-runs", "2").load()
	if err != nil {
		t.Fatalf("load() err=%v", err)
	}
	if cfg.Partition != "gpu" || cfg.Runs != 2 || len(cfg.Points()) != 1 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

type fakeQueue struct {
	states map[string]string
	errs   map[string]error
}

func (f *fakeQueue) State(_ context.Context, jobID string) (string, error) {
	if err, ok := f.errs[jobID]; ok {
		return "", err
	}
	return f.states[jobID], nil
}

type statusUpdate struct {
	id        int64
	status    string
	completed bool
}

type fakeStatusStore struct {
	updates []statusUpdate
}

func (f *fakeStatusStore) UpdateStatus(_ context.Context, id int64, status string, completedAt *time.Time) error {
	f.updates = append(f.updates, statusUpdate{id: id, status: status, completed: completedAt != nil})
	return nil
}

func TestStatusTrackerRefresh(t *testing.T) {
	store := &fakeStatusStore{}
	tracker := &statusTracker{
		store: store,
		queue: &fakeQueue{
			states: map[string]string{"100": "RUNNING", "101": "COMPLETED"},
			errs:   map[string]error{"102": errors.New("squeue: connection refused")},
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}
	entries := []ledger.Entry{
		{ID: 1, JobID: "100", Status: ledger.StatusSubmitted},
		{ID: 2, JobID: "101", Status: "RUNNING"},
		{ID: 3, JobID: "102", Status: ledger.StatusSubmitted},
	}
	active := tracker.refresh(context.Background(), entries)
	if len(active) != 2 || active[0].ID != 1 || active[0].Status != "RUNNING" || active[1].ID != 3 {
		t.Fatalf("active=%+v", active)
	}
	want := []statusUpdate{{1, "RUNNING", false}, {2, "COMPLETED", true}}
	if len(store.updates) != len(want) {
		t.Fatalf("updates=%+v", store.updates)
	}
	for i := range want {
		if store.updates[i] != want[i] {
			t.Fatalf("update %d=%+v, want %+v", i, store.updates[i], want[i])
		}
	}
}

func TestSplitListAndSetAxis(t *testing.T) {
	if got := splitList(" a, b,,c "); strings.Join(got, "|") != "a|b|c" {
		t.Fatalf("splitList()=%v", got)
	}
	axes := sweep.Axes{{Name: "model", Values: []string{"UNet"}}}
	next := setAxis(axes, sweep.Axis{Name: "model", Values: []string{"SegNet"}})
	next = setAxis(next, sweep.Axis{Name: "lr", Values: []string{"0.1", "0.01"}})
	if len(next) != 2 || next[0].Values[0] != "SegNet" || next[1].Name != "lr" {
		t.Fatalf("setAxis()=%+v", next)
	}
	if axes[0].Values[0] != "UNet" {
		t.Fatalf("setAxis mutated its input")
	}
	if got := short("0123456789", 4); got != "0123" {
		t.Fatalf("short()=%q", got)
	}
}

func TestPreflightIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping git test in short mode")
	}
	if *gitDir == "" {
		t.Skip("set -git-dir to run the git preflight test")
	}
	repo := gitrev.New(cmdexec.Exec{}, "git", *gitDir)
	n, err := repo.DirtyCount(context.Background())
	if err != nil {
		t.Fatalf("DirtyCount: %v", err)
	}
	rev, err := repo.Head(context.Background())
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if rev.Commit == "" {
		t.Fatalf("empty commit from %s", *gitDir)
	}
	t.Logf("git info from %s -> commit=%s branch=%s modified=%d", *gitDir, rev.Commit, rev.Branch, n)
}

func TestQueueStateIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping squeue test in short mode")
	}
	if *squeueJobID == "" {
		t.Skip("set -squeue-job to run the job status test")
	}
	q := &slurm.Queue{Runner: cmdexec.Exec{}}
	state, err := q.State(context.Background(), *squeueJobID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	t.Logf("job %s -> %s (active=%v)", *squeueJobID, state, slurm.IsActive(state))
}

// Package sweep expands a declared parameter sweep into batch jobs and
// submits them one after another, pinned to the current clean revision.
package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"slurmsweep/internal/gitrev"
	"slurmsweep/internal/jobscript"
	"slurmsweep/internal/ledger"
	"slurmsweep/internal/slurm"
)

// Repository is the source-control view the driver needs.
type Repository interface {
	Preflight(ctx context.Context) error
	Head(ctx context.Context) (gitrev.Revision, error)
}

// Recorder persists submissions. *ledger.Store implements it.
type Recorder interface {
	Record(ctx context.Context, e ledger.Entry) (int64, error)
}

// Driver runs sweeps. Recorder and Logger are optional.
type Driver struct {
	Repo      Repository
	Submitter slurm.Submitter
	Recorder  Recorder
	Logger    *slog.Logger
	// WorkDir is the repository root; the scheduler output directory is
	// created relative to it.
	WorkDir string
	DryRun  bool
	// NewID names a sweep; defaults to a random UUID.
	NewID func() string
}

// Result is the outcome of one submitted point.
type Result struct {
	Point    Point
	Job      jobscript.Job
	Submit   slurm.Result
	LedgerID int64
}

// Summary describes a finished (or aborted) sweep.
type Summary struct {
	SweepID  string
	Revision gitrev.Revision
	Results  []Result
}

// Run checks the working tree, then renders and submits every point of cfg
// in order. It stops at the first failure; jobs already submitted stay
// queued and are returned in the summary alongside the error.
func (d *Driver) Run(ctx context.Context, cfg Config) (Summary, error) {
	logger := d.logger()
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Summary{}, fmt.Errorf("invalid sweep: %w", err)
	}

	if err := d.Repo.Preflight(ctx); err != nil {
		return Summary{}, err
	}
	rev, err := d.Repo.Head(ctx)
	if err != nil {
		return Summary{}, err
	}

	outDir := cfg.Layout.OutputDir
	if !filepath.IsAbs(outDir) {
		outDir = filepath.Join(d.WorkDir, outDir)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("ensure log directory %s: %w", outDir, err)
	}

	newID := d.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	sum := Summary{SweepID: newID(), Revision: rev}
	points := cfg.Points()
	logger.Info("sweep start", "sweep", sum.SweepID, "name", cfg.Name, "commit", rev.Commit,
		"branch", rev.Branch, "points", len(points), "dry_run", d.DryRun)

	for _, p := range points {
		res, err := d.submitPoint(ctx, cfg, sum, p)
		if err != nil {
			logger.Error("sweep aborted", "sweep", sum.SweepID, "point", p.Index, "submitted", len(sum.Results), "err", err)
			return sum, fmt.Errorf("point %d: %w", p.Index, err)
		}
		sum.Results = append(sum.Results, res)
	}
	logger.Info("sweep done", "sweep", sum.SweepID, "submitted", len(sum.Results))
	return sum, nil
}

func (d *Driver) submitPoint(ctx context.Context, cfg Config, sum Summary, p Point) (Result, error) {
	logger := d.logger()
	job, err := cfg.Job(sum.Revision, p)
	if err != nil {
		return Result{}, err
	}
	script, err := jobscript.Render(job)
	if err != nil {
		return Result{}, err
	}
	res := Result{Point: p, Job: job}
	entry := ledger.Entry{
		SweepID:   sum.SweepID,
		SweepName: cfg.Name,
		Index:     p.Index,
		Name:      job.Name,
		Commit:    sum.Revision.Commit,
		Branch:    sum.Revision.Branch,
		Partition: job.Partition,
		Walltime:  job.Walltime,
		Runs:      job.Runs,
		Flags:     jobscript.Flags(job.Params),
	}
	if b, err := json.Marshal(job.Params); err == nil {
		entry.ParamsJSON = string(b)
	}

	sub, submitErr := d.Submitter.Submit(ctx, slurm.Request{
		SweepID: sum.SweepID,
		Index:   p.Index,
		Name:    job.Name,
		Script:  script,
	})
	res.Submit = sub
	entry.ScriptPath = sub.ScriptPath
	entry.JobID = sub.JobID
	switch {
	case submitErr != nil:
		entry.Status = ledger.StatusSubmitFailed
		entry.Error = submitErr.Error()
	case d.DryRun:
		entry.Status = ledger.StatusDryRun
	default:
		entry.Status = ledger.StatusSubmitted
	}

	if d.Recorder != nil {
		id, err := d.Recorder.Record(ctx, entry)
		if err != nil {
			// The job is queued either way; losing the record is worth a
			// warning, not an abort.
			logger.Warn("record submission", "point", p.Index, "job_id", sub.JobID, "err", err)
		}
		res.LedgerID = id
	}
	if submitErr != nil {
		return res, submitErr
	}
	logger.Info("submitted", "point", p.Index, "name", job.Name, "job_id", sub.JobID, "script", sub.ScriptPath)
	return res, nil
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

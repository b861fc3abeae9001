package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"slurmsweep/internal/ledger"
	"slurmsweep/internal/slurm"
)

// statusStore is the part of the ledger status refreshes write to.
type statusStore interface {
	UpdateStatus(ctx context.Context, id int64, status string, completedAt *time.Time) error
}

type stateQuerier interface {
	State(ctx context.Context, jobID string) (string, error)
}

// statusTracker polls the scheduler for recorded jobs and writes what it
// learns back to the ledger.
type statusTracker struct {
	store  statusStore
	queue  stateQuerier
	logger *slog.Logger
	now    func() time.Time
}

// refresh queries every entry once and returns those still active. A failed
// query keeps the entry so the next poll retries it.
func (t *statusTracker) refresh(ctx context.Context, entries []ledger.Entry) []ledger.Entry {
	now := t.now
	if now == nil {
		now = time.Now
	}
	var active []ledger.Entry
	for _, en := range entries {
		state, err := t.queue.State(ctx, en.JobID)
		if err != nil {
			t.logger.Warn("query job status", "id", en.ID, "job_id", en.JobID, "err", err)
			active = append(active, en)
			continue
		}
		var completed *time.Time
		if !slurm.IsActive(state) {
			ts := now().UTC()
			completed = &ts
		}
		if err := t.store.UpdateStatus(ctx, en.ID, state, completed); err != nil {
			t.logger.Warn("record job status", "id", en.ID, "job_id", en.JobID, "err", err)
		}
		if state != en.Status {
			t.logger.Debug("job state changed", "id", en.ID, "job_id", en.JobID, "from", en.Status, "to", state)
		}
		fmt.Printf("[%s] %-5d %-10s %-32s %s\n", now().Format(time.RFC3339), en.ID, en.JobID, en.Name, state)
		en.Status = state
		if completed == nil {
			active = append(active, en)
		}
	}
	return active
}

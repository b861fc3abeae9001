package slurm

import (
	"context"
	"errors"
	"strings"

	"slurmsweep/internal/cmdexec"
)

// StateUnknown is reported once a job has left squeue and sacct cannot say
// what happened to it.
const StateUnknown = "UNKNOWN"

// Queue reads job states with squeue, falling back to sacct.
type Queue struct {
	Runner cmdexec.Runner
	Squeue string
	Sacct  string
}

// State returns the scheduler state of jobID. For array jobs this is the
// state of the first task squeue lists.
func (q *Queue) State(ctx context.Context, jobID string) (string, error) {
	if jobID == "" {
		return StateUnknown, nil
	}
	state, err := q.squeue(ctx, jobID)
	if err != nil {
		return "", err
	}
	if state != "" {
		return state, nil
	}
	// sacct is optional on many clusters; its absence is not an error.
	if state, err := q.sacct(ctx, jobID); err == nil && state != "" {
		return state, nil
	}
	return StateUnknown, nil
}

func (q *Queue) squeue(ctx context.Context, jobID string) (string, error) {
	out, err := q.Runner.Run(ctx, "", orDefault(q.Squeue, "squeue"), "-h", "-j", jobID, "-o", "%T")
	if err != nil {
		// squeue exits non-zero for job ids it has already forgotten.
		var ee *cmdexec.ExitError
		if errors.As(err, &ee) && strings.Contains(ee.Stderr, "Invalid job id") {
			return "", nil
		}
		return "", err
	}
	return firstLine(string(out)), nil
}

func (q *Queue) sacct(ctx context.Context, jobID string) (string, error) {
	out, err := q.Runner.Run(ctx, "", orDefault(q.Sacct, "sacct"), "-n", "-X", "-j", jobID, "-o", "State")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		return strings.Trim(fields[0], "+"), nil
	}
	return "", nil
}

// IsActive reports whether a job in state may still run.
func IsActive(state string) bool {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "PENDING", "CONFIGURING", "RUNNING", "COMPLETING", "SUSPENDED", "RESV_DEL_HOLD", "SPECIAL_EXIT", "REQUEUED", "RESIZING":
		return true
	default:
		return false
	}
}

func firstLine(s string) string {
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

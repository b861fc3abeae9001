// Package slurm hands rendered batch scripts to the Slurm scheduler and asks
// it about submitted jobs.
package slurm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"slurmsweep/internal/cmdexec"
)

// Request is one script to submit.
type Request struct {
	SweepID string
	Index   int
	Name    string
	Script  string
}

// Result describes an accepted submission. JobID is empty for dry runs.
type Result struct {
	JobID      string
	ScriptPath string
	Output     string
}

// Submitter hands a script to the scheduler.
type Submitter interface {
	Submit(ctx context.Context, req Request) (Result, error)
}

// SubmitError reports a script the scheduler did not accept.
type SubmitError struct {
	Script string
	Output string
	Err    error
}

func (e *SubmitError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("submit %s: %v (output: %s)", e.Script, e.Err, e.Output)
	}
	return fmt.Sprintf("submit %s: %v", e.Script, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Sbatch writes each script to its own file under ScriptDir and submits it
// with sbatch from WorkDir. Jobs copy WorkDir to scratch, so WorkDir must be
// the repository the revision was taken from.
type Sbatch struct {
	Runner    cmdexec.Runner
	Command   string
	WorkDir   string
	ScriptDir string
	DryRun    bool
}

var submittedRe = regexp.MustCompile(`Submitted batch job (\d+)`)

func (s *Sbatch) Submit(ctx context.Context, req Request) (Result, error) {
	path, err := s.writeScript(req)
	if err != nil {
		return Result{}, err
	}
	res := Result{ScriptPath: path}
	if s.DryRun {
		return res, nil
	}
	command := s.Command
	if command == "" {
		command = "sbatch"
	}
	out, err := s.Runner.Run(ctx, s.WorkDir, command, path)
	res.Output = strings.TrimSpace(string(out))
	if err != nil {
		return res, &SubmitError{Script: path, Output: res.Output, Err: err}
	}
	jobID, err := ParseJobID(res.Output)
	if err != nil {
		return res, &SubmitError{Script: path, Output: res.Output, Err: err}
	}
	res.JobID = jobID
	return res, nil
}

func (s *Sbatch) writeScript(req Request) (string, error) {
	dir := s.ScriptDir
	if dir == "" {
		dir = s.WorkDir
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("ensure script directory %s: %w", dir, err)
		}
	}
	path := filepath.Join(dir, ScriptName(req))
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if err := os.WriteFile(path, []byte(req.Script), 0o644); err != nil {
		return "", fmt.Errorf("write script: %w", err)
	}
	return path, nil
}

// ScriptName derives a file name unique to the sweep and point, so scripts
// from one sweep never overwrite each other.
func ScriptName(req Request) string {
	prefix := req.SweepID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	if prefix == "" {
		prefix = "job"
	}
	name := sanitize(req.Name)
	if name == "" {
		return fmt.Sprintf("%s-%03d.sbatch", prefix, req.Index)
	}
	return fmt.Sprintf("%s-%03d-%s.sbatch", prefix, req.Index, name)
}

var unsafeNameRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitize(s string) string {
	return strings.Trim(unsafeNameRe.ReplaceAllString(s, "_"), "_.")
}

// ParseJobID extracts the job id from sbatch output, e.g.
// "Submitted batch job 2723147". --parsable output ("2723147;cluster") is
// accepted too.
func ParseJobID(output string) (string, error) {
	if m := submittedRe.FindStringSubmatch(output); m != nil {
		return m[1], nil
	}
	fields := strings.Fields(output)
	if len(fields) == 1 {
		id, _, _ := strings.Cut(fields[0], ";")
		if id != "" && strings.Trim(id, "0123456789") == "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("unable to parse sbatch output: %q", output)
}

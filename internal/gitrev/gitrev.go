// Package gitrev pins submissions to a git revision. A sweep may only be
// submitted from a clean working tree, so that the commit recorded in every
// job script is exactly the code the jobs will check out and run.
package gitrev

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"slurmsweep/internal/cmdexec"
)

// ErrDirtyTree matches any *DirtyTreeError.
var ErrDirtyTree = errors.New("working tree has uncommitted changes")

// DirtyTreeError is returned by Preflight when tracked files are modified.
type DirtyTreeError struct {
	Count int
}

func (e *DirtyTreeError) Error() string {
	return fmt.Sprintf("found %d modifications not staged or committed; stage and commit every modification before submission", e.Count)
}

func (e *DirtyTreeError) Is(target error) bool { return target == ErrDirtyTree }

// Revision identifies the snapshot a sweep runs.
type Revision struct {
	Commit string
	Branch string
}

// Repo queries the git repository rooted at (or containing) Dir.
type Repo struct {
	Runner cmdexec.Runner
	Git    string
	Dir    string
}

func New(runner cmdexec.Runner, git, dir string) *Repo {
	if git == "" {
		git = "git"
	}
	return &Repo{Runner: runner, Git: git, Dir: dir}
}

// DirtyCount returns the number of modified tracked files. Untracked files
// are ignored: they are not part of what `git checkout <commit>` restores.
func (r *Repo) DirtyCount(ctx context.Context) (int, error) {
	out, err := r.Runner.Run(ctx, r.Dir, r.Git, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return 0, fmt.Errorf("git status: %w", err)
	}
	return countLines(out), nil
}

// Preflight fails with a *DirtyTreeError if any tracked file is modified.
func (r *Repo) Preflight(ctx context.Context) error {
	n, err := r.DirtyCount(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return &DirtyTreeError{Count: n}
	}
	return nil
}

// Head returns the current commit and branch.
func (r *Repo) Head(ctx context.Context) (Revision, error) {
	out, err := r.Runner.Run(ctx, r.Dir, r.Git, "log", "--pretty=format:%H", "-n", "1")
	if err != nil {
		return Revision{}, fmt.Errorf("git log: %w", err)
	}
	commit := strings.TrimSpace(string(out))
	if commit == "" {
		return Revision{}, errors.New("git log: repository has no commits")
	}
	rev := Revision{Commit: commit}
	// A detached HEAD reports "HEAD"; that is still worth recording.
	if out, err := r.Runner.Run(ctx, r.Dir, r.Git, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		rev.Branch = strings.TrimSpace(string(out))
	}
	return rev, nil
}

func countLines(out []byte) int {
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n
}

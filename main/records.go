package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"slurmsweep/internal/ledger"
)

func cmdList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	var sweepID string
	fs.StringVar(&sweepID, "sweep", "", "Only show submissions of this sweep id")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sweep list [-sweep ID]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := loadEnv()
	if err != nil {
		return err
	}
	store, err := e.openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	var entries []ledger.Entry
	if sweepID != "" {
		entries, err = store.Sweep(ctx, sweepID)
	} else {
		entries, err = store.List(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%-5s %-8s %-5s %-32s %-10s %-13s %-9s %s\n", "ID", "SWEEP", "POINT", "NAME", "JOB_ID", "STATUS", "COMMIT", "CREATED")
	for _, en := range entries {
		fmt.Printf("%-5d %-8s %-5d %-32s %-10s %-13s %-9s %s\n",
			en.ID, short(en.SweepID, 8), en.Index, en.Name, en.JobID, en.Status, short(en.Commit, 9), humanTime(en.CreatedAt))
	}
	return nil
}

func cmdShow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sweep show <id>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("id is required")
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", fs.Arg(0))
	}
	e, err := loadEnv()
	if err != nil {
		return err
	}
	store, err := e.openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	en, err := store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("no submission with id %d", id)
		}
		return err
	}

	fmt.Printf("Submission %d\n", en.ID)
	fmt.Println("-------------")
	fmt.Printf("Sweep:       %s (%s, point %d)\n", en.SweepID, en.SweepName, en.Index)
	fmt.Printf("Name:        %s\n", en.Name)
	fmt.Printf("Job ID:      %s\n", en.JobID)
	fmt.Printf("Status:      %s\n", en.Status)
	fmt.Printf("Partition:   %s\n", en.Partition)
	fmt.Printf("Walltime:    %s\n", en.Walltime)
	fmt.Printf("Runs:        %d\n", en.Runs)
	fmt.Printf("Git commit:  %s\n", en.Commit)
	fmt.Printf("Git branch:  %s\n", en.Branch)
	fmt.Printf("Script:      %s\n", en.ScriptPath)
	fmt.Printf("Flags:       %s\n", en.Flags)
	if !en.CreatedAt.IsZero() {
		fmt.Printf("Created at:  %s (%s)\n", en.CreatedAt.Format(time.RFC3339), humanize.Time(en.CreatedAt))
	} else {
		fmt.Printf("Created at:  (unknown)\n")
	}
	if !en.CompletedAt.IsZero() {
		fmt.Printf("Completed:   %s (%s)\n", en.CompletedAt.Format(time.RFC3339), humanize.Time(en.CompletedAt))
	}
	if en.Error != "" {
		fmt.Printf("Error:       %s\n", en.Error)
	}
	if en.ParamsJSON != "" {
		fmt.Println("Parameters:")
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, []byte(en.ParamsJSON), "  ", "  "); err == nil {
			fmt.Println("  " + pretty.String())
		} else {
			fmt.Println(en.ParamsJSON)
		}
	}
	return nil
}

func cmdStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	var watch bool
	var pollFlag durationFlag
	fs.BoolVar(&watch, "watch", false, "Keep polling until every selected job has finished")
	fs.Var(&pollFlag, "poll-interval", "How frequently to poll job status with -watch (e.g. 45s, 2m)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sweep status [-watch] [-poll-interval D] [id...]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := loadEnv()
	if err != nil {
		return err
	}
	interval := e.settings.PollInterval
	if pollFlag.set {
		interval = pollFlag.value
	}
	store, err := e.openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := selectEntries(ctx, store, fs.Args())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No unfinished submissions.")
		return nil
	}
	tracker := &statusTracker{store: store, queue: e.queue(), logger: e.logger}
	for {
		entries = tracker.refresh(ctx, entries)
		if !watch || len(entries) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func selectEntries(ctx context.Context, store *ledger.Store, ids []string) ([]ledger.Entry, error) {
	if len(ids) == 0 {
		return store.Pending(ctx)
	}
	var out []ledger.Entry
	for _, s := range ids {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", s)
		}
		en, err := store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if en.JobID == "" {
			fmt.Printf("Submission %d has no job id (%s); skipping\n", en.ID, en.Status)
			continue
		}
		out = append(out, *en)
	}
	return out, nil
}

func short(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func humanTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"slurmsweep/internal/cmdexec"
	"slurmsweep/internal/config"
	"slurmsweep/internal/gitrev"
	"slurmsweep/internal/jobscript"
	"slurmsweep/internal/ledger"
	"slurmsweep/internal/slurm"
	"slurmsweep/internal/sweep"
)

type multiStringFlag struct {
	values []string
}

func (m *multiStringFlag) Set(s string) error {
	m.values = append(m.values, s)
	return nil
}

func (m *multiStringFlag) String() string {
	return strings.Join(m.values, ",")
}

func (m *multiStringFlag) Values() []string {
	return append([]string(nil), m.values...)
}

type durationFlag struct {
	value time.Duration
	set   bool
}

func (d *durationFlag) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if v <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	d.value = v
	d.set = true
	return nil
}

func (d *durationFlag) String() string {
	return d.value.String()
}

type intFlag struct {
	value int
	set   bool
}

func (i *intFlag) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	i.value = v
	i.set = true
	return nil
}

func (i *intFlag) String() string {
	return strconv.Itoa(i.value)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "submit":
		err = cmdSubmit(ctx, args)
	case "plan":
		err = cmdPlan(args)
	case "render":
		err = cmdRender(ctx, args)
	case "init":
		err = cmdInit(args)
	case "list":
		err = cmdList(ctx, args)
	case "show":
		err = cmdShow(ctx, args)
	case "status":
		err = cmdStatus(ctx, args)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		stop()
		log.Fatalf("sweep %s: %v", cmd, err)
	}
}

func printUsage() {
	fmt.Println(`Usage:
  sweep submit [flags]
  sweep plan   [flags]
  sweep render [flags] [-point N] [-commit SHA]
  sweep init   [-o sweep.yaml]
  sweep list
  sweep show   <id>
  sweep status [-watch] [-poll-interval 30s] [id...]

Commands:
  submit  Check the working tree is clean, then render and sbatch one job per sweep point.
  plan    List the sweep points and their flags without touching git or Slurm.
  render  Print the batch script of one sweep point.
  init    Write the built-in sweep as a YAML file to start from.
  list    List recorded submissions.
  show    Show one recorded submission.
  status  Refresh scheduler state of recorded jobs (all unfinished ones by default).

Sweep flags (submit, plan, render):
  -config FILE       YAML/JSON sweep declaration (default: built-in segmentation sweep)
  -partition NAME    override the partition
  -walltime HH:MM:SS override the walltime
  -runs N            array size per point
  -set name=value    override a baseline parameter; may be repeated
  -axis name=v1,v2   replace or add a sweep axis; may be repeated

Examples:
  sweep plan -axis loss=FocalLoss,WeightedCrossEntropyLoss
  sweep submit -config sweep.yaml -runs 3
  sweep submit -dry-run -set nepochs=1
  sweep status -watch

Notes:
  - Settings come from SWEEP_* variables, optionally in .env/.env.local:
    SWEEP_HOME (state dir, default ~/.slurmsweep), SWEEP_LOG_LEVEL, SWEEP_LOG_FORMAT,
    SWEEP_GIT, SWEEP_SBATCH, SWEEP_SQUEUE, SWEEP_SACCT, SWEEP_POLL_INTERVAL.
  - Every submission is recorded in $SWEEP_HOME/submissions.db.`)
}

type env struct {
	settings config.Settings
	logger   *slog.Logger
	runner   cmdexec.Runner
}

func loadEnv() (*env, error) {
	settings, err := config.LoadSettings(config.EnvFiles...)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	logger, err := config.NewLogger(os.Stderr, settings.LogLevel, settings.LogFormat)
	if err != nil {
		return nil, err
	}
	return &env{settings: settings, logger: logger, runner: cmdexec.Exec{}}, nil
}

func (e *env) openLedger() (*ledger.Store, error) {
	store, err := ledger.Open(e.settings.LedgerPath())
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return store, nil
}

func (e *env) queue() *slurm.Queue {
	return &slurm.Queue{Runner: e.runner, Squeue: e.settings.Squeue, Sacct: e.settings.Sacct}
}

// sweepFlags are the flags that select and adjust a sweep.
type sweepFlags struct {
	configPath string
	partition  string
	walltime   string
	runs       intFlag
	sets       multiStringFlag
	axes       multiStringFlag
}

func (f *sweepFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Path to YAML/JSON sweep declaration (optional)")
	fs.StringVar(&f.partition, "partition", "", "Slurm partition (overrides the sweep file)")
	fs.StringVar(&f.walltime, "walltime", "", "Walltime, e.g. 48:00:00 (overrides the sweep file)")
	fs.Var(&f.runs, "runs", "Runs per point, submitted as an array 0..runs-1")
	fs.Var(&f.sets, "set", "Baseline parameter override name=value; may be repeated")
	fs.Var(&f.axes, "axis", "Sweep axis name=v1,v2,...; may be repeated")
}

func (f *sweepFlags) load() (sweep.Config, error) {
	cfg := sweep.DefaultConfig()
	if f.configPath != "" {
		loaded, err := config.LoadSweep(f.configPath)
		if err != nil {
			return sweep.Config{}, err
		}
		cfg = loaded
	}
	cfg = cfg.WithDefaults()
	if f.partition != "" {
		cfg.Partition = f.partition
	}
	if f.walltime != "" {
		cfg.Walltime = f.walltime
	}
	if f.runs.set {
		cfg.Runs = f.runs.value
	}
	for _, s := range f.sets.Values() {
		name, value, err := config.ParseAssignment(s)
		if err != nil {
			return sweep.Config{}, fmt.Errorf("-set: %w", err)
		}
		cfg.Baseline = cfg.Baseline.Set(name, value)
	}
	for _, s := range f.axes.Values() {
		name, list, err := config.ParseAssignment(s)
		if err != nil {
			return sweep.Config{}, fmt.Errorf("-axis: %w", err)
		}
		cfg.Axes = setAxis(cfg.Axes, sweep.Axis{Name: name, Values: splitList(list)})
	}
	if err := cfg.Validate(); err != nil {
		return sweep.Config{}, err
	}
	return cfg, nil
}

func setAxis(axes sweep.Axes, axis sweep.Axis) sweep.Axes {
	out := append(sweep.Axes(nil), axes...)
	for i := range out {
		if out[i].Name == axis.Name {
			out[i] = axis
			return out
		}
	}
	return append(out, axis)
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func cmdSubmit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	var sf sweepFlags
	sf.register(fs)
	var dryRun bool
	var scriptDir string
	fs.BoolVar(&dryRun, "dry-run", false, "Write the scripts but do not call sbatch")
	fs.StringVar(&scriptDir, "script-dir", "", "Directory for generated .sbatch files (default: the sweep file's script_dir, else the log directory)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sweep submit [-config FILE] [-dry-run] [-set k=v]... [-axis k=v1,v2]...\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := sf.load()
	if err != nil {
		return err
	}
	e, err := loadEnv()
	if err != nil {
		return err
	}
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}
	if scriptDir == "" {
		scriptDir = cfg.ScriptDir
	}
	if scriptDir == "" {
		scriptDir = cfg.Layout.OutputDir
	}

	store, err := e.openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	driver := &sweep.Driver{
		Repo: gitrev.New(e.runner, e.settings.Git, workDir),
		Submitter: &slurm.Sbatch{
			Runner:    e.runner,
			Command:   e.settings.Sbatch,
			WorkDir:   workDir,
			ScriptDir: scriptDir,
			DryRun:    dryRun,
		},
		Recorder: store,
		Logger:   e.logger,
		WorkDir:  workDir,
		DryRun:   dryRun,
	}
	sum, runErr := driver.Run(ctx, cfg)
	if sum.SweepID != "" {
		printSummary(sum, dryRun)
	}
	return runErr
}

func printSummary(sum sweep.Summary, dryRun bool) {
	fmt.Printf("Sweep:   %s\n", sum.SweepID)
	fmt.Printf("Commit:  %s", sum.Revision.Commit)
	if sum.Revision.Branch != "" {
		fmt.Printf(" (%s)", sum.Revision.Branch)
	}
	fmt.Println()
	fmt.Printf("%-5s %-6s %-10s %-40s %s\n", "POINT", "ID", "JOB_ID", "NAME", "SCRIPT")
	for _, r := range sum.Results {
		jobID := r.Submit.JobID
		if dryRun {
			jobID = "(dry-run)"
		}
		fmt.Printf("%-5d %-6d %-10s %-40s %s\n", r.Point.Index, r.LedgerID, jobID, r.Job.Name, r.Submit.ScriptPath)
	}
}

func cmdPlan(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	var sf sweepFlags
	sf.register(fs)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sweep plan [-config FILE] [-set k=v]... [-axis k=v1,v2]...\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := sf.load()
	if err != nil {
		return err
	}
	points := cfg.Points()
	fmt.Printf("Sweep %s: %d point(s) on %s, walltime %s, %d run(s) each\n",
		cfg.Name, len(points), cfg.Partition, cfg.Walltime, cfg.Runs)
	for _, p := range points {
		name, err := sweep.Expand(cfg.JobName, p.Params)
		if err != nil {
			return fmt.Errorf("point %d: %w", p.Index, err)
		}
		fmt.Printf("%3d  %-40s %s\n", p.Index, name, jobscript.Flags(p.Params))
	}
	return nil
}

func cmdRender(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	var sf sweepFlags
	sf.register(fs)
	var point int
	var commit string
	fs.IntVar(&point, "point", 0, "Index of the sweep point to render (see: sweep plan)")
	fs.StringVar(&commit, "commit", "", "Commit to pin (default: current HEAD; the tree is not checked)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sweep render [-config FILE] [-point N] [-commit SHA]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := sf.load()
	if err != nil {
		return err
	}
	points := cfg.Points()
	if point < 0 || point >= len(points) {
		return fmt.Errorf("point %d out of range (sweep has %d)", point, len(points))
	}
	rev := gitrev.Revision{Commit: commit}
	if rev.Commit == "" {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		workDir, err := os.Getwd()
		if err != nil {
			return err
		}
		if rev, err = gitrev.New(e.runner, e.settings.Git, workDir).Head(ctx); err != nil {
			return err
		}
	}
	job, err := cfg.Job(rev, points[point])
	if err != nil {
		return err
	}
	script, err := jobscript.Render(job)
	if err != nil {
		return err
	}
	fmt.Print(script)
	return nil
}

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	var out string
	var force bool
	fs.StringVar(&out, "o", "sweep.yaml", "File to write")
	fs.BoolVar(&force, "force", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	data, err := config.MarshalSweep(sweep.DefaultConfig())
	if err != nil {
		return err
	}
	if out == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(out, flags, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists (use -force to overwrite)", out)
		}
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", out)
	return nil
}

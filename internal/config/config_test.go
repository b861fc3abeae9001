package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"slurmsweep/internal/jobscript"
	"slurmsweep/internal/sweep"
)

func clearSweepEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if name, _, _ := strings.Cut(kv, "="); strings.HasPrefix(name, "SWEEP_") {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	clearSweepEnv(t)
	t.Setenv("HOME", t.TempDir())
	s, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings() err=%v", err)
	}
	if s.Git != "git" || s.Sbatch != "sbatch" || s.LogLevel != "info" || s.PollInterval != 30*time.Second {
		t.Fatalf("unexpected defaults %+v", s)
	}
	if filepath.Base(s.Home) != ".slurmsweep" || filepath.Base(s.LedgerPath()) != "submissions.db" {
		t.Fatalf("home=%s ledger=%s", s.Home, s.LedgerPath())
	}
}

func TestLoadSettingsEnvAndDotEnv(t *testing.T) {
	clearSweepEnv(t)
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "SWEEP_SBATCH=/opt/slurm/bin/sbatch\nSWEEP_POLL_INTERVAL=45s\nSWEEP_HOME=" + filepath.Join(dir, "state") + "\n"
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SWEEP_LOG_LEVEL", "debug")
	// Registered so t restores a clean environment after godotenv sets them.
	t.Setenv("SWEEP_SBATCH", "")
	t.Setenv("SWEEP_POLL_INTERVAL", "")
	t.Setenv("SWEEP_HOME", "")
	os.Unsetenv("SWEEP_SBATCH")
	os.Unsetenv("SWEEP_POLL_INTERVAL")
	os.Unsetenv("SWEEP_HOME")

	s, err := LoadSettings(filepath.Join(dir, ".env.local"), envFile)
	if err != nil {
		t.Fatalf("LoadSettings() err=%v", err)
	}
	if s.Sbatch != "/opt/slurm/bin/sbatch" || s.PollInterval != 45*time.Second || s.LogLevel != "debug" {
		t.Fatalf("unexpected settings %+v", s)
	}
	if s.Home != filepath.Join(dir, "state") {
		t.Fatalf("home=%s", s.Home)
	}
}

func TestLoadSettingsInvalidDuration(t *testing.T) {
	clearSweepEnv(t)
	t.Setenv("SWEEP_POLL_INTERVAL", "soon")
	if _, err := LoadSettings(); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestParseSweepYAML(t *testing.T) {
	doc := []byte(`
name: semseg
partition: gpu_prod_long
walltime: "48:00:00"
baseline:
  model: UNet
  batch_size: 16
  loss: FocalLoss
axes:
  loss:
    - FocalLoss
    - WeightedCrossEntropyLoss
`)
	cfg, err := ParseSweep(doc)
	if err != nil {
		t.Fatalf("ParseSweep() err=%v", err)
	}
	if cfg.Runs != 1 || cfg.JobName != sweep.DefaultJobName || cfg.Layout.OutputDir != "logslurms" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if got := len(cfg.Points()); got != 2 {
		t.Fatalf("Points()=%d", got)
	}
}

func TestParseSweepJSON(t *testing.T) {
	doc := []byte(`{"partition": "gpu", "walltime": "1:00:00", "runs": 4,
  "baseline": {"model": "UNet", "loss": "FocalLoss", "base_lr": 0.001},
  "axes": {"model": ["UNet", "SegNet"]}}`)
	cfg, err := ParseSweep(doc)
	if err != nil {
		t.Fatalf("ParseSweep() err=%v", err)
	}
	points := cfg.Points()
	if len(points) != 2 || cfg.Runs != 4 {
		t.Fatalf("points=%d runs=%d", len(points), cfg.Runs)
	}
	if got := jobscript.Flags(points[1].Params); got != "--model SegNet --loss FocalLoss --base_lr 0.001" {
		t.Fatalf("flags=%q", got)
	}
}

func TestParseSweepErrors(t *testing.T) {
	cases := map[string]string{
		"empty":         "  \n",
		"unknown field": "partition: gpu\nwalltime: 1:00\nparition: typo\n",
		"no partition":  "walltime: 1:00\n",
		"bad runs":      "partition: gpu\nwalltime: '1:00'\nruns: -1\n",
	}
	for name, doc := range cases {
		if _, err := ParseSweep([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadSweepFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.yaml")
	data, err := MarshalSweep(sweep.DefaultConfig())
	if err != nil {
		t.Fatalf("MarshalSweep() err=%v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadSweep(path)
	if err != nil {
		t.Fatalf("LoadSweep() err=%v\n%s", err, data)
	}
	want := sweep.DefaultConfig().Points()
	got := cfg.Points()
	if len(got) != len(want) {
		t.Fatalf("points=%d, want %d", len(got), len(want))
	}
	for i := range want {
		if jobscript.Flags(got[i].Params) != jobscript.Flags(want[i].Params) {
			t.Fatalf("point %d: %q != %q", i, jobscript.Flags(got[i].Params), jobscript.Flags(want[i].Params))
		}
	}
	if cfg.Walltime != "48:00:00" || cfg.Partition != "gpu_prod_long" {
		t.Fatalf("scheduling not round-tripped: %+v", cfg)
	}
}

func TestParseAssignment(t *testing.T) {
	name, value, err := ParseAssignment("areas_train=1 2 3")
	if err != nil || name != "areas_train" || value != "1 2 3" {
		t.Fatalf("ParseAssignment()=%q,%q,%v", name, value, err)
	}
	for _, bad := range []string{"novalue", "=x"} {
		if _, _, err := ParseAssignment(bad); err == nil {
			t.Fatalf("ParseAssignment(%q) expected error", bad)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "auto")
	if err != nil {
		t.Fatalf("NewLogger() err=%v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "point", 1)
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("unexpected log output %q", out)
	}

	buf.Reset()
	logger, err = NewLogger(&buf, "", "text")
	if err != nil {
		t.Fatalf("NewLogger() err=%v", err)
	}
	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("text output %q", buf.String())
	}

	if _, err := NewLogger(&buf, "loud", "text"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, err := NewLogger(&buf, "info", "xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

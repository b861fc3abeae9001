// Package config loads tool settings from the environment and sweep
// declarations from YAML or JSON files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"slurmsweep/internal/sweep"
)

// Settings are read from SWEEP_* environment variables, optionally seeded
// from .env files in the working directory. No envconfig tags: a tagged
// field would fall back to the unprefixed name, and HOME is not SWEEP_HOME.
type Settings struct {
	Home         string
	LogLevel     string        `split_words:"true" default:"info"`
	LogFormat    string        `split_words:"true" default:"auto"`
	Git          string        `default:"git"`
	Sbatch       string        `default:"sbatch"`
	Squeue       string        `default:"squeue"`
	Sacct        string        `default:"sacct"`
	PollInterval time.Duration `split_words:"true" default:"30s"`
}

// EnvFiles are loaded in order; variables already set win.
var EnvFiles = []string{".env.local", ".env"}

// LoadSettings reads env files (missing ones are skipped) then the
// environment.
func LoadSettings(files ...string) (Settings, error) {
	for _, name := range files {
		if err := godotenv.Load(name); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Settings{}, fmt.Errorf("load %s: %w", name, err)
		}
	}
	var s Settings
	if err := envconfig.Process("sweep", &s); err != nil {
		return Settings{}, err
	}
	if s.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Settings{}, fmt.Errorf("resolve state directory: %w", err)
		}
		s.Home = filepath.Join(home, ".slurmsweep")
	}
	if s.PollInterval <= 0 {
		return Settings{}, fmt.Errorf("SWEEP_POLL_INTERVAL must be positive, got %s", s.PollInterval)
	}
	return s, nil
}

// LedgerPath is the submissions database under Home.
func (s Settings) LedgerPath() string {
	return filepath.Join(s.Home, "submissions.db")
}

// LoadSweep reads a sweep declaration. YAML is a superset of JSON, so both
// formats go through the same decoder. Unknown keys are rejected so a typo
// does not silently fall back to a default.
func LoadSweep(path string) (sweep.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sweep.Config{}, err
	}
	cfg, err := ParseSweep(data)
	if err != nil {
		return sweep.Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ParseSweep decodes and validates a sweep declaration.
func ParseSweep(data []byte) (sweep.Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return sweep.Config{}, errors.New("empty sweep file")
	}
	var cfg sweep.Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return sweep.Config{}, err
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return sweep.Config{}, err
	}
	return cfg, nil
}

// MarshalSweep renders cfg as YAML, e.g. to seed a new sweep file.
func MarshalSweep(cfg sweep.Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseAssignment splits "name=value".
func ParseAssignment(s string) (name, value string, err error) {
	name, value, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", fmt.Errorf("expected name=value, got %q", s)
	}
	return name, value, nil
}

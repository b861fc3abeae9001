// Package jobscript renders Slurm batch scripts for training runs.
//
// A rendered script is self-contained: it copies the submitting working tree
// to node-local scratch, checks out the pinned commit there, builds a
// virtualenv, runs the training entry point with the job's parameters as
// flags and copies the scratch directory back when training succeeds.
// Rendering is pure; the same Job always yields the same bytes.
package jobscript

import (
	"errors"
	"fmt"
	"strings"
	"text/template"
	"unicode"
)

// Layout describes the training program and where the job puts things.
type Layout struct {
	// Workspace is the directory name created under $TMPDIR.
	Workspace    string `yaml:"workspace" json:"workspace"`
	Interpreter  string `yaml:"interpreter" json:"interpreter"`
	Entrypoint   string `yaml:"entrypoint" json:"entrypoint"`
	Requirements string `yaml:"requirements" json:"requirements"`
	DataDir      string `yaml:"datadir" json:"datadir"`
	// LogDir is evaluated by the job's shell; ${current_dir} is the
	// directory sbatch was called from.
	LogDir string `yaml:"logdir" json:"logdir"`
	// OutputDir receives the scheduler's stdout/stderr files.
	OutputDir string `yaml:"output_dir" json:"output_dir"`
	// CopyBack is where the scratch directory lands under ${current_dir}.
	CopyBack string `yaml:"copy_back" json:"copy_back"`
}

// DefaultLayout matches the semantic segmentation project the tool was
// written for.
func DefaultLayout() Layout {
	return Layout{
		Workspace:    "semseg",
		Interpreter:  "python",
		Entrypoint:   "main.py train",
		Requirements: "requirements.txt",
		DataDir:      "/mounts/Datasets4/Stanford2D-3D-S/",
		LogDir:       "${current_dir}/logs",
		OutputDir:    "logslurms",
		CopyBack:     "test",
	}
}

// WithDefaults fills empty fields from DefaultLayout.
func (l Layout) WithDefaults() Layout {
	d := DefaultLayout()
	fill := func(dst *string, def string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = def
		}
	}
	fill(&l.Workspace, d.Workspace)
	fill(&l.Interpreter, d.Interpreter)
	fill(&l.Entrypoint, d.Entrypoint)
	fill(&l.Requirements, d.Requirements)
	fill(&l.DataDir, d.DataDir)
	fill(&l.LogDir, d.LogDir)
	fill(&l.OutputDir, d.OutputDir)
	fill(&l.CopyBack, d.CopyBack)
	return l
}

// Job is everything needed to render one batch script.
type Job struct {
	Commit    string
	Runs      int
	Nodes     int
	Partition string
	Walltime  string
	// Name is the scheduler job name; Session prefixes the run's log name.
	Name    string
	Session string
	Params  ParamSet
	Layout  Layout
}

var (
	ErrMissingCommit = errors.New("commit is required")
	ErrInvalidRuns   = errors.New("runs must be at least 1")
	ErrMissingName   = errors.New("job name and session are required")
	ErrInvalidParam  = errors.New("invalid parameter name")
	ErrMissingTarget = errors.New("partition and walltime are required")
)

// Validate reports the first problem that would make the script unusable.
func (j Job) Validate() error {
	if strings.TrimSpace(j.Commit) == "" {
		return ErrMissingCommit
	}
	if j.Runs < 1 {
		return fmt.Errorf("%w (got %d)", ErrInvalidRuns, j.Runs)
	}
	if strings.TrimSpace(j.Name) == "" || strings.TrimSpace(j.Session) == "" {
		return ErrMissingName
	}
	if strings.TrimSpace(j.Partition) == "" || strings.TrimSpace(j.Walltime) == "" {
		return ErrMissingTarget
	}
	for _, p := range j.Params {
		if p.Name == "" || strings.IndexFunc(p.Name, unicode.IsSpace) >= 0 || strings.HasPrefix(p.Name, "-") {
			return fmt.Errorf("%w: %q", ErrInvalidParam, p.Name)
		}
	}
	return nil
}

// ArrayRange is the sbatch --array value for the job: 0 to Runs-1 inclusive.
func (j Job) ArrayRange() string {
	return fmt.Sprintf("0-%d", j.Runs-1)
}

// Flags renders params as "--name value" tokens in order. Values are not
// quoted: a value with spaces becomes several words on the command line.
func Flags(params ParamSet) string {
	tokens := make([]string, 0, len(params))
	for _, p := range params {
		tokens = append(tokens, "--"+p.Name+" "+p.Value)
	}
	return strings.Join(tokens, " ")
}

var scriptTmpl = template.Must(template.New("sbatch").Parse(`#!/bin/bash

#SBATCH --job-name={{.Name}}
#SBATCH --nodes={{.Nodes}}
#SBATCH --partition={{.Partition}}
#SBATCH --time={{.Walltime}}
#SBATCH --output={{.Layout.OutputDir}}/slurm-%A_%a.out
#SBATCH --error={{.Layout.OutputDir}}/slurm-%A_%a.err
#SBATCH --array={{.Array}}

current_dir=` + "`pwd`" + `

echo "Session " {{.Session}}_${SLURM_ARRAY_JOB_ID}_${SLURM_ARRAY_TASK_ID}

echo "Copying the source directory and data"
date
mkdir $TMPDIR/{{.Layout.Workspace}}
rsync -r . $TMPDIR/{{.Layout.Workspace}}/

echo "Checking out the correct version of the code commit_id {{.Commit}}"
cd $TMPDIR/{{.Layout.Workspace}}/
git checkout {{.Commit}}

echo "Setting up the virtual environment"
python3 -m pip install virtualenv --user
virtualenv -p python3 venv
source venv/bin/activate
python -m pip install -r {{.Layout.Requirements}}

echo "Training"
{{.Layout.Interpreter}} {{.Layout.Entrypoint}} --datadir {{.Layout.DataDir}} {{with .Flags}}{{.}} {{end}}--logname {{.Session}}_${SLURM_ARRAY_JOB_ID}_${SLURM_ARRAY_TASK_ID} --commit_id '{{.Commit}}' --logdir {{.Layout.LogDir}}

if [[ $? != 0 ]]; then
    exit -1
fi

# Training succeeded: copy the scratch directory back next to the sources.
cp -R $TMPDIR/{{.Layout.Workspace}} $current_dir/{{.Layout.CopyBack}}
`))

type scriptData struct {
	Job
	Array string
	Flags string
}

// Render produces the batch script for j. Empty layout fields take their
// defaults and a zero node count means one node.
func Render(j Job) (string, error) {
	if err := j.Validate(); err != nil {
		return "", err
	}
	j.Layout = j.Layout.WithDefaults()
	if j.Nodes < 1 {
		j.Nodes = 1
	}
	var b strings.Builder
	if err := scriptTmpl.Execute(&b, scriptData{Job: j, Array: j.ArrayRange(), Flags: Flags(j.Params)}); err != nil {
		return "", fmt.Errorf("render sbatch script: %w", err)
	}
	return b.String(), nil
}

package sweep

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"slurmsweep/internal/gitrev"
	"slurmsweep/internal/jobscript"
)

// Axis is one swept parameter and the values it takes, in order.
type Axis struct {
	Name   string
	Values []string
}

// Axes keeps declaration order; the first axis varies slowest.
type Axes []Axis

// UnmarshalYAML decodes an ordered mapping of name to value list. A single
// scalar is accepted as a one-value axis.
func (a *Axes) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: axes must be a mapping of name to values", node.Line)
	}
	var out Axes
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		axis := Axis{Name: key.Value}
		switch val.Kind {
		case yaml.ScalarNode:
			axis.Values = []string{val.Value}
		case yaml.SequenceNode:
			for _, item := range val.Content {
				if item.Kind != yaml.ScalarNode {
					return fmt.Errorf("line %d: axis %q values must be scalars", item.Line, key.Value)
				}
				axis.Values = append(axis.Values, item.Value)
			}
		default:
			return fmt.Errorf("line %d: axis %q must be a list", val.Line, key.Value)
		}
		out = append(out, axis)
	}
	*a = out
	return nil
}

// MarshalYAML writes axes back as an ordered mapping.
func (a Axes) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, axis := range a {
		seq := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
		for _, v := range axis.Values {
			seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v})
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: axis.Name}, seq)
	}
	return node, nil
}

// Config declares a sweep: where it runs, how jobs are named, the baseline
// parameters every job shares and the axes that vary between jobs.
type Config struct {
	Name      string `yaml:"name"`
	Partition string `yaml:"partition"`
	Walltime  string `yaml:"walltime"`
	Runs      int    `yaml:"runs"`
	Nodes     int    `yaml:"nodes"`
	// JobName and Session are patterns; {param} expands to the point's
	// value for param.
	JobName   string             `yaml:"job_name"`
	Session   string             `yaml:"session"`
	ScriptDir string             `yaml:"script_dir"`
	Layout    jobscript.Layout   `yaml:"program"`
	Baseline  jobscript.ParamSet `yaml:"baseline"`
	Axes      Axes               `yaml:"axes"`
}

const (
	DefaultJobName = "semseg-{loss}"
	DefaultSession = "{model}"
)

// DefaultConfig is the segmentation sweep: UNet against the two losses,
// one run each, on the long GPU partition.
func DefaultConfig() Config {
	return Config{
		Name:      "semseg",
		Partition: "gpu_prod_long",
		Walltime:  "48:00:00",
		Runs:      1,
		Nodes:     1,
		JobName:   DefaultJobName,
		Session:   DefaultSession,
		Layout:    jobscript.DefaultLayout(),
		Baseline: jobscript.Params(
			"model", "UNet",
			"batch_size", 16,
			"weight_decay", 0.0001,
			"areas_train", "1 2 3 4 6",
			"areas_test", "5a",
			"nepochs", 100,
			"base_lr", 0.001,
			"loss", "FocalLoss",
			"img_size", 256,
		),
		Axes: Axes{
			{Name: "model", Values: []string{"UNet"}},
			{Name: "loss", Values: []string{"FocalLoss", "WeightedCrossEntropyLoss"}},
		},
	}
}

// WithDefaults fills unset scheduling and naming fields.
func (c Config) WithDefaults() Config {
	if c.Name == "" {
		c.Name = "sweep"
	}
	if c.Runs == 0 {
		c.Runs = 1
	}
	if c.Nodes == 0 {
		c.Nodes = 1
	}
	if c.JobName == "" {
		c.JobName = DefaultJobName
	}
	if c.Session == "" {
		c.Session = DefaultSession
	}
	c.Layout = c.Layout.WithDefaults()
	return c
}

// Validate checks the declaration without expanding it.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Partition) == "" {
		errs = append(errs, errors.New("partition is required"))
	}
	if strings.TrimSpace(c.Walltime) == "" {
		errs = append(errs, errors.New("walltime is required"))
	}
	if c.Runs < 1 {
		errs = append(errs, fmt.Errorf("runs must be at least 1 (got %d)", c.Runs))
	}
	if c.Nodes < 1 {
		errs = append(errs, fmt.Errorf("nodes must be at least 1 (got %d)", c.Nodes))
	}
	seen := make(map[string]bool, len(c.Axes))
	for _, axis := range c.Axes {
		switch {
		case strings.TrimSpace(axis.Name) == "":
			errs = append(errs, errors.New("axis with empty name"))
		case seen[axis.Name]:
			errs = append(errs, fmt.Errorf("axis %q declared twice", axis.Name))
		case len(axis.Values) == 0:
			errs = append(errs, fmt.Errorf("axis %q has no values", axis.Name))
		}
		seen[axis.Name] = true
	}
	return errors.Join(errs...)
}

// Point is one parameter combination of a sweep.
type Point struct {
	Index  int
	Params jobscript.ParamSet
}

// Points expands the sweep into the cross product of its axes, first axis
// outermost. Axis values overwrite baseline entries in place, so a baseline
// that lists an axis key fixes where that flag is rendered. Without axes the
// baseline alone is the single point.
func (c Config) Points() []Point {
	combos := []jobscript.ParamSet{c.Baseline.Clone()}
	for _, axis := range c.Axes {
		next := make([]jobscript.ParamSet, 0, len(combos)*len(axis.Values))
		for _, ps := range combos {
			for _, v := range axis.Values {
				next = append(next, ps.Set(axis.Name, v))
			}
		}
		combos = next
	}
	points := make([]Point, len(combos))
	for i, ps := range combos {
		points[i] = Point{Index: i, Params: ps}
	}
	return points
}

// Job builds the Job Generator input for p at rev.
func (c Config) Job(rev gitrev.Revision, p Point) (jobscript.Job, error) {
	name, err := Expand(c.JobName, p.Params)
	if err != nil {
		return jobscript.Job{}, fmt.Errorf("job name: %w", err)
	}
	session, err := Expand(c.Session, p.Params)
	if err != nil {
		return jobscript.Job{}, fmt.Errorf("session: %w", err)
	}
	return jobscript.Job{
		Commit:    rev.Commit,
		Runs:      c.Runs,
		Nodes:     c.Nodes,
		Partition: c.Partition,
		Walltime:  c.Walltime,
		Name:      name,
		Session:   session,
		Params:    p.Params,
		Layout:    c.Layout,
	}, nil
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_.-]+)\}`)

// ErrUnknownPlaceholder is returned when a naming pattern refers to a
// parameter the point does not define.
var ErrUnknownPlaceholder = errors.New("unknown placeholder")

// Expand replaces every {name} in pattern with the value of name in params.
func Expand(pattern string, params jobscript.ParamSet) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(pattern, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := params.Get(key)
		if !ok {
			missing = append(missing, key)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w {%s} in %q", ErrUnknownPlaceholder, strings.Join(missing, "}, {"), pattern)
	}
	return out, nil
}

// Package manifest loads and validates dmftloop run manifests.
//
// A run manifest is a YAML or JSON file, conventionally <instance>/run.yaml,
// that names the solver and self-consistency executables, the auxiliary
// jobs submitted after each iteration, and the retry policy.
//
// Manifests are validated against a JSON Schema before use. The schema
// enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	stages:
//	  solver:
//	    launcher: [srun]
//	    path: /opt/cdmft/ImpuritySolver/IS
//	  self_consistency:
//	    path: /opt/cdmft/SelfConsistency/CDMFT
//	driver:
//	  max_attempts: 15
//	  retry_delay: 60s
//	jobs:
//	  order_parameter:
//	    enabled: false
package manifest

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/dmftloop/pkg/driver"
	"github.com/3leaps/dmftloop/pkg/scheduler"
	"github.com/3leaps/dmftloop/pkg/stage"
)

// FileName is the conventional manifest name inside an instance.
const FileName = "run.yaml"

// Manifest represents a validated run manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	Stages StagesConfig `json:"stages" yaml:"stages"`

	Driver DriverConfig `json:"driver,omitempty" yaml:"driver,omitempty"`

	Jobs JobsConfig `json:"jobs,omitempty" yaml:"jobs,omitempty"`
}

// StagesConfig names the two synchronous stages of an iteration.
type StagesConfig struct {
	Solver          stage.Command `json:"solver" yaml:"solver"`
	SelfConsistency stage.Command `json:"self_consistency" yaml:"self_consistency"`
}

// DriverConfig holds the retry policy. Durations use Go syntax ("60s",
// "1m30s").
type DriverConfig struct {
	// Name is the parameter file stem. Default: "params".
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	MaxAttempts   int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	RetryDelay    string `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	Backoff       string `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	MaxRetryDelay string `json:"max_retry_delay,omitempty" yaml:"max_retry_delay,omitempty"`
}

// JobsConfig configures the auxiliary jobs. An omitted job uses its
// default template.
type JobsConfig struct {
	Occupation     *JobConfig `json:"occupation,omitempty" yaml:"occupation,omitempty"`
	OrderParameter *JobConfig `json:"order_parameter,omitempty" yaml:"order_parameter,omitempty"`
}

// JobConfig overrides one auxiliary job template.
type JobConfig struct {
	// Enabled defaults to true.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	Backend string   `json:"backend,omitempty" yaml:"backend,omitempty"`
	Script  string   `json:"script,omitempty" yaml:"script,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	Dir     string   `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	DefaultRetryDelay    = "60s"
	DefaultMaxRetryDelay = "30m"
)

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if len(m.Stages.Solver.Args) == 0 {
		m.Stages.Solver.Args = stage.SolverArgs()
	}
	if len(m.Stages.SelfConsistency.Args) == 0 {
		m.Stages.SelfConsistency.Args = stage.SelfConsistencyArgs()
	}

	if m.Driver.Name == "" {
		m.Driver.Name = driver.DefaultName
	}
	if m.Driver.MaxAttempts == 0 {
		m.Driver.MaxAttempts = driver.DefaultMaxAttempts
	}
	if m.Driver.RetryDelay == "" {
		m.Driver.RetryDelay = DefaultRetryDelay
	}
	if m.Driver.Backoff == "" {
		m.Driver.Backoff = string(driver.BackoffFixed)
	}
	if m.Driver.MaxRetryDelay == "" {
		m.Driver.MaxRetryDelay = DefaultMaxRetryDelay
	}

	m.Jobs.Occupation = withTemplate(m.Jobs.Occupation, scheduler.DefaultOccupation())
	m.Jobs.OrderParameter = withTemplate(m.Jobs.OrderParameter, scheduler.DefaultOrderParameter())
}

func withTemplate(jc *JobConfig, def scheduler.JobTemplate) *JobConfig {
	if jc == nil {
		jc = &JobConfig{}
	}
	if jc.Enabled == nil {
		enabled := true
		jc.Enabled = &enabled
	}
	if jc.Backend == "" {
		jc.Backend = string(def.Backend)
	}
	if jc.Script == "" {
		jc.Script = def.Script
		if len(jc.Args) == 0 {
			jc.Args = def.Args
		}
	}
	return jc
}

// ResolvePaths makes relative stage paths, stage directories and job
// directories absolute against base. Bare executable names such as "IS"
// are left for PATH lookup.
func (m *Manifest) ResolvePaths(base string) {
	for _, c := range []*stage.Command{&m.Stages.Solver, &m.Stages.SelfConsistency} {
		if strings.ContainsRune(c.Path, filepath.Separator) && !filepath.IsAbs(c.Path) {
			c.Path = filepath.Join(base, c.Path)
		}
		c.Dir = resolveDir(base, c.Dir)
	}
	for _, jc := range []*JobConfig{m.Jobs.Occupation, m.Jobs.OrderParameter} {
		if jc == nil {
			continue
		}
		if jc.Dir == "" {
			jc.Dir = base
		} else {
			jc.Dir = resolveDir(base, jc.Dir)
		}
	}
}

func resolveDir(base, dir string) string {
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(base, dir)
}

// DriverOptions converts the retry policy into driver options for a run of
// iterations start..max.
func (m *Manifest) DriverOptions(maxIterations, start int) (driver.Options, error) {
	opts := driver.Options{
		MaxIterations:  maxIterations,
		StartIteration: start,
		MaxAttempts:    m.Driver.MaxAttempts,
		Backoff:        driver.Backoff(m.Driver.Backoff),
		Name:           m.Driver.Name,
	}
	var err error
	if opts.RetryDelay, err = parseDuration("retry_delay", m.Driver.RetryDelay); err != nil {
		return driver.Options{}, err
	}
	if opts.MaxRetryDelay, err = parseDuration("max_retry_delay", m.Driver.MaxRetryDelay); err != nil {
		return driver.Options{}, err
	}
	return opts, opts.Validate()
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("driver.%s: %w", field, err)
	}
	return d, nil
}

// Occupation returns the occupation job template, or nil when disabled.
func (m *Manifest) Occupation() *scheduler.JobTemplate {
	return m.Jobs.Occupation.template()
}

// OrderParameter returns the order-parameter job template, or nil when
// disabled.
func (m *Manifest) OrderParameter() *scheduler.JobTemplate {
	return m.Jobs.OrderParameter.template()
}

func (jc *JobConfig) template() *scheduler.JobTemplate {
	if jc == nil || (jc.Enabled != nil && !*jc.Enabled) {
		return nil
	}
	return &scheduler.JobTemplate{
		Backend: scheduler.Backend(jc.Backend),
		Script:  jc.Script,
		Args:    append([]string(nil), jc.Args...),
		Dir:     jc.Dir,
	}
}

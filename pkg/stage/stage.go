// Package stage invokes the external solver and self-consistency binaries.
//
// Stages are opaque executables. Their exit status is recorded but never
// trusted: the driver infers success from the artifacts they leave behind.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Placeholders expanded in Command.Args.
const (
	VarInput     = "{in}"
	VarOutput    = "{out}"
	VarData      = "{data}"
	VarName      = "{name}"
	VarIteration = "{n}"
	VarInstance  = "{instance}"
)

// Vars are the per-invocation values substituted into a command line.
type Vars struct {
	Input     string
	Output    string
	Data      string
	Name      string
	Iteration int
	Instance  string
}

// Label is the artifact label for the iteration, e.g. "params12".
func (v Vars) Label() string {
	return v.Name + strconv.Itoa(v.Iteration)
}

// Command describes an executable and its argument template.
type Command struct {
	// Launcher is prepended to the command, e.g. ["srun"].
	Launcher []string `json:"launcher,omitempty" yaml:"launcher,omitempty"`

	Path string   `json:"path" yaml:"path"`
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Dir is the working directory. Empty means the directory of Path.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	Env []string `json:"env,omitempty" yaml:"env,omitempty"`
}

// SolverArgs is the default impurity solver argument template.
func SolverArgs() []string {
	return []string{VarInput, VarOutput, VarName + VarIteration}
}

// SelfConsistencyArgs is the default self-consistency argument template.
func SelfConsistencyArgs() []string {
	return []string{VarOutput, VarInput, VarData, VarName, VarIteration}
}

// Argv expands the template. Directory placeholders carry a trailing
// separator because the binaries concatenate file names onto them.
func (c Command) Argv(v Vars) []string {
	r := strings.NewReplacer(
		VarInput, withSep(v.Input),
		VarOutput, withSep(v.Output),
		VarData, withSep(v.Data),
		VarName, v.Name,
		VarIteration, strconv.Itoa(v.Iteration),
		VarInstance, v.Instance,
	)
	argv := make([]string, 0, len(c.Launcher)+1+len(c.Args))
	argv = append(argv, c.Launcher...)
	argv = append(argv, c.Path)
	for _, a := range c.Args {
		argv = append(argv, r.Replace(a))
	}
	return argv
}

func withSep(dir string) string {
	if dir == "" || strings.HasSuffix(dir, string(filepath.Separator)) {
		return dir
	}
	return dir + string(filepath.Separator)
}

// Result records one invocation.
type Result struct {
	Argv     []string      `json:"argv"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Stage is one external computational step.
type Stage interface {
	Name() string
	Run(ctx context.Context, v Vars) (*Result, error)
}

// Exec runs a Command as a child process and waits for it.
type Exec struct {
	name   string
	cmd    Command
	stdout io.Writer
	stderr io.Writer
	logger *zap.Logger
}

// Option configures an Exec.
type Option func(*Exec)

// WithOutput sends the child's stdout and stderr to w.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(e *Exec) {
		e.stdout = stdout
		e.stderr = stderr
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Exec) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExec creates a stage backed by cmd. The child inherits the process's
// stdout and stderr unless WithOutput is given.
func NewExec(name string, cmd Command, opts ...Option) (*Exec, error) {
	if strings.TrimSpace(cmd.Path) == "" {
		return nil, fmt.Errorf("stage %s: executable path is required", name)
	}
	e := &Exec{
		name:   name,
		cmd:    cmd,
		stdout: os.Stdout,
		stderr: os.Stderr,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("stage", name))
	return e, nil
}

func (e *Exec) Name() string { return e.name }

// Run starts the child and waits for it to exit. A non-zero exit is
// reported in Result, not as an error; the error is non-nil only when the
// child could not be started or ctx ended first.
func (e *Exec) Run(ctx context.Context, v Vars) (*Result, error) {
	argv := e.cmd.Argv(v)
	res := &Result{Argv: argv, ExitCode: -1}

	// #nosec G204 -- stage commands come from the operator's run manifest
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = e.cmd.Dir
	if c.Dir == "" && filepath.IsAbs(e.cmd.Path) {
		c.Dir = filepath.Dir(e.cmd.Path)
	}
	c.Env = append(os.Environ(), e.cmd.Env...)
	c.Stdout = e.stdout
	c.Stderr = e.stderr

	e.logger.Info("Starting stage", zap.Strings("argv", argv), zap.Int("iteration", v.Iteration))
	start := time.Now()
	err := c.Run()
	res.Duration = time.Since(start)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		res.ExitCode = exitErr.ExitCode()
		e.logger.Warn("Stage exited non-zero",
			zap.Int("exit_code", res.ExitCode),
			zap.Int("iteration", v.Iteration))
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return res, fmt.Errorf("start stage %s: %w", e.name, err)
	}

	e.logger.Info("Stage finished",
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
		zap.Int("iteration", v.Iteration))
	return res, nil
}

package scheduler

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/3leaps/dmftloop/pkg/instance"
)

// JobTemplate is the operator-configured shape of an auxiliary job. Args use
// the placeholders {out} {in} {data} {name} {n} {instance}.
type JobTemplate struct {
	Backend Backend  `json:"backend,omitempty" yaml:"backend,omitempty"`
	Script  string   `json:"script" yaml:"script"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	Dir     string   `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// DefaultOccupation submits run_occupation.sh through sbatch with the same
// arguments as the self-consistency stage.
func DefaultOccupation() JobTemplate {
	return JobTemplate{
		Backend: BackendSbatch,
		Script:  "run_occupation.sh",
		Args:    []string{"{out}", "{in}", "{data}", "{name}", "{n}"},
	}
}

// DefaultOrderParameter runs the order-parameter aggregation for the
// instance.
func DefaultOrderParameter() JobTemplate {
	return JobTemplate{
		Backend: BackendLocal,
		Script:  "./actions.sh",
		Args:    []string{"-a", "order_parameter", "-f", "{instance}"},
	}
}

// Build renders the template for iteration n of layout.
func (t JobTemplate) Build(kind Kind, l instance.Layout, name string, n int) Job {
	sep := string(filepath.Separator)
	r := strings.NewReplacer(
		"{out}", l.Output+sep,
		"{in}", l.Input+sep,
		"{data}", l.Data+sep,
		"{name}", name,
		"{n}", strconv.Itoa(n),
		"{instance}", l.Name(),
	)
	args := make([]string, 0, len(t.Args))
	for _, a := range t.Args {
		args = append(args, r.Replace(a))
	}
	return Job{
		Kind:      kind,
		Backend:   t.Backend,
		Instance:  l.Name(),
		Iteration: n,
		Script:    t.Script,
		Args:      args,
		Dir:       t.Dir,
	}
}

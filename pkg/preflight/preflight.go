// Package preflight checks that an instance can run before any stage
// is started.
//
// Checks never modify artifacts. The only write is the optional mirror
// probe, which uploads and deletes one small object under the mirror's key
// prefix.
package preflight

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/3leaps/dmftloop/pkg/instance"
	"github.com/3leaps/dmftloop/pkg/manifest"
	"github.com/3leaps/dmftloop/pkg/provider"
	"github.com/3leaps/dmftloop/pkg/scheduler"
	"github.com/3leaps/dmftloop/pkg/stage"
)

// Check names are stable strings used in JSON output.
const (
	CheckLayout          = "instance.layout"
	CheckManifest        = "instance.manifest"
	CheckSolver          = "stage.solver"
	CheckSelfConsistency = "stage.self_consistency"
	CheckSbatch          = "scheduler.sbatch"
	CheckMirrorWrite     = "mirror.write"
)

// Result is the outcome of one check.
type Result struct {
	Check     string `json:"check"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Report collects every check run against one instance.
type Report struct {
	Instance string   `json:"instance"`
	Results  []Result `json:"results"`
}

// OK reports whether every check passed.
func (r *Report) OK() bool {
	for _, res := range r.Results {
		if !res.OK {
			return false
		}
	}
	return true
}

func (r *Report) add(check string, err error, detail string) {
	res := Result{Check: check, OK: err == nil, Detail: detail}
	if err != nil {
		res.Detail = err.Error()
	}
	r.Results = append(r.Results, res)
}

// Options selects the optional checks.
type Options struct {
	// ManifestPath overrides <instance>/run.yaml.
	ManifestPath string

	// SbatchPath is resolved when any enabled job uses the sbatch backend.
	SbatchPath string

	// Mirror, if set, receives a put/delete probe under KeyPrefix.
	Mirror    provider.ObjectPutter
	KeyPrefix string
}

// Run checks the instance at root. Later checks that depend on an earlier
// failure (stages need a manifest) are skipped.
func Run(ctx context.Context, root string, opts Options) *Report {
	rep := &Report{Instance: instance.New(root).Name()}

	layout, err := instance.Open(root)
	rep.add(CheckLayout, err, layout.Root)
	if err != nil {
		return rep
	}

	m, err := manifest.LoadForInstance(layout.Root, opts.ManifestPath)
	rep.add(CheckManifest, err, "valid")
	if err == nil {
		checkStage(rep, CheckSolver, m.Stages.Solver)
		checkStage(rep, CheckSelfConsistency, m.Stages.SelfConsistency)
		if usesSbatch(m) {
			sbatch := opts.SbatchPath
			if sbatch == "" {
				sbatch = "sbatch"
			}
			resolved, err := exec.LookPath(sbatch)
			rep.add(CheckSbatch, err, resolved)
		}
	}

	if opts.Mirror != nil {
		rep.Results = append(rep.Results, probeMirror(ctx, opts.Mirror, opts.KeyPrefix, layout.Name()))
	}
	return rep
}

func checkStage(rep *Report, check string, c stage.Command) {
	argv0 := c.Path
	if len(c.Launcher) > 0 {
		argv0 = c.Launcher[0]
		if _, err := exec.LookPath(c.Path); err != nil {
			rep.add(check, err, "")
			return
		}
	}
	resolved, err := exec.LookPath(argv0)
	rep.add(check, err, resolved)
}

func usesSbatch(m *manifest.Manifest) bool {
	for _, t := range []*scheduler.JobTemplate{m.Occupation(), m.OrderParameter()} {
		if t != nil && (t.Backend == scheduler.BackendSbatch || t.Backend == "") {
			return true
		}
	}
	return false
}

// probeMirror writes and removes a uniquely named object.
func probeMirror(ctx context.Context, p provider.ObjectPutter, keyPrefix, name string) Result {
	key := path.Join(strings.Trim(keyPrefix, "/"), name, ".preflight-"+uuid.NewString())
	body := []byte("dmftloop preflight\n")

	if err := p.PutObject(ctx, key, bytes.NewReader(body), int64(len(body))); err != nil {
		return Result{Check: CheckMirrorWrite, Detail: err.Error(), ErrorCode: provider.Code(err)}
	}
	if d, ok := p.(provider.ObjectDeleter); ok {
		if err := d.DeleteObject(ctx, key); err != nil {
			return Result{Check: CheckMirrorWrite, Detail: fmt.Sprintf("probe %s not removed: %v", key, err), ErrorCode: provider.Code(err)}
		}
	}
	return Result{Check: CheckMirrorWrite, OK: true, Detail: key}
}

package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/dmftloop/pkg/bundle"
	"github.com/3leaps/dmftloop/pkg/instance"
	"github.com/3leaps/dmftloop/pkg/journal"
	"github.com/3leaps/dmftloop/pkg/scheduler"
	"github.com/3leaps/dmftloop/pkg/stage"
	"github.com/3leaps/dmftloop/pkg/stagegate"
)

type fakeStage struct {
	name  string
	calls []int
	fn    func(v stage.Vars) error
}

func (s *fakeStage) Name() string { return s.name }

func (s *fakeStage) Run(ctx context.Context, v stage.Vars) (*stage.Result, error) {
	s.calls = append(s.calls, v.Iteration)
	if s.fn != nil {
		if err := s.fn(v); err != nil {
			return nil, err
		}
	}
	return &stage.Result{ExitCode: 0, Duration: time.Millisecond}, nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []scheduler.Job
	err  error
}

func (r *recordingDispatcher) Enqueue(job scheduler.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.jobs = append(r.jobs, job)
	return nil
}

type failingArchive struct{ calls int }

func (a *failingArchive) BundleUpTo(ctx context.Context, f instance.Family, bound int) (*bundle.BundleResult, error) {
	a.calls++
	return nil, errors.New("disk full")
}

func newLayout(t *testing.T) instance.Layout {
	t.Helper()
	l := instance.New(filepath.Join(t.TempDir(), "ep9.0_beta60.0"))
	for _, dir := range []string{l.Input, l.Output, l.Data} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	return l
}

func writeArtifact(t *testing.T, f instance.Family, n int, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.Path(n), []byte(content), 0o644))
}

// solverWriting produces the measurement file for each iteration.
func solverWriting(l instance.Layout, content string) *fakeStage {
	return &fakeStage{name: "solver", fn: func(v stage.Vars) error {
		return os.WriteFile(l.Meas().Path(v.Iteration), []byte(content), 0o644)
	}}
}

// selfConsistencyWriting produces the next iteration's inputs.
func selfConsistencyWriting(l instance.Layout) *fakeStage {
	return &fakeStage{name: "self_consistency", fn: func(v stage.Vars) error {
		next := v.Iteration + 1
		body := fmt.Sprintf(`{"iteration": %d}`, next)
		if err := os.WriteFile(l.Params().Path(next), []byte(body), 0o644); err != nil {
			return err
		}
		return os.WriteFile(l.Hyb().Path(next), []byte(body), 0o644)
	}}
}

type harness struct {
	layout  instance.Layout
	store   *bundle.Store
	solver  *fakeStage
	sc      *fakeStage
	journal *bytes.Buffer
	sleeps  []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l := newLayout(t)
	store := bundle.NewStore(nil)
	t.Cleanup(func() { _ = store.Close() })
	return &harness{
		layout:  l,
		store:   store,
		solver:  solverWriting(l, `{"E": -1.25}`),
		sc:      selfConsistencyWriting(l),
		journal: &bytes.Buffer{},
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Layout:          h.layout,
		Gate:            stagegate.New(h.store, nil),
		Archive:         h.store,
		Solver:          h.solver,
		SelfConsistency: h.sc,
		Journal:         journal.NewJSONLWriter(h.journal, "run-1", h.layout.Name()),
	}
}

func (h *harness) driver(t *testing.T, opts Options, deps Deps) *Driver {
	t.Helper()
	d, err := New(opts, deps)
	require.NoError(t, err)
	d.sleep = func(ctx context.Context, delay time.Duration) error {
		h.sleeps = append(h.sleeps, delay)
		return ctx.Err()
	}
	return d
}

func (h *harness) records(t *testing.T) []journal.Record {
	t.Helper()
	recs, err := journal.Read(bytes.NewReader(h.journal.Bytes()))
	require.NoError(t, err)
	return recs
}

func countType(recs []journal.Record, recordType string) int {
	n := 0
	for _, r := range recs {
		if r.Type == recordType {
			n++
		}
	}
	return n
}

func opts(start, max, attempts int) Options {
	o := DefaultOptions()
	o.StartIteration = start
	o.MaxIterations = max
	o.MaxAttempts = attempts
	return o
}

func TestRun_SingleIterationAdvances(t *testing.T) {
	h := newHarness(t)
	writeArtifact(t, h.layout.Params(), 1, `{"iteration": 1}`)
	writeArtifact(t, h.layout.Meas(), 1, `{"E": -1.0}`)

	d := h.driver(t, opts(1, 1, 15), h.deps())
	out, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 2, out.NextIteration)
	assert.Equal(t, 1, out.LastCompleted)
	assert.Equal(t, 1, out.Completed)
	assert.Zero(t, out.FailedAttempts)
	assert.Zero(t, out.ConsecutiveFailures)
	assert.Empty(t, h.sleeps)
	assert.Equal(t, []int{1}, h.solver.calls)
	assert.Equal(t, []int{1}, h.sc.calls)

	// params1 is history now; params2 is the next input and stays standalone.
	assert.False(t, h.layout.Params().Exists(1))
	has, err := h.store.Has(context.Background(), h.layout.Params(), 1)
	require.NoError(t, err)
	assert.True(t, has)
	assert.True(t, h.layout.Params().Exists(2))
	assert.True(t, h.layout.Hyb().Exists(2))
	assert.True(t, h.layout.Meas().Exists(1))

	st := d.Status()
	assert.Equal(t, StateCompleted, st.State)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.True(t, st.NextRetryAt.IsZero())
}

func TestRun_ArchivesHistoryAcrossIterations(t *testing.T) {
	h := newHarness(t)
	writeArtifact(t, h.layout.Params(), 1, `{"iteration": 1}`)

	out, err := h.driver(t, opts(1, 3, 15), h.deps()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, out.Completed)
	assert.Equal(t, 4, out.NextIteration)

	ctx := context.Background()
	entries := func(f instance.Family) []int {
		es, err := h.store.Entries(ctx, f)
		require.NoError(t, err)
		var ns []int
		for _, e := range es {
			ns = append(ns, e.Iteration)
		}
		return ns
	}
	assert.Equal(t, []int{1, 2, 3}, entries(h.layout.Params()))
	assert.Equal(t, []int{2, 3}, entries(h.layout.Hyb()))
	assert.Equal(t, []int{1, 2}, entries(h.layout.Meas()))

	assert.True(t, h.layout.Params().Exists(4))
	assert.True(t, h.layout.Hyb().Exists(4))
	assert.True(t, h.layout.Meas().Exists(3))
	assert.False(t, h.layout.Meas().Exists(2))

	recs := h.records(t)
	assert.Equal(t, 1, countType(recs, journal.TypeRun))
	assert.Equal(t, 6, countType(recs, journal.TypeIteration))
	assert.Equal(t, 1, countType(recs, journal.TypeSummary))
	assert.Zero(t, countType(recs, journal.TypeAttempt))
}

func TestRun_InputMissingHaltsAtCeiling(t *testing.T) {
	h := newHarness(t)

	d := h.driver(t, opts(3, Unbounded, 4), h.deps())
	out, err := d.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHalted)
	assert.ErrorIs(t, err, ErrInputMissing)

	assert.Equal(t, StateHalted, out.State)
	assert.Equal(t, 3, out.NextIteration)
	assert.Equal(t, -1, out.LastCompleted)
	assert.Equal(t, 4, out.FailedAttempts)
	assert.Equal(t, 4, out.ConsecutiveFailures)
	assert.Empty(t, h.solver.calls)
	assert.Equal(t, []time.Duration{DefaultRetryDelay, DefaultRetryDelay, DefaultRetryDelay}, h.sleeps)

	st := d.Status()
	assert.Equal(t, StateHalted, st.State)
	assert.Equal(t, 3, st.Iteration)
	assert.Contains(t, st.LastError, h.layout.Params().Path(3))

	recs := h.records(t)
	assert.Equal(t, 4, countType(recs, journal.TypeAttempt))
}

func TestRun_SingleAttemptHaltsWithoutSleeping(t *testing.T) {
	h := newHarness(t)

	out, err := h.driver(t, opts(1, 5, 1), h.deps()).Run(context.Background())
	assert.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, StateHalted, out.State)
	assert.Equal(t, 1, out.FailedAttempts)
	assert.Empty(t, h.sleeps)
}

func TestRun_InputRestoredFromArchive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	writeArtifact(t, h.layout.Params(), 1, `{"iteration": 1}`)
	_, err := h.store.BundleUpTo(ctx, h.layout.Params(), 2)
	require.NoError(t, err)
	require.False(t, h.layout.Params().Exists(1))

	out, err := h.driver(t, opts(1, 1, 3), h.deps()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Completed)
	assert.Equal(t, []int{1}, h.solver.calls)
}

func TestRun_CounterResetsAfterSuccess(t *testing.T) {
	h := newHarness(t)
	writeArtifact(t, h.layout.Params(), 1, `{"iteration": 1}`)

	// Fail twice at 1, then once at 2.
	failAt := map[int]int{1: 2, 2: 1}
	h.solver.fn = func(v stage.Vars) error {
		if failAt[v.Iteration] > 0 {
			failAt[v.Iteration]--
			return nil
		}
		return os.WriteFile(h.layout.Meas().Path(v.Iteration), []byte(`{}`), 0o644)
	}

	out, err := h.driver(t, opts(1, 2, 3), h.deps()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 2, out.Completed)
	assert.Equal(t, 3, out.FailedAttempts)
	assert.Zero(t, out.ConsecutiveFailures)
	assert.Len(t, h.sleeps, 3)
	assert.Equal(t, []int{1, 1, 1, 2, 2}, h.solver.calls)
	assert.Equal(t, []int{1, 2}, h.sc.calls)
}

func TestRun_SanitizesSolverOutput(t *testing.T) {
	h := newHarness(t)
	writeArtifact(t, h.layout.Params(), 5, `{"iteration": 5}`)
	h.solver = solverWriting(h.layout, `{"G": [nan, 1.5, nan]}`)

	_, err := h.driver(t, opts(5, 5, 3), h.deps()).Run(context.Background())
	require.NoError(t, err)

	got, err := os.ReadFile(h.layout.Meas().Path(5))
	require.NoError(t, err)
	assert.Equal(t, `{"G": [0, 1.5, 0]}`, string(got))

	recs := h.records(t)
	require.Equal(t, 1, countType(recs, journal.TypeSanitize))
}

func TestRun_BootstrapsFromZero(t *testing.T) {
	h := newHarness(t)

	out, err := h.driver(t, opts(0, 2, 3), h.deps()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, h.sc.calls)
	assert.Equal(t, []int{1, 2}, h.solver.calls)
	assert.Equal(t, 2, out.Completed)
	assert.Equal(t, 3, out.NextIteration)
}

func TestRun_DispatchesAuxiliaryJobs(t *testing.T) {
	h := newHarness(t)
	writeArtifact(t, h.layout.Params(), 1, `{}`)
	disp := &recordingDispatcher{}
	occ := scheduler.DefaultOccupation()
	ord := scheduler.DefaultOrderParameter()

	deps := h.deps()
	deps.Dispatcher = disp
	deps.Occupation = &occ
	deps.OrderParameter = &ord

	_, err := h.driver(t, opts(1, 2, 3), deps).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, disp.jobs, 4)
	first := disp.jobs[0]
	assert.Equal(t, scheduler.KindOccupation, first.Kind)
	assert.Equal(t, 1, first.Iteration)
	sep := string(filepath.Separator)
	assert.Equal(t, []string{
		h.layout.Output + sep, h.layout.Input + sep, h.layout.Data + sep, "params", "1",
	}, first.Args)

	assert.Equal(t, scheduler.KindOrderParameter, disp.jobs[1].Kind)
	assert.Equal(t, []string{"-a", "order_parameter", "-f", h.layout.Name()}, disp.jobs[1].Args)
	assert.Equal(t, 2, disp.jobs[2].Iteration)
}

func TestRun_DispatchFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	writeArtifact(t, h.layout.Params(), 1, `{}`)
	occ := scheduler.DefaultOccupation()

	deps := h.deps()
	deps.Dispatcher = &recordingDispatcher{err: scheduler.ErrQueueFull}
	deps.Occupation = &occ

	out, err := h.driver(t, opts(1, 2, 3), deps).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, out.Completed)
	assert.Zero(t, out.FailedAttempts)
}

func TestRun_ArchiveFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	writeArtifact(t, h.layout.Params(), 1, `{}`)
	archive := &failingArchive{}

	deps := h.deps()
	deps.Archive = archive
	deps.Gate = stagegate.New(nil, nil)

	out, err := h.driver(t, opts(1, 2, 3), deps).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, out.Completed)
	assert.Equal(t, 6, archive.calls)
	assert.True(t, h.layout.Params().Exists(1))

	recs := h.records(t)
	assert.Equal(t, 6, countType(recs, journal.TypeBundle))
}

func TestRun_MirrorsArchivedFamilies(t *testing.T) {
	h := newHarness(t)
	writeArtifact(t, h.layout.Params(), 1, `{}`)

	var mirrored []string
	deps := h.deps()
	deps.Mirror = func(ctx context.Context, f instance.Family) error {
		mirrored = append(mirrored, f.String())
		return nil
	}

	_, err := h.driver(t, opts(1, 1, 3), deps).Run(context.Background())
	require.NoError(t, err)
	// Only params1 had anything to archive.
	assert.Equal(t, []string{h.layout.Params().String()}, mirrored)
}

func TestRun_CancelledDuringRetryWait(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := h.driver(t, opts(1, Unbounded, 15), h.deps())
	d.sleep = func(ctx context.Context, delay time.Duration) error {
		h.sleeps = append(h.sleeps, delay)
		cancel()
		return ctx.Err()
	}

	out, err := d.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, out.State)
	assert.Equal(t, 1, out.NextIteration)
	assert.Len(t, h.sleeps, 1)
	assert.Equal(t, StateCancelled, d.Status().State)
}

func TestRun_CancelledStageStopsRun(t *testing.T) {
	h := newHarness(t)
	writeArtifact(t, h.layout.Params(), 1, `{}`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.solver.fn = func(v stage.Vars) error {
		cancel()
		return context.Canceled
	}

	out, err := h.driver(t, opts(1, 3, 3), h.deps()).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, out.State)
	assert.Zero(t, out.FailedAttempts)
}

func TestRun_StageStartFailureFallsBackToArtifactCheck(t *testing.T) {
	h := newHarness(t)
	writeArtifact(t, h.layout.Params(), 1, `{}`)
	h.solver.fn = func(v stage.Vars) error { return errors.New("exec: not found") }

	out, err := h.driver(t, opts(1, 1, 2), h.deps()).Run(context.Background())
	assert.ErrorIs(t, err, ErrOutputMissing)
	assert.Equal(t, StateHalted, out.State)
	assert.Len(t, h.sleeps, 1)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	h := newHarness(t)

	deps := h.deps()
	deps.Solver = nil
	_, err := New(DefaultOptions(), deps)
	assert.Error(t, err)

	deps = h.deps()
	deps.Gate = nil
	_, err = New(DefaultOptions(), deps)
	assert.Error(t, err)

	_, err = New(Options{MaxAttempts: -1}, h.deps())
	assert.Error(t, err)
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *Options)
		ok     bool
	}{
		{"defaults", func(o *Options) {}, true},
		{"bounded", func(o *Options) { o.MaxIterations = 10 }, true},
		{"negative max", func(o *Options) { o.MaxIterations = -2 }, false},
		{"negative start", func(o *Options) { o.StartIteration = -1 }, false},
		{"zero attempts", func(o *Options) { o.MaxAttempts = 0 }, false},
		{"negative delay", func(o *Options) { o.RetryDelay = -time.Second }, false},
		{"unknown backoff", func(o *Options) { o.Backoff = "linear" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions()
			tt.mutate(&o)
			err := o.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestOptions_Delay(t *testing.T) {
	fixed := DefaultOptions()
	assert.Equal(t, 60*time.Second, fixed.Delay(1))
	assert.Equal(t, 60*time.Second, fixed.Delay(10))

	exp := DefaultOptions()
	exp.Backoff = BackoffExponential
	exp.RetryDelay = time.Minute
	exp.MaxRetryDelay = 5 * time.Minute
	assert.Equal(t, time.Minute, exp.Delay(1))
	assert.Equal(t, 2*time.Minute, exp.Delay(2))
	assert.Equal(t, 4*time.Minute, exp.Delay(3))
	assert.Equal(t, 5*time.Minute, exp.Delay(4))
	assert.Equal(t, 5*time.Minute, exp.Delay(14))
}

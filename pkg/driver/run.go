package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/dmftloop/pkg/instance"
	"github.com/3leaps/dmftloop/pkg/journal"
	"github.com/3leaps/dmftloop/pkg/sanitize"
	"github.com/3leaps/dmftloop/pkg/scheduler"
	"github.com/3leaps/dmftloop/pkg/stage"
)

// Run drives iterations until MaxIterations is passed (Completed), MaxAttempts
// consecutive attempts fail (Halted, error wraps ErrHalted) or ctx ends
// (Cancelled, error is ctx.Err()). Stage, archive and dispatch failures are
// logged and journaled; they never escape Run on their own.
func (d *Driver) Run(ctx context.Context) (*Outcome, error) {
	start := d.now()
	d.update(func(s *Status) {
		s.StartedAt = start
		s.Iteration = d.opts.StartIteration
	})

	if d.opts.MaxIterations != Unbounded {
		d.logger.Info("Starting run",
			zap.Int("start_iteration", d.opts.StartIteration),
			zap.Int("max_iterations", d.opts.MaxIterations))
	} else {
		d.logger.Info("Starting unbounded run", zap.Int("start_iteration", d.opts.StartIteration))
	}
	d.record(ctx, journal.TypeRun, &journal.RunRecord{
		StartIteration: d.opts.StartIteration,
		MaxIterations:  d.opts.MaxIterations,
		MaxAttempts:    d.opts.MaxAttempts,
		RetryDelay:     d.opts.RetryDelay.String(),
	})

	out := &Outcome{LastCompleted: -1}
	n := d.opts.StartIteration
	failures := 0

	finish := func(state State, err error) (*Outcome, error) {
		out.State = state
		out.NextIteration = n
		out.ConsecutiveFailures = failures
		out.Duration = d.now().Sub(start)
		if err != nil {
			out.LastError = err
		}
		d.setState(state)

		summary := &journal.SummaryRecord{
			State:          string(state),
			LastIteration:  out.LastCompleted,
			NextIteration:  n,
			Completed:      out.Completed,
			FailedAttempts: out.FailedAttempts,
			Duration:       out.Duration.String(),
		}
		if out.LastError != nil {
			summary.Error = out.LastError.Error()
		}
		d.record(ctx, journal.TypeSummary, summary)
		d.logger.Info("Run finished",
			zap.String("state", string(state)),
			zap.Int("next_iteration", n),
			zap.Int("completed", out.Completed),
			zap.Int("failed_attempts", out.FailedAttempts),
			zap.Duration("duration", out.Duration))

		switch state {
		case StateHalted:
			return out, fmt.Errorf("%w: %d consecutive failed attempts at iteration %d: %w",
				ErrHalted, failures, n, out.LastError)
		case StateCancelled:
			return out, ctx.Err()
		}
		return out, nil
	}

	if n == 0 {
		if err := d.bootstrap(ctx); err != nil {
			if isCancel(ctx, err) {
				return finish(StateCancelled, err)
			}
			return finish(StateHalted, err)
		}
		n = 1
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(StateCancelled, err)
		}
		if d.opts.MaxIterations != Unbounded && n > d.opts.MaxIterations {
			return finish(StateCompleted, nil)
		}

		d.update(func(s *Status) { s.Iteration = n })
		d.deps.Metrics.SetIteration(d.name, n)

		err := d.cycle(ctx, n)
		if err == nil {
			out.Completed++
			out.LastCompleted = n
			n++
			failures = 0
			d.update(func(s *Status) {
				s.Completed = out.Completed
				s.ConsecutiveFailures = 0
				s.LastError = ""
			})
			d.deps.Metrics.SetConsecutiveFailures(d.name, 0)
			d.deps.Metrics.IterationCompleted(d.name)
			continue
		}
		if isCancel(ctx, err) {
			return finish(StateCancelled, err)
		}

		failures++
		out.FailedAttempts++
		out.LastError = err
		reason := journal.ReasonOutputMissing
		path := ""
		var ae *attemptError
		if errors.As(err, &ae) {
			reason, path = ae.reason, ae.path
		}
		d.update(func(s *Status) {
			s.ConsecutiveFailures = failures
			s.FailedAttempts = out.FailedAttempts
			s.LastError = err.Error()
		})
		d.deps.Metrics.AttemptFailed(d.name, reason)
		d.deps.Metrics.SetConsecutiveFailures(d.name, failures)

		if failures >= d.opts.MaxAttempts {
			d.record(ctx, journal.TypeAttempt, &journal.AttemptRecord{
				Iteration: n, Attempt: failures, Reason: reason, Path: path,
			})
			d.logger.Error("Attempt ceiling reached; halting",
				zap.Int("iteration", n),
				zap.Int("attempts", failures),
				zap.Error(err))
			return finish(StateHalted, err)
		}

		delay := d.opts.Delay(failures)
		d.record(ctx, journal.TypeAttempt, &journal.AttemptRecord{
			Iteration: n, Attempt: failures, Reason: reason, Path: path, Retry: delay.String(),
		})
		d.logger.Warn("Iteration attempt failed; retrying",
			zap.Int("iteration", n),
			zap.Int("attempt", failures),
			zap.Int("max_attempts", d.opts.MaxAttempts),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		d.setState(StateRetryWait)
		d.update(func(s *Status) { s.NextRetryAt = d.now().Add(delay) })
		if err := d.sleep(ctx, delay); err != nil {
			return finish(StateCancelled, err)
		}
		d.update(func(s *Status) { s.NextRetryAt = time.Time{} })
	}
}

// bootstrap runs the self-consistency stage once with label 0 to produce the
// first input parameters of a fresh instance.
func (d *Driver) bootstrap(ctx context.Context) error {
	d.logger.Info("Bootstrapping instance with self-consistency label 0")
	d.setState(StateRunningSelfConsistency)
	if err := d.runStage(ctx, d.deps.SelfConsistency, d.vars(0)); err != nil {
		return err
	}
	if !d.deps.Layout.Params().Exists(1) {
		d.logger.Warn("Bootstrap produced no input parameters; first iteration will retry",
			zap.String("path", d.deps.Layout.Params().Path(1)))
	}
	return nil
}

func (d *Driver) vars(n int) stage.Vars {
	l := d.deps.Layout
	return stage.Vars{
		Input:     l.Input,
		Output:    l.Output,
		Data:      l.Data,
		Name:      d.opts.Name,
		Iteration: n,
		Instance:  d.name,
	}
}

// cycle runs one attempt at iteration n. A nil return means n completed.
func (d *Driver) cycle(ctx context.Context, n int) error {
	l := d.deps.Layout
	iterStart := d.now()
	d.logger.Info("Begin iteration", zap.Int("iteration", n))
	d.record(ctx, journal.TypeIteration, &journal.IterationRecord{Iteration: n, Phase: journal.PhaseBegin})

	d.setState(StateAwaitingSolverInput)
	params := l.Params()
	if !d.deps.Gate.Exists(ctx, params, n) {
		return &attemptError{reason: journal.ReasonInputMissing, path: params.Path(n), err: ErrInputMissing}
	}

	v := d.vars(n)
	d.setState(StateSolvingImpurity)
	if err := d.runStage(ctx, d.deps.Solver, v); err != nil {
		return err
	}

	d.setState(StateAwaitingSolverOutput)
	meas := l.Meas()
	if !meas.Exists(n) {
		return &attemptError{reason: journal.ReasonOutputMissing, path: meas.Path(n), err: ErrOutputMissing}
	}

	d.setState(StateSanitizing)
	if err := d.sanitize(ctx, meas, n); err != nil {
		return err
	}

	d.setState(StateRunningSelfConsistency)
	if err := d.runStage(ctx, d.deps.SelfConsistency, v); err != nil {
		return err
	}
	elapsed := d.now().Sub(iterStart)
	d.logger.Info("End iteration", zap.Int("iteration", n), zap.Duration("duration", elapsed))
	d.record(ctx, journal.TypeIteration, &journal.IterationRecord{
		Iteration: n, Phase: journal.PhaseEnd, Duration: elapsed.String(),
	})

	d.setState(StateArchiving)
	d.archive(ctx, params, n+1)
	d.archive(ctx, l.Hyb(), n+1)
	d.archive(ctx, meas, n)

	d.setState(StateDispatchingAuxiliary)
	d.dispatch(ctx, scheduler.KindOccupation, d.deps.Occupation, n)
	d.dispatch(ctx, scheduler.KindOrderParameter, d.deps.OrderParameter, n)
	return nil
}

// runStage invokes s. Only cancellation is returned: whether the stage
// worked is decided by the artifacts it leaves.
func (d *Driver) runStage(ctx context.Context, s stage.Stage, v stage.Vars) error {
	d.logger.Info("Calling stage", zap.String("stage", s.Name()), zap.Int("iteration", v.Iteration))
	res, err := s.Run(ctx, v)
	if res != nil {
		d.deps.Metrics.ObserveStage(d.name, s.Name(), res.Duration)
	}
	if err != nil {
		if isCancel(ctx, err) {
			return err
		}
		d.logger.Error("Stage invocation failed", zap.String("stage", s.Name()), zap.Error(err))
	}
	return nil
}

func (d *Driver) sanitize(ctx context.Context, meas instance.Family, n int) error {
	path := meas.Path(n)
	count, err := sanitize.File(path)
	if err != nil {
		return &attemptError{reason: journal.ReasonSanitize, path: path, err: err}
	}
	if count > 0 {
		d.logger.Warn("NaN present in solver output; replaced with 0",
			zap.String("path", path),
			zap.Int("replacements", count))
		d.record(ctx, journal.TypeSanitize, &journal.SanitizeRecord{Iteration: n, Path: path, Replacements: count})
		d.deps.Metrics.NaNReplaced(d.name, count)
	}
	return nil
}

// archive bundles f below bound. Failures are logged and never stop the
// iteration.
func (d *Driver) archive(ctx context.Context, f instance.Family, bound int) {
	res, err := d.deps.Archive.BundleUpTo(ctx, f, bound)
	rec := &journal.BundleRecord{Family: f.String(), Bound: bound}
	if err != nil {
		d.logger.Error("Bundle pass failed", zap.String("family", f.String()), zap.Error(err))
		rec.Failed = append(rec.Failed, err.Error())
	}
	if res != nil {
		rec.Archived = res.Archived
		rec.Unchanged = res.Unchanged
		for _, fe := range res.Failed {
			rec.Failed = append(rec.Failed, fe.Error())
		}
		d.deps.Metrics.Bundled(d.name, f.String(), len(res.Archived), len(res.Failed))
	}

	if d.deps.Mirror != nil && err == nil && res != nil && len(res.Archived) > 0 {
		if merr := d.deps.Mirror(ctx, f); merr != nil {
			d.logger.Warn("Mirror push failed", zap.String("family", f.String()), zap.Error(merr))
			rec.Failed = append(rec.Failed, merr.Error())
		} else {
			rec.Mirrored = true
		}
	}

	if len(rec.Archived) > 0 || len(rec.Unchanged) > 0 || len(rec.Failed) > 0 {
		d.record(ctx, journal.TypeBundle, rec)
	}
}

// dispatch enqueues an auxiliary job. Failures are logged and journaled by
// the dispatcher's result callback; they never stop the iteration.
func (d *Driver) dispatch(ctx context.Context, kind scheduler.Kind, tmpl *scheduler.JobTemplate, n int) {
	if d.deps.Dispatcher == nil || tmpl == nil {
		return
	}
	job := tmpl.Build(kind, d.deps.Layout, d.opts.Name, n)
	if err := d.deps.Dispatcher.Enqueue(job); err != nil {
		d.logger.Warn("Auxiliary job not dispatched",
			zap.String("kind", string(kind)),
			zap.Int("iteration", n),
			zap.Error(err))
		return
	}
	d.logger.Debug("Auxiliary job queued", zap.String("kind", string(kind)), zap.Int("iteration", n))
}

package ddns

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Result is how one task of a run ended.
type Result struct {
	Task    Task
	Outcome Outcome
	Err     error
}

// Report collects the results of a run in task order.
type Report struct {
	Results []Result
}

// Failures returns the results of the tasks that failed.
func (r *Report) Failures() []Result {
	return lo.Filter(r.Results, func(res Result, _ int) bool { return res.Outcome == Failed })
}

func (r *Report) Count(o Outcome) int {
	return lo.CountBy(r.Results, func(res Result) bool { return res.Outcome == o })
}

// Err joins the errors of all failed tasks. It is nil when no task failed.
func (r *Report) Err() error {
	var errs []error
	for _, f := range r.Failures() {
		errs = append(errs, fmt.Errorf("%s: %w", f.Task, f.Err))
	}
	return errors.Join(errs...)
}

// Run executes every task concurrently and waits for all of them.
//
// A failing task never cancels or delays the others;
// its error is recorded in the report and logged once every task has settled.
// Each task is bounded by a deadline derived from the connection settings.
func (u *Updater) Run(ctx context.Context, ip AddressSource, tasks []Task) *Report {
	report := &Report{Results: make([]Result, len(tasks))}
	deadline := u.settings.Deadline(u.retryDelay)

	var g errgroup.Group
	if u.concurrency > 0 {
		g.SetLimit(u.concurrency)
	}
	for i, task := range tasks {
		g.Go(func() error {
			report.Results[i] = u.runTask(ctx, ip, task, deadline)
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range report.Failures() {
		u.logger.Error("task failed",
			zap.String("zone", f.Task.Zone),
			zap.String("record", f.Task.Record),
			zap.Error(f.Err),
		)
	}
	u.logger.Info("run finished",
		zap.Int("tasks", len(tasks)),
		zap.Int("updated", report.Count(Updated)),
		zap.Int("unchanged", report.Count(Unchanged)),
		zap.Int("skipped", report.Count(Skipped)),
		zap.Int("failed", report.Count(Failed)),
	)
	return report
}

func (u *Updater) runTask(ctx context.Context, ip AddressSource, task Task, deadline time.Duration) (res Result) {
	res.Task = task
	defer func() {
		if v := recover(); v != nil {
			u.logger.Debug("task panicked", zap.String("stack", string(debug.Stack())))
			res.Outcome, res.Err = Failed, fmt.Errorf("panic: %v", v)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	res.Outcome, res.Err = u.UpdateOne(ctx, ip, task)
	if res.Err != nil {
		res.Outcome = Failed
	}
	return res
}

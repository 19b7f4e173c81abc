package execution

import (
	"context"
	"log/slog"
	"sort"

	"github.com/fairyhunter13/dotcelery/internal/task"
)

// Pipeline runs filters around task execution: executing phases in
// ascending order, executed and exception phases over the filters whose
// executing phase actually ran, in reverse (LIFO). The filter slice is
// fixed at construction; per-delivery state lives on the task.Context.
type Pipeline struct {
	filters []task.Filter
	logger  *slog.Logger
}

// NewPipeline sorts filters by ascending Order. The sort is stable so
// filters sharing an order keep their registration sequence.
func NewPipeline(filters []task.Filter, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	sorted := make([]task.Filter, len(filters))
	copy(sorted, filters)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order() < sorted[j].Order()
	})
	return &Pipeline{filters: sorted, logger: logger}
}

// RunExecuting runs executing phases in order until one fails, the context
// asks to skip or requeue, or all complete. It returns how many filters
// entered; the caller must hand that count back to RunExecuted so cleanup
// covers exactly the filters that ran.
func (p *Pipeline) RunExecuting(ctx context.Context, tc *task.Context) (entered int, err error) {
	for _, f := range p.filters {
		if err := f.OnExecuting(ctx, tc); err != nil {
			return entered, err
		}
		entered++
		if _, skip := tc.SkipRequested(); skip {
			break
		}
		if _, requeue := tc.RequeueRequested(); requeue {
			break
		}
	}
	return entered, nil
}

// RunExecuted unwinds the executed phases of the first entered filters in
// reverse. Errors are logged and swallowed so every cleanup runs.
func (p *Pipeline) RunExecuted(ctx context.Context, tc *task.Context, entered int) {
	for i := entered - 1; i >= 0; i-- {
		if err := p.filters[i].OnExecuted(ctx, tc); err != nil {
			p.logger.Error("filter executed phase failed",
				slog.String("task_id", tc.TaskID()),
				slog.Int("order", p.filters[i].Order()),
				slog.Any("error", err))
		}
	}
}

// RunException offers cause to the entered filters' exception hooks in
// reverse. It reports whether any filter handled the failure. Panics in a
// hook would break the unwind chain, so hooks are expected not to panic.
func (p *Pipeline) RunException(ctx context.Context, tc *task.Context, entered int, cause error) bool {
	for i := entered - 1; i >= 0; i-- {
		ef, ok := p.filters[i].(task.ExceptionFilter)
		if !ok {
			continue
		}
		if ef.OnException(ctx, tc, cause) {
			return true
		}
	}
	return false
}

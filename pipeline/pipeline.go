// Package pipeline runs the ordered pre-execution mutations applied to
// the instrument's control database before each run. Steps register
// paired cleanup handlers; on the first failure the cleanups of the
// steps that already succeeded run in reverse order, which makes the
// pre-state mutations transactional at the pipeline level even though
// the individual writes are not.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/evolab/labscheduler/core"
)

// Result is what a step handler returns. A nil Cleanup means the step
// has nothing to undo.
type Result struct {
	Success bool
	Message string
	Cleanup func(ctx context.Context) error
}

// Handler executes one pre-execution step. args carries the csv
// arguments parsed from the step token.
type Handler func(ctx context.Context, schedule *core.Schedule, args []string) Result

// Registry maps normalised step names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   core.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{handlers: map[string]Handler{}, logger: logger}
}

// Register adds a handler under the normalised form of name.
func (r *Registry) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[normalizeStepName(name)] = handler
}

// Lookup resolves a handler; name comparison is case- and
// separator-insensitive ("ScheduledToRun" == "scheduled_to_run").
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[normalizeStepName(name)]
	return h, ok
}

// normalizeStepName lowercases and strips separators so token authors
// are free to use any of the spellings in circulation.
func normalizeStepName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch r {
		case '_', '-', ' ':
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

// parseStepToken splits "<name>[:<csv-args>]" into its parts.
func parseStepToken(token string) (name string, args []string) {
	name, rest, found := strings.Cut(token, ":")
	name = strings.TrimSpace(name)
	if !found {
		return name, nil
	}
	for _, part := range strings.Split(rest, ",") {
		args = append(args, strings.TrimSpace(part))
	}
	return name, args
}

// CleanupFunc undoes the pipeline's successful steps in reverse order.
// It is safe to call more than once; later calls are no-ops.
type CleanupFunc func(ctx context.Context)

// Run executes the schedule's prerequisites in order. On success it
// returns the cleanup function the caller must invoke after the run
// finishes. On the first failing step it runs the accumulated cleanups
// itself and returns an error carrying that step's message.
func (r *Registry) Run(ctx context.Context, schedule *core.Schedule) (CleanupFunc, error) {
	var cleanups []func(ctx context.Context) error
	var cleanupNames []string

	runCleanups := func(ctx context.Context) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](ctx); err != nil {
				r.logger.Warn("pipeline cleanup failed", map[string]interface{}{
					"schedule_id": schedule.ScheduleID,
					"step":        cleanupNames[i],
					"error":       err.Error(),
				})
			}
		}
		cleanups = nil
	}

	for _, token := range schedule.Prerequisites {
		name, args := parseStepToken(token)
		handler, ok := r.Lookup(name)
		if !ok {
			runCleanups(ctx)
			return nil, core.ValidationError("prerequisites", fmt.Sprintf("unknown step %q", name))
		}

		result := handler(ctx, schedule, args)
		if !result.Success {
			r.logger.Error("pipeline step failed", map[string]interface{}{
				"schedule_id": schedule.ScheduleID,
				"step":        name,
				"message":     result.Message,
			})
			runCleanups(ctx)
			return nil, &core.Error{
				Op:      "pipeline.Run",
				Kind:    "validation",
				ID:      name,
				Message: result.Message,
				Err:     core.ErrValidation,
			}
		}

		r.logger.Debug("pipeline step succeeded", map[string]interface{}{
			"schedule_id": schedule.ScheduleID,
			"step":        name,
		})
		if result.Cleanup != nil {
			cleanups = append(cleanups, result.Cleanup)
			cleanupNames = append(cleanupNames, name)
		}
	}

	var once sync.Once
	return func(ctx context.Context) {
		once.Do(func() { runCleanups(ctx) })
	}, nil
}

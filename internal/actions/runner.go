package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"journeygate/internal/domain"
)

var ErrQueueFull = errors.New("action queue full")

// Executor performs an approved action against an external service.
type Executor interface {
	Execute(ctx context.Context, req domain.ActionRequest) (json.RawMessage, error)
}

type ExecutorFunc func(ctx context.Context, req domain.ActionRequest) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, req domain.ActionRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// ExecutorSet maps action type ids to executors.
type ExecutorSet map[string]Executor

// Runner executes gated requests on a bounded pool and reports each outcome.
// A queued request can be gated again before a worker picks it up, so
// Authorize, when set, runs right before each execution and returns the
// current request. Refused requests are dropped.
type Runner struct {
	Executors ExecutorSet
	Report    func(context.Context, domain.ActionResult) error
	Authorize func(ctx context.Context, id string) (domain.ActionRequest, error)
	Workers   int
	Logger    *slog.Logger
	Now       func() time.Time

	queue chan domain.ActionRequest
}

func NewRunner(execs ExecutorSet, report func(context.Context, domain.ActionResult) error, workers int, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		Executors: execs,
		Report:    report,
		Workers:   workers,
		Logger:    logger,
		Now:       time.Now,
		queue:     make(chan domain.ActionRequest, 256),
	}
}

// Submit enqueues without blocking.
func (r *Runner) Submit(req domain.ActionRequest) error {
	select {
	case r.queue <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is canceled, then waits for in-flight work.
func (r *Runner) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(r.Workers)
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case queued := <-r.queue:
			g.Go(func() error {
				req := queued
				if r.Authorize != nil {
					current, err := r.Authorize(ctx, req.ID)
					if err != nil {
						r.Logger.Warn("queued action refused", "action_id", req.ID, "type", req.Type, "err", err)
						return nil
					}
					req = current
				}
				res := r.Execute(ctx, req)
				if r.Report == nil {
					return nil
				}
				if err := r.Report(context.WithoutCancel(ctx), res); err != nil {
					r.Logger.Error("report action result", "action_id", req.ID, "err", err)
				}
				return nil
			})
		}
	}
}

// Execute runs one request synchronously and always yields a result.
func (r *Runner) Execute(ctx context.Context, req domain.ActionRequest) (res domain.ActionResult) {
	res.ActionID = req.ID
	defer func() {
		if p := recover(); p != nil {
			res.Success = false
			res.Result = nil
			res.Error = fmt.Sprintf("executor panic: %v", p)
		}
		res.ExecutedAt = r.now().UTC().Format(time.RFC3339)
	}()
	exec, ok := r.Executors[req.Type]
	if !ok {
		res.Error = fmt.Sprintf("no executor registered for %s", req.Type)
		return res
	}
	out, err := exec.Execute(ctx, req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Result = out
	return res
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

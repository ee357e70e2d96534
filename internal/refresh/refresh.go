// Package refresh runs periodic work that is owned by a consumer: the loop
// lives exactly as long as the context it was started with, or until Stop.
package refresh

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type Func func(ctx context.Context) error

type Runner struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

type Options struct {
	Name     string
	Interval time.Duration
	// Immediate runs fn once before the first tick.
	Immediate bool
	// Timeout bounds one run; defaults to Interval.
	Timeout time.Duration
}

func Start(parent context.Context, opts Options, fn Func) *Runner {
	ctx, cancel := context.WithCancel(parent)
	r := &Runner{name: opts.Name, cancel: cancel, done: make(chan struct{})}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = opts.Interval
	}

	go func() {
		defer close(r.done)
		if opts.Immediate {
			r.runOnce(ctx, timeout, fn)
		}
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runOnce(ctx, timeout, fn)
			}
		}
	}()
	return r
}

func (r *Runner) runOnce(ctx context.Context, timeout time.Duration, fn Func) {
	if ctx.Err() != nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := fn(runCtx); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("task", r.name).Msg("periodic task failed")
	}
}

// Stop cancels the loop and waits for an in-flight run to return.
func (r *Runner) Stop() {
	r.cancel()
	<-r.done
}

func (r *Runner) Done() <-chan struct{} {
	return r.done
}

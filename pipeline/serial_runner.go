package pipeline

import (
	"context"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xsync"
)

type task func(ctx context.Context)

// serialRunner executes posted tasks one by one on a dedicated goroutine.
// Posting never blocks: the queue is unbounded.
type serialRunner struct {
	name     string
	locker   xsync.Mutex
	tasks    []task
	isClosed bool
	wakeupCh chan struct{}
	doneCh   chan struct{}
}

func newSerialRunner(
	ctx context.Context,
	name string,
) *serialRunner {
	r := &serialRunner{
		name:     name,
		wakeupCh: make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}
	observability.Go(ctx, func(ctx context.Context) {
		defer close(r.doneCh)
		r.loop(ctx)
	})
	return r
}

// Post enqueues the task; it returns false if the runner is already closed.
func (r *serialRunner) Post(
	ctx context.Context,
	t task,
) bool {
	ok := xsync.DoR1(xsync.WithNoLogging(ctx, true), &r.locker, func() bool {
		if r.isClosed {
			return false
		}
		r.tasks = append(r.tasks, t)
		return true
	})
	if !ok {
		logger.Tracef(ctx, "%s: the runner is closed, the task is rejected", r.name)
		return false
	}
	r.wakeup()
	return true
}

func (r *serialRunner) wakeup() {
	select {
	case r.wakeupCh <- struct{}{}:
	default:
	}
}

// Close stops accepting new tasks, including the ones posted by a task
// which is running at the moment. The tasks already queued are still
// executed; the returned channel is closed after the last of them.
func (r *serialRunner) Close(ctx context.Context) <-chan struct{} {
	xsync.DoR1(xsync.WithNoLogging(ctx, true), &r.locker, func() struct{} {
		r.isClosed = true
		return struct{}{}
	})
	r.wakeup()
	return r.doneCh
}

func (r *serialRunner) Done() <-chan struct{} {
	return r.doneCh
}

func (r *serialRunner) loop(ctx context.Context) {
	logger.Debugf(ctx, "%s: loop", r.name)
	defer func() { logger.Debugf(ctx, "/%s: loop", r.name) }()

	for {
		var (
			tasks    []task
			isClosed bool
		)
		r.locker.Do(xsync.WithNoLogging(ctx, true), func() {
			tasks, r.tasks = r.tasks, nil
			isClosed = r.isClosed
		})

		for _, t := range tasks {
			t(ctx)
		}
		if len(tasks) != 0 {
			continue
		}
		if isClosed {
			return
		}

		select {
		case <-r.wakeupCh:
		case <-ctx.Done():
			logger.Debugf(ctx, "%s: %v", r.name, ctx.Err())
			r.locker.Do(xsync.WithNoLogging(ctx, true), func() {
				r.isClosed = true
			})
		}
	}
}

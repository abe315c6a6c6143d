package connmgr

import (
	"context"
	"sync/atomic"

	"grimm.is/apmux/internal/poll"
)

const (
	wakeCancel  = 'C'
	wakeRecheck = 'R'
)

type taskRole uint8

const (
	roleListener taskRole = iota + 1
	roleMonitor
)

func (r taskRole) String() string {
	if r == roleListener {
		return "listener"
	}
	return "monitor"
}

type taskKey struct{}

// task is a background loop. It is stopped by setting the stopping flag,
// writing a byte to its waker and joining.
type task struct {
	role     taskRole
	waker    *poll.Waker
	stopping atomic.Bool
	done     chan struct{}
}

func startTask(role taskRole, run func(ctx context.Context, t *task)) (*task, error) {
	w, err := poll.NewWaker()
	if err != nil {
		return nil, err
	}
	t := &task{role: role, waker: w, done: make(chan struct{})}
	ctx := context.WithValue(context.Background(), taskKey{}, t)
	go func() {
		defer close(t.done)
		run(ctx, t)
	}()
	return t, nil
}

func (t *task) stop() {
	t.stopping.Store(true)
	t.waker.Signal(wakeCancel)
	<-t.done
	t.waker.Close()
}

func taskFrom(ctx context.Context) *task {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(taskKey{}).(*task)
	return t
}

// IsListenerContext reports whether ctx belongs to the listener task, that
// is whether the caller is running inside an event callback.
func IsListenerContext(ctx context.Context) bool {
	t := taskFrom(ctx)
	return t != nil && t.role == roleListener
}

// IsBackgroundContext reports whether ctx belongs to either background task.
func IsBackgroundContext(ctx context.Context) bool {
	return taskFrom(ctx) != nil
}

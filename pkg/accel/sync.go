package accel

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Run is one dispatched kernel invocation.
type Run struct {
	ctx     *Context
	id      uuid.UUID
	kernel  int
	done    chan struct{}
	err     error
	buffers []*DeviceBuffer
	settled bool
}

func newRun(c *Context, kernel int, result <-chan error, bufs []*DeviceBuffer) *Run {
	r := &Run{
		ctx:     c,
		id:      uuid.New(),
		kernel:  kernel,
		done:    make(chan struct{}),
		buffers: bufs,
	}
	go func() {
		r.err = <-result
		close(r.done)
	}()
	return r
}

func (r *Run) ID() uuid.UUID { return r.id }
func (r *Run) Kernel() int   { return r.kernel }

// Done is closed when the invocation has finished on the device.
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) await() error {
	<-r.done
	return r.err
}

// Wait blocks until the invocation completes. An execution fault marks the
// kernel instance and the run's buffers faulted and reports EXEC_FAILED.
func (r *Run) Wait() error {
	err := r.await()
	c := r.ctx
	c.settle(r)
	c.forget(r)
	if err != nil {
		return wrap(StatusExecFailed, "wait", fmt.Errorf("run %s: %w", r.id, err))
	}
	return nil
}

// settle applies a finished run's outcome to the host-side state.
func (c *Context) settle(r *Run) {
	if r.settled {
		return
	}
	r.settled = true
	for _, b := range r.buffers {
		if b.pending == r {
			b.pending = nil
		}
		if r.err != nil && !b.freed {
			b.fault = r.err
		}
	}
	if r.err != nil {
		if r.kernel < len(c.faulted) && c.faulted[r.kernel] == nil {
			c.faulted[r.kernel] = r.err
		}
		c.log.Warn("kernel run failed", "run", r.id.String(), "kernel", r.kernel, "error", r.err)
	}
}

func (c *Context) forget(r *Run) {
	if r.kernel >= len(c.pending) {
		return
	}
	c.pending[r.kernel] = slices.DeleteFunc(c.pending[r.kernel], func(p *Run) bool { return p == r })
}

// track records r as outstanding, dropping runs that already finished
// cleanly so the list stays bounded by the device queue.
func (c *Context) track(r *Run) {
	runs := c.pending[r.kernel]
	runs = slices.DeleteFunc(runs, func(p *Run) bool {
		select {
		case <-p.done:
			if p.err != nil {
				return false
			}
			c.settle(p)
			return true
		default:
			return false
		}
	})
	c.pending[r.kernel] = append(runs, r)
}

// waitBuffer waits for every outstanding run that uses b, on any
// instance. The runs stay tracked so Synchronize still reports them.
func (c *Context) waitBuffer(b *DeviceBuffer) {
	for i := range c.pending {
		for _, r := range c.pending[i] {
			if slices.Contains(r.buffers, b) {
				_ = r.await()
				c.settle(r)
			}
		}
	}
}

// Synchronize blocks until every outstanding invocation on every kernel
// instance has completed. All instances are waited out even when one of
// them fails; the first failure is reported as EXEC_FAILED.
func (c *Context) Synchronize() error {
	const op = "synchronize"
	if err := c.usable(op); err != nil {
		return err
	}
	var g errgroup.Group
	for i := range c.pending {
		runs := slices.Clone(c.pending[i])
		g.Go(func() error {
			return awaitAll(runs)
		})
	}
	err := g.Wait()
	for i := range c.pending {
		for _, r := range c.pending[i] {
			c.settle(r)
		}
		c.pending[i] = nil
	}
	if err != nil {
		return wrap(StatusExecFailed, op, err)
	}
	return nil
}

// SynchronizeKernel waits for the outstanding invocations of one instance.
func (c *Context) SynchronizeKernel(kernel int) error {
	const op = "synchronize kernel"
	if err := c.usable(op); err != nil {
		return err
	}
	if err := c.checkKernel(op, kernel); err != nil {
		return err
	}
	runs := c.pending[kernel]
	err := awaitAll(runs)
	for _, r := range runs {
		c.settle(r)
	}
	c.pending[kernel] = nil
	if err != nil {
		return wrap(StatusExecFailed, op, err)
	}
	return nil
}

// awaitAll waits for every run and returns the first failure in issue order.
func awaitAll(runs []*Run) error {
	var first error
	for _, r := range runs {
		if err := r.await(); err != nil && first == nil {
			first = fmt.Errorf("run %s on kernel %d: %w", r.id, r.kernel, err)
		}
	}
	return first
}

// ResetKernel waits out the instance's queue and clears its fault so it
// accepts dispatches again. Buffers that took part in a failed run stay
// faulted; free and reallocate them.
func (c *Context) ResetKernel(kernel int) error {
	const op = "reset kernel"
	if err := c.usable(op); err != nil {
		return err
	}
	if err := c.checkKernel(op, kernel); err != nil {
		return err
	}
	for _, r := range c.pending[kernel] {
		_ = r.await()
		c.settle(r)
	}
	c.pending[kernel] = nil
	if c.faulted[kernel] != nil {
		c.log.Info("kernel reset", "kernel", kernel, "fault", c.faulted[kernel])
	}
	c.faulted[kernel] = nil
	return nil
}

package push

import (
	"context"
)

// Enqueue queues a job for the background workers without blocking. It
// reports false when the queue is full or the dispatcher is stopped; the job
// is dropped and counted in that case.
func (d *Dispatcher) Enqueue(job Job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.metrics.ObserveJobDropped("stopped")
		return false
	}
	select {
	case d.queue <- job:
		d.metrics.SetQueueDepth(len(d.queue))
		return true
	default:
		d.metrics.ObserveJobDropped("queue_full")
		d.logger.Warn("push queue full, dropping job",
			"address", job.Notification.Address.String(), "users", len(job.Users))
		return false
	}
}

// Start begins the worker loops. Jobs enqueued before Start are kept.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	ctx, d.cancel = context.WithCancel(ctx)

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for job := range d.queue {
		d.metrics.SetQueueDepth(len(d.queue))
		outcomes := d.Dispatch(ctx, job.Users, job.Notification)
		if d.reporter != nil {
			d.reporter(job, outcomes)
		}
	}
}

// Stop closes the queue and waits for queued jobs to drain. If ctx ends
// first, in-flight sends are cancelled and their tokens reported transient.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	cancel := d.cancel
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if cancel != nil {
			cancel()
		}
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
		return ctx.Err()
	}
}

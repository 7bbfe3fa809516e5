package txqueue

import (
	"context"
	"log/slog"
)

// Driver executes pending transactions whenever the queue changes. The queue
// never schedules itself; some caller has to run a Driver or call Drain.
type Driver struct {
	queue  *Queue
	logger *slog.Logger
}

func NewDriver(queue *Queue, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{queue: queue, logger: logger}
}

// Run blocks until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	d.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.queue.Changed():
			d.Drain(ctx)
		}
	}
}

// Drain calls ExecuteNext until nothing more runs and returns how many
// transactions were executed.
func (d *Driver) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil && d.queue.ExecuteNext(ctx) {
		n++
	}
	if n > 0 {
		d.logger.Debug("queue drained", "executed", n)
	}
	return n
}

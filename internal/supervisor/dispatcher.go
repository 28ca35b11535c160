package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/shared"
)

// Dispatcher claims QUEUED tasks and hands each one to a Supervisor
// goroutine, bounded by the worker count.
type Dispatcher struct {
	store      *persistence.Store
	supervisor *Supervisor
	bus        *bus.Bus
	logger     *slog.Logger
	workers    int

	// pollInterval bounds how long a queued task waits when the wake
	// event was missed.
	pollInterval time.Duration
}

func NewDispatcher(store *persistence.Store, sup *Supervisor, eventBus *bus.Bus, logger *slog.Logger, workers int) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 4
	}
	return &Dispatcher{
		store:        store,
		supervisor:   sup,
		bus:          eventBus,
		logger:       logger,
		workers:      workers,
		pollInterval: time.Second,
	}
}

// Run claims and supervises tasks until ctx is done, then waits for
// in-flight supervisors to stop.
func (d *Dispatcher) Run(ctx context.Context) {
	sem := make(chan struct{}, d.workers)
	var wg sync.WaitGroup

	sub := d.bus.Subscribe(bus.TopicTaskStateChanged)
	defer d.bus.Unsubscribe(sub)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started", "workers", d.workers)
	for {
		d.drainQueue(ctx, sem, &wg)
		select {
		case <-ctx.Done():
			wg.Wait()
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
		case ev, ok := <-sub.Ch():
			if !ok {
				wg.Wait()
				return
			}
			// Only a fresh enqueue needs an early wake.
			if change, isChange := ev.Payload.(bus.TaskStateChangedEvent); isChange &&
				change.NewStatus != string(persistence.TaskStatusQueued) {
				continue
			}
		}
	}
}

// drainQueue claims tasks while workers are free and the queue is
// non-empty.
func (d *Dispatcher) drainQueue(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		default:
			return // all workers busy
		}

		task, err := d.store.ClaimNextQueued(ctx)
		if err != nil {
			<-sem
			d.logger.Error("claim queued task failed", "error", err)
			return
		}
		if task == nil {
			<-sem
			return
		}

		wg.Add(1)
		go func(task *persistence.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			runCtx := shared.WithTraceID(ctx, shared.NewTraceID())
			if _, err := d.supervisor.Run(runCtx, task); err != nil && !errors.Is(err, errAborted) {
				d.logger.Error("supervision failed", "task_id", task.ID, "error", err)
			}
		}(task)
	}
}

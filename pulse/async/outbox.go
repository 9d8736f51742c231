package async

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
)

const (
	// DefaultOutboxBuffer is the number of undelivered events held before new ones are dropped
	DefaultOutboxBuffer = 1024

	// maxDispatchBatch bounds how many queued events one dispatch pass coalesces
	maxDispatchBatch = 256
)

// StatsSource computes the stats carried by statsUpdated
type StatsSource interface {
	ComputeStats(ctx context.Context, projectID, ownerID string) (Stats, error)
}

// Outbox decouples engine transitions from delivery. Append never blocks; a
// single dispatcher publishes in append order, so the events of one operation
// reach each subscriber in the order they were issued.
type Outbox struct {
	events    chan Event
	publisher Publisher
	stats     StatsSource
	logger    *zap.SugaredLogger

	mu      sync.RWMutex // guards closed against Append racing Close
	closed  bool
	pending sync.WaitGroup
	done    chan struct{}

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewOutbox creates an outbox. Call Start before appending.
func NewOutbox(publisher Publisher, stats StatsSource, log *zap.SugaredLogger, buffer int) *Outbox {
	if buffer <= 0 {
		buffer = DefaultOutboxBuffer
	}
	if log == nil {
		log = logger.Logger
	}
	return &Outbox{
		events:    make(chan Event, buffer),
		publisher: publisher,
		stats:     stats,
		logger:    logger.AddPulseSymbol(log.Named("outbox")),
		done:      make(chan struct{}),
	}
}

// Start runs the dispatcher until Close
func (o *Outbox) Start(ctx context.Context) {
	go o.run(ctx)
}

// Append queues events for delivery. When the buffer is full the event is
// dropped and counted; the caller's transition has already committed.
func (o *Outbox) Append(events ...Event) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for _, ev := range events {
		if o.closed {
			o.dropped.Add(1)
			continue
		}
		o.pending.Add(1)
		select {
		case o.events <- ev:
		default:
			o.pending.Done()
			o.dropped.Add(1)
			o.logger.Warnw("Outbox full, dropping event",
				logger.FieldEventType, ev.Type,
				logger.FieldProjectID, ev.ProjectID,
				"dropped_total", o.dropped.Load())
		}
	}
}

// Flush blocks until every appended event has been dispatched.
// Call it at a quiescent point; events appended concurrently may be missed.
func (o *Outbox) Flush() {
	o.pending.Wait()
}

// Close stops accepting events, drains what is queued and stops the dispatcher
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.events)
	o.mu.Unlock()
	<-o.done
}

// Dropped returns the number of events discarded because the buffer was full
func (o *Outbox) Dropped() int64 { return o.dropped.Load() }

// Failed returns the number of publish calls that errored or panicked
func (o *Outbox) Failed() int64 { return o.failed.Load() }

func (o *Outbox) run(ctx context.Context) {
	defer close(o.done)

	for {
		ev, ok := <-o.events
		if !ok {
			return
		}

		batch := []Event{ev}
		open := true
	drain:
		for len(batch) < maxDispatchBatch {
			select {
			case next, more := <-o.events:
				if !more {
					open = false
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}

		for _, out := range coalesce(batch) {
			o.dispatch(ctx, out)
		}
		o.pending.Add(-len(batch))

		if !open {
			return
		}
	}
}

// coalesce merges statsUpdated events for the same project into the last one
// of the batch, summing cancelled counts. Job events keep their order and
// every merged stats event still follows the job events it summarises.
func coalesce(batch []Event) []Event {
	lastStats := make(map[string]int)
	cancelled := make(map[string]int)
	for i, ev := range batch {
		if ev.Type == EventStatsUpdated {
			lastStats[ev.ProjectID] = i
			cancelled[ev.ProjectID] += ev.Cancelled
		}
	}

	out := make([]Event, 0, len(batch))
	for i, ev := range batch {
		if ev.Type == EventStatsUpdated {
			if lastStats[ev.ProjectID] != i {
				continue
			}
			ev.Cancelled = cancelled[ev.ProjectID]
		}
		out = append(out, ev)
	}
	return out
}

func (o *Outbox) dispatch(ctx context.Context, ev Event) {
	if ev.Type == EventStatsUpdated {
		stats, err := o.stats.ComputeStats(ctx, ev.ProjectID, "")
		if err != nil {
			o.failed.Add(1)
			o.logger.Warnw("Failed to compute stats for notification",
				logger.FieldProjectID, ev.ProjectID,
				logger.FieldError, err)
			return
		}
		o.publish(ctx, ev.Type, StatsPayload{
			ProjectID:      ev.ProjectID,
			Queued:         stats.Queued,
			Processing:     stats.Processing,
			Total:          stats.Total,
			CancelledCount: ev.Cancelled,
			Timestamp:      time.Now().UTC(),
		}, ProjectRoom(ev.ProjectID))
		return
	}

	if ev.Job == nil {
		o.logger.Errorw("Dropping job event without payload", logger.FieldEventType, ev.Type)
		return
	}
	o.publish(ctx, ev.Type, *ev.Job, UserRoom(ev.OwnerID), ProjectRoom(ev.ProjectID))
}

// publish calls the publisher, absorbing errors and panics
func (o *Outbox) publish(ctx context.Context, eventType EventType, payload interface{}, rooms ...string) {
	defer func() {
		if r := recover(); r != nil {
			o.failed.Add(1)
			o.logger.Errorw("Publisher panicked",
				logger.FieldRoom, rooms,
				logger.FieldEventType, eventType,
				logger.FieldError, errors.Newf("panic: %v", r))
		}
	}()

	if err := o.publisher.Publish(ctx, eventType, payload, rooms...); err != nil {
		o.failed.Add(1)
		o.logger.Warnw("Publish failed",
			logger.FieldRoom, rooms,
			logger.FieldEventType, eventType,
			logger.FieldError, err)
	}
}

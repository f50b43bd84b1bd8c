// Package notify pushes workflow steps to live observers.
//
// Delivery is best-effort by contract: Publish never blocks the caller and never
// reports failure. Steps are queued and handed to each Sink by a single worker
// with a short per-delivery timeout; failures are logged and counted, and a full
// queue drops the step.
package notify

import (
	"context"
	"sync"
	"time"

	"claimline/internal/domain"
	"claimline/internal/logging"
	"claimline/internal/metrics"
)

const (
	defaultQueueSize = 256
	defaultTimeout   = 2 * time.Second
)

// Sink receives steps. Deliver may fail; the publisher swallows the error.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, step domain.WorkflowStep) error
}

// Notifier is the publish side seen by the event log.
type Notifier interface {
	Publish(step domain.WorkflowStep)
}

// Nop discards every step.
type Nop struct{}

func (Nop) Publish(domain.WorkflowStep) {}

type Options struct {
	QueueSize int
	Timeout   time.Duration
	Logger    *logging.Logger
	Metrics   *metrics.WorkflowMetrics
}

type Publisher struct {
	sinks   []Sink
	queue   chan domain.WorkflowStep
	timeout time.Duration
	logger  *logging.Logger
	metrics *metrics.WorkflowMetrics

	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewPublisher starts the delivery worker.
func NewPublisher(opts Options, sinks ...Sink) *Publisher {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	p := &Publisher{
		sinks:   sinks,
		queue:   make(chan domain.WorkflowStep, size),
		timeout: timeout,
		logger:  logger,
		metrics: opts.Metrics,
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues step for delivery without waiting. The result of delivery is
// intentionally unobservable to the caller.
func (p *Publisher) Publish(step domain.WorkflowStep) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- step:
	default:
		p.logger.Warn("notify: queue full, dropping step", "claim_id", step.ClaimID, "ordinal", step.Ordinal)
		p.metrics.ObserveNotifyFailure("queue", "dropped")
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for step := range p.queue {
		for _, sink := range p.sinks {
			p.deliver(sink, step)
		}
	}
}

func (p *Publisher) deliver(sink Sink, step domain.WorkflowStep) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := sink.Deliver(ctx, step); err != nil {
		p.logger.Warn("notify: delivery failed", "sink", sink.Name(), "claim_id", step.ClaimID, "ordinal", step.Ordinal, "error", err)
		p.metrics.ObserveNotifyFailure(sink.Name(), "delivery")
	}
}

// Close stops accepting steps and waits for queued deliveries up to ctx.
func (p *Publisher) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

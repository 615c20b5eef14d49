package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/stepflow/pkg/eventbus"
	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/otelhelper"
	"go.opentelemetry.io/otel/trace"
)

type options struct {
	publisher  eventbus.EventPublisher
	tracer     trace.Tracer
	jobTimeout time.Duration
	workerID   string
	now        func() time.Time
}

// Option configures the optional collaborators of the builder, executor,
// aggregator and reaper. Each component ignores options it has no use for.
type Option func(*options)

// WithPublisher sends lifecycle events through publisher.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(o *options) {
		o.publisher = publisher
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithJobTimeout bounds every job invocation. Zero means no limit.
func WithJobTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.jobTimeout = timeout
	}
}

func WithWorkerID(workerID string) Option {
	return func(o *options) {
		o.workerID = workerID
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func newOptions(opts []Option) options {
	o := options{
		tracer: otelhelper.NoopTracer(),
		now:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// notifier publishes events when a publisher is configured. Failures are
// logged and never reach the caller.
type notifier struct {
	publisher eventbus.EventPublisher
	workerID  string
	logger    *slog.Logger
}

func newNotifier(logger *slog.Logger, o options) *notifier {
	return &notifier{publisher: o.publisher, workerID: o.workerID, logger: logger}
}

// base stamps a new event with this process's worker id.
func (n *notifier) base(eventType events.EventType, workflowID string) events.BaseEvent {
	base := events.NewBaseEvent(eventType, workflowID)
	base.WorkerID = n.workerID

	return base
}

func (n *notifier) publish(ctx context.Context, key string, event eventbus.Event) {
	if n.publisher == nil {
		return
	}

	err := n.publisher.Publish(ctx, key, event)
	if err != nil {
		n.logger.WarnContext(ctx, "failed to publish event", "event_type", event.GetType(), "key", key, "error", err)
	}
}

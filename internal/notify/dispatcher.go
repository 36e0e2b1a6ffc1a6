package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/egm-detector/internal/trace"
)

// Message is a stabilized state change.
type Message struct {
	From string
	To   string
	At   time.Time
}

// Sink delivers one message to an external channel.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// Dispatcher queues messages and delivers them from a single worker.
// Notify never blocks: when the queue is full the message is dropped.
type Dispatcher struct {
	sink    Sink
	queue   chan Message
	timeout time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	drainCtx context.Context
	wg       sync.WaitGroup

	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher creates a dispatcher around sink.
func NewDispatcher(sink Sink, queueSize int, timeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Dispatcher{
		sink:    sink,
		queue:   make(chan Message, queueSize),
		timeout: timeout,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.loop()
}

// Notify enqueues a state change. It reports false when the message was
// dropped because the queue is full or the dispatcher is stopped.
func (d *Dispatcher) Notify(from, to string, at time.Time) bool {
	select {
	case <-d.stopCh:
		d.dropped.Add(1)
		return false
	default:
	}

	select {
	case d.queue <- Message{From: from, To: to, At: at}:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Stop stops accepting messages, delivers what is queued until ctx is done
// and discards the rest.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.stopOnce.Do(func() {
		d.drainCtx = ctx
		close(d.stopCh)
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Status is a snapshot of dispatcher counters for the API and shutdown log.
type Status struct {
	Delivered int64          `json:"delivered"`
	Dropped   int64          `json:"dropped"`
	Failed    int64          `json:"failed"`
	Circuit   *CircuitStatus `json:"circuit,omitempty"`
}

// circuitReporter is implemented by sinks guarded by a circuit breaker.
type circuitReporter interface {
	Circuit() CircuitStatus
}

// Status reports the counters and, when the sink has one, its circuit.
func (d *Dispatcher) Status() Status {
	st := Status{
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Failed:    d.failed.Load(),
	}
	if cr, ok := d.sink.(circuitReporter); ok {
		c := cr.Circuit()
		st.Circuit = &c
	}
	return st
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case msg := <-d.queue:
			d.deliver(context.Background(), msg)
		case <-d.stopCh:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case msg := <-d.queue:
			if d.drainCtx.Err() != nil {
				d.dropped.Add(1)
				continue
			}
			d.deliver(d.drainCtx, msg)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(parent context.Context, msg Message) {
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	ctx, span := trace.StartSpan(ctx, "notify_deliver")
	defer span.Finish()
	span.SetAttr("from", msg.From)
	span.SetAttr("to", msg.To)

	if err := d.sink.Deliver(ctx, msg); err != nil {
		d.failed.Add(1)
		span.SetAttr("error", err.Error())
		trace.Logger(ctx).Warn("notification failed", "from", msg.From, "to", msg.To, "error", err)
		return
	}
	d.delivered.Add(1)
	trace.Logger(ctx).Debug("notification delivered", "to", msg.To)
}

package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fmtmentor/server/internal/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DispatcherConfig tunes the worker pool
type DispatcherConfig struct {
	Workers       int
	QueueSize     int
	Timeout       time.Duration
	RatePerSecond float64
	// MaxFailures consecutive errors open a channel's breaker
	MaxFailures uint32
	// BreakerCooldown is how long an open breaker rejects sends
	BreakerCooldown time.Duration
}

// Dispatcher fans messages out to per-channel senders from a bounded queue.
// Each send gets its own timeout, passes the outbound rate limiter and runs inside
// that channel's circuit breaker.
type Dispatcher struct {
	senders  map[Channel]Sender
	breakers map[Channel]*gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	timeout  time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics

	queue     chan Message
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts cfg.Workers goroutines
func NewDispatcher(cfg DispatcherConfig, senders map[Channel]Sender, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	d := &Dispatcher{
		senders:  senders,
		breakers: make(map[Channel]*gobreaker.CircuitBreaker, len(senders)),
		limiter:  rate.NewLimiter(limit, cfg.Workers),
		timeout:  cfg.Timeout,
		log:      log,
		metrics:  m,
		queue:    make(chan Message, cfg.QueueSize),
		done:     make(chan struct{}),
	}

	for ch := range senders {
		maxFailures := cfg.MaxFailures
		d.breakers[ch] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ch.String(),
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("notification breaker state", zap.String("channel", name),
					zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
	}

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch enqueues msg without blocking; a full queue drops the message
func (d *Dispatcher) Dispatch(msg Message) {
	if d.closed.Load() {
		return
	}
	select {
	case d.queue <- msg:
	case <-d.done:
	default:
		d.dropped.Add(1)
		d.metrics.Notification(msg.Channel.String(), "dropped")
		d.log.Warn("notification queue full, dropping message",
			zap.String("channel", msg.Channel.String()), zap.String("to", maskDestination(msg)))
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case msg := <-d.queue:
			d.deliver(msg)
		case <-d.done:
			for {
				select {
				case msg := <-d.queue:
					d.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("notification sender panicked", zap.Any("panic", r), zap.String("channel", msg.Channel.String()))
		}
	}()

	channel := msg.Channel.String()
	sender, ok := d.senders[msg.Channel]
	if !ok {
		d.metrics.Notification(channel, "no_sender")
		d.log.Warn("no sender for channel", zap.String("channel", channel))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.limiter.Wait(ctx); err != nil {
		d.metrics.Notification(channel, "rate_limited")
		d.log.Warn("notification rate limit wait failed", zap.String("channel", channel), zap.Error(err))
		return
	}

	_, err := d.breakers[msg.Channel].Execute(func() (interface{}, error) {
		return nil, sender.Send(ctx, msg)
	})
	switch {
	case err == nil:
		d.metrics.Notification(channel, "sent")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		d.metrics.Notification(channel, "circuit_open")
		d.log.Warn("notification skipped, circuit open", zap.String("channel", channel), zap.String("to", maskDestination(msg)))
	default:
		d.metrics.Notification(channel, "failed")
		d.log.Error("notification delivery failed", zap.String("channel", channel),
			zap.String("to", maskDestination(msg)), zap.Error(err))
	}
}

// Dropped reports messages discarded because the queue was full
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops accepting messages, drains the queue and waits for workers
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

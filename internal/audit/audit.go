// Package audit records security-relevant auth events off the request path.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventType names an auth event
type EventType string

const (
	EventRegistered      EventType = "user.registered"
	EventLoginPassword   EventType = "login.password_verified"
	EventLoginFailed     EventType = "login.failed"
	EventLoginSucceeded  EventType = "login.succeeded"
	EventAccountLocked   EventType = "account.locked"
	EventOtpLocked       EventType = "otp.locked"
	EventLogout          EventType = "logout"
	EventTokenRotated    EventType = "token.rotated"
	EventTokenMismatch   EventType = "token.device_mismatch"
	EventTokensRevoked   EventType = "token.revoked_all"
	EventDeviceRevoked   EventType = "device.revoked"
	EventDevicesSwept    EventType = "device.swept"
	EventStreamingDenied EventType = "device.streaming_denied"
)

// Event is one audit record. Identifiers are masked before they reach a sink.
type Event struct {
	Type     EventType         `json:"type"`
	At       time.Time         `json:"at"`
	UserID   string            `json:"userId,omitempty"`
	DeviceID string            `json:"deviceId,omitempty"`
	Subject  string            `json:"subject,omitempty"`
	IP       string            `json:"ip,omitempty"`
	Detail   map[string]string `json:"detail,omitempty"`
}

// Sink receives events from the dispatcher goroutine
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// Recorder is what services depend on
type Recorder interface {
	Record(event Event)
}

// Nop discards events
type Nop struct{}

func (Nop) Record(Event) {}

// LogSink writes events to the structured log
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("audit")}
}

func (s *LogSink) Emit(_ context.Context, e Event) error {
	s.log.Info(string(e.Type),
		zap.Time("at", e.At),
		zap.String("user_id", e.UserID),
		zap.String("device_id", e.DeviceID),
		zap.String("subject", e.Subject),
		zap.String("ip", e.IP),
		zap.Any("detail", e.Detail),
	)
	return nil
}

// KafkaSink publishes events as JSON keyed by user id
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (s *KafkaSink) Emit(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	msg := kafka.Message{Key: []byte(e.UserID), Value: value, Time: e.At}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// Dispatcher buffers events and hands them to a sink on one goroutine.
// Record never blocks: when the buffer is full the event is dropped and counted.
type Dispatcher struct {
	sink    Sink
	log     *zap.Logger
	timeout time.Duration

	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts the dispatcher goroutine
func NewDispatcher(sink Sink, bufferSize int, timeout time.Duration, log *zap.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &Dispatcher{
		sink:    sink,
		log:     log,
		timeout: timeout,
		ch:      make(chan Event, bufferSize),
		done:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case e := <-d.ch:
			d.emit(e)
		case <-d.done:
			for {
				select {
				case e := <-d.ch:
					d.emit(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) emit(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.sink.Emit(ctx, e); err != nil {
		d.log.Warn("audit emit failed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func (d *Dispatcher) Record(e Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case d.ch <- e:
	case <-d.done:
	default:
		d.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded because the buffer was full
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Close drains buffered events and stops the goroutine
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

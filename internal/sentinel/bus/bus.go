// Package bus implements Sentinel's in-process inter-agent message
// bus: typed topics (signal, decision, decisionCleared,
// threatBroadcast, executionSuccess, executionFailed, budget events)
// built on watermill's gochannel pub/sub. Watermill's gochannel blocks
// a publisher when a subscriber's output buffer fills, which would
// violate the "never block producer" contract, so every subscription
// here is wrapped by a bounded, non-blocking forwarder goroutine that
// drops the oldest queued message on overflow and counts the drop.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Topic names are part of the public event contract.
const (
	TopicSignal            = "signal"
	TopicDecision          = "decision"
	TopicDecisionCleared   = "decisionCleared"
	TopicThreatBroadcast   = "threatBroadcast"
	TopicExecutionSuccess  = "executionSuccess"
	TopicExecutionFailed   = "executionFailed"
	TopicProtectionExpired = "protectionExpired"
	TopicBudgetQuiet       = "budgetQuiet"
	TopicBudgetExhausted   = "budgetExhausted"
	TopicBudgetRefill      = "budgetRefill"
)

// subscriberQueueSize bounds each subscriber's pending-message queue;
// beyond this the forwarder drops the oldest unread message.
const subscriberQueueSize = 1024

// microFeePerMessage is the nominal per-message fee scalar the session
// layer accrues for observability. Settlement is out of scope; the
// accrued value is only ever reported through Stats.
const microFeePerMessage = 0.0001

// Handler receives a decoded payload for a topic. Handlers run on
// their own goroutine per subscription; a slow handler only delays
// itself, never the publisher or other subscribers.
type Handler func(payload any)

// topicCounters is one topic's message/drop accounting, exposed both
// via Prometheus and via the plain-value busStats query surface.
type topicCounters struct {
	messages uint64
	drops    uint64
}

// Bus is Sentinel's message bus: best-effort FIFO delivery per topic,
// drop-oldest backpressure, safe concurrent publish/subscribe.
type Bus struct {
	logger *zap.Logger
	pubsub *gochannel.GoChannel

	// payloads bridges typed Go values through watermill's []byte
	// message envelope: Publish stashes the value keyed by the
	// message's UUID and every subscriber's forwarder reads it back
	// out. Sentinel is entirely in-process, so no wire encoding is
	// needed. Entries expire on a short TTL rather than on first read
	// so that every subscriber of a topic sees the value.
	payloads *gocache.Cache

	mu          sync.Mutex
	counters    map[string]*topicCounters
	subscribers map[string]map[uint64]context.CancelFunc
	nextSubID   uint64

	messagesMetric *prometheus.CounterVec
	dropsMetric    *prometheus.CounterVec
}

// New constructs a Bus. reg may be nil to skip metrics registration
// (e.g. in tests).
func New(logger *zap.Logger, reg prometheus.Registerer) *Bus {
	wmLogger := watermill.NewStdLogger(false, false)
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 4096,
		Persistent:          false,
	}, wmLogger)

	messagesMetric := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_bus_messages_total",
		Help: "Messages published per bus topic.",
	}, []string{"topic"})
	dropsMetric := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_bus_drops_total",
		Help: "Messages dropped per bus topic due to a full subscriber queue.",
	}, []string{"topic"})
	if reg != nil {
		reg.MustRegister(messagesMetric, dropsMetric)
	}

	return &Bus{
		logger:         logger,
		pubsub:         pubsub,
		payloads:       gocache.New(time.Minute, 2*time.Minute),
		counters:       make(map[string]*topicCounters),
		subscribers:    make(map[string]map[uint64]context.CancelFunc),
		messagesMetric: messagesMetric,
		dropsMetric:    dropsMetric,
	}
}

func (b *Bus) counter(topic string) *topicCounters {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.counters[topic]
	if !ok {
		c = &topicCounters{}
		b.counters[topic] = c
	}
	return c
}

// Publish hands payload to every current subscriber of topic;
// subscribers that join later do not receive it. Publish never blocks
// on a slow subscriber.
func (b *Bus) Publish(topic string, payload any) error {
	id := uuid.NewString()
	b.payloads.SetDefault(id, payload)

	msg := message.NewMessage(id, nil)
	atomic.AddUint64(&b.counter(topic).messages, 1)
	if b.messagesMetric != nil {
		b.messagesMetric.WithLabelValues(topic).Inc()
	}
	if err := b.pubsub.Publish(topic, msg); err != nil {
		b.payloads.Delete(id)
		return err
	}
	return nil
}

// Subscribe registers handler for topic and returns an unsubscribe
// function. Subscribe/Unsubscribe are safe to call concurrently with
// Publish and with each other.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	queue := make(chan any, subscriberQueueSize)

	b.mu.Lock()
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[uint64]context.CancelFunc)
	}
	b.nextSubID++
	subID := b.nextSubID
	b.subscribers[topic][subID] = cancel
	b.mu.Unlock()

	// Forwarder: drains watermill's channel, resolves the payload, and
	// enqueues it into our bounded drop-oldest queue so a slow handler
	// never backs up the publisher.
	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				payload, _ := b.payloads.Get(m.UUID)
				m.Ack()
				enqueue(queue, payload, b.counter(topic), b.dropsMetric, topic)
			}
		}
	}()

	// Consumer: invokes handler sequentially, preserving FIFO order
	// for this subscriber.
	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case p := <-queue:
				handler(p)
			}
		}
	}()

	unsubscribe := func() {
		cancel()
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers[topic], subID)
	}
	return unsubscribe, nil
}

func enqueue(queue chan any, payload any, counters *topicCounters, dropsMetric *prometheus.CounterVec, topic string) {
	select {
	case queue <- payload:
		return
	default:
	}
	// Full: drop the oldest, then enqueue the new one.
	select {
	case <-queue:
		atomic.AddUint64(&counters.drops, 1)
		if dropsMetric != nil {
			dropsMetric.WithLabelValues(topic).Inc()
		}
	default:
	}
	select {
	case queue <- payload:
	default:
	}
}

// Stats reports per-topic message and drop counts for the busStats
// query surface.
func (b *Bus) Stats() map[string]TopicStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]TopicStats, len(b.counters))
	for topic, c := range b.counters {
		messages := atomic.LoadUint64(&c.messages)
		out[topic] = TopicStats{
			MessageCount: messages,
			Drops:        atomic.LoadUint64(&c.drops),
			MicroFees:    float64(messages) * microFeePerMessage,
		}
	}
	return out
}

// TopicStats is one topic's session accounting.
type TopicStats struct {
	MessageCount uint64
	Drops        uint64
	MicroFees    float64
}

// Close releases the underlying gochannel pub/sub.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

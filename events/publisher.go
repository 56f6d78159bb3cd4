// Package events publishes sealed transcript entries to Kafka. Without
// brokers it runs in log-only mode.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"scribe/log"
	"scribe/metrics"
	"scribe/transcript"
)

const queueSize = 64

type Config struct {
	Brokers   []string
	Topic     string
	Principal string
	Enabled   bool
}

// TranscriptEvent is the message value, keyed by session id.
type TranscriptEvent struct {
	EntryID   string    `json:"entry_id"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Status    string    `json:"status"`
	Favorite  bool      `json:"favorite,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func FromEntry(e transcript.Entry) TranscriptEvent {
	return TranscriptEvent{
		EntryID:   e.ID,
		SessionID: e.SessionID,
		Text:      e.Text,
		Status:    string(e.Status),
		Favorite:  e.Favorite,
		Timestamp: e.UpdatedAt,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer    messageWriter
	topic     string
	principal string
	enabled   bool
	metrics   *metrics.Metrics

	queue     chan TranscriptEvent
	mu        sync.Mutex
	published map[string]bool
	dropped   int
}

func New(cfg *Config, m *metrics.Metrics) *Publisher {
	p := &Publisher{
		metrics:   m,
		queue:     make(chan TranscriptEvent, queueSize),
		published: make(map[string]bool),
	}
	if cfg == nil {
		log.Info("kafka disabled (nil config), using log-only mode")
		return p
	}
	p.topic = cfg.Topic
	p.principal = cfg.Principal

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info("kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	p.enabled = true
	log.Infof("kafka publisher initialized: brokers=%v topic=%s", cfg.Brokers, cfg.Topic)
	return p
}

func (p *Publisher) Enabled() bool { return p.enabled }

// Observe is a transcript.Observer. It queues each entry the first time it
// is seen sealed and never blocks; a full queue drops the event.
func (p *Publisher) Observe(e transcript.Entry) {
	if !e.Sealed() {
		return
	}
	p.mu.Lock()
	if p.published[e.ID] {
		p.mu.Unlock()
		return
	}
	p.published[e.ID] = true
	p.mu.Unlock()

	select {
	case p.queue <- FromEntry(e):
	default:
		p.mu.Lock()
		p.dropped++
		n := p.dropped
		p.mu.Unlock()
		log.Warnf("events: queue full, dropped entry %s (%d dropped)", e.ID, n)
	}
}

// Run publishes queued events until ctx is done, then drains what is left
// with a short deadline.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case ev := <-p.queue:
			p.Publish(ctx, ev)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				select {
				case ev := <-p.queue:
					p.Publish(drainCtx, ev)
				default:
					return
				}
			}
		}
	}
}

// Publish writes one event synchronously.
func (p *Publisher) Publish(ctx context.Context, ev TranscriptEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("events: marshal %s: %v", ev.EntryID, err)
		return err
	}

	log.Debugf("events: publish topic=%s key=%s payload=%s", p.topic, ev.SessionID, payload)

	if !p.enabled || p.writer == nil {
		p.metrics.RecordPublish(nil)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(ev.Status)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		log.Errorf("events: write %s to %s: %v", ev.EntryID, p.topic, err)
		p.metrics.RecordPublish(err)
		return err
	}
	p.metrics.RecordPublish(nil)
	return nil
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		log.Errorf("events: closing writer: %v", err)
		return err
	}
	return nil
}

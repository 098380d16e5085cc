package kafka

import (
	"context"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/stockflow/internal/orders"
)

// Producer buffers events in an inbox and writes them from one goroutine.
// Topic travels on each message, so one writer serves every topic.
type Producer struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	closeCh chan struct{}
	once    sync.Once
}

func NewProducer(brokers []string, buf int) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 50 * time.Millisecond,
		},
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		defer func() { _ = p.w.Close() }()
		for {
			select {
			case <-ctx.Done():
				p.Close()
				for m := range p.inbox {
					p.write(m)
				}
				return
			case m, ok := <-p.inbox:
				if !ok {
					return
				}
				p.write(m)
			}
		}
	}()
}

func (p *Producer) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		zlog.Error().Err(err).Str("topic", m.Topic).Str("key", string(m.Key)).Msg("kafka publish failed")
	}
}

// Publish enqueues an envelope. Delivery is best-effort: the state it
// describes is already committed.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, ev orders.Envelope) {
	m := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: MustMarshal(ev),
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "x-event-type", Value: []byte(ev.EventType)},
			{Key: "x-event-version", Value: []byte("1")},
		},
	}
	defer func() {
		// inbox sudah ditutup saat shutdown
		if recover() != nil {
			zlog.Warn().Str("topic", topic).Msg("producer closed, event dropped")
		}
	}()
	select {
	case p.inbox <- m:
	case <-ctx.Done():
		zlog.Warn().Str("topic", topic).Msg("publish abandoned, context done")
	}
}

// Tutup channel supaya goroutine nge-flush sisa pesan lalu exit rapi.
func (p *Producer) Close() { p.once.Do(func() { close(p.inbox) }) }

// Tunggu sampai goroutine selesai.
func (p *Producer) WaitClosed() { <-p.closeCh }

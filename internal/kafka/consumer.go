package kafka

import (
	"context"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Handler harus return nil hanya jika proses sukses & boleh commit offset.
type Handler func(ctx context.Context, m kafka.Message) error

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r       reader
	workers int

	// Backoff is the first retry delay after a handler error; it doubles up
	// to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func NewConsumer(brokers []string, group, topic string, workers int) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, Backoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// Start blocks until ctx is done or the reader fails. Each partition is
// pinned to one worker so its offsets are handled and committed in order.
// Workers are drained before it returns.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	workers := c.workers
	if workers <= 0 {
		workers = 1
	}
	lanes := make([]chan kafka.Message, workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 128)
		wg.Add(1)
		go func(jobs <-chan kafka.Message) {
			defer wg.Done()
			for m := range jobs {
				if !c.handle(ctx, h, m) {
					return
				}
			}
		}(lanes[i])
	}
	defer func() {
		for _, l := range lanes {
			close(l)
		}
		wg.Wait()
	}()

	// dispatcher loop
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			// kecilkan noise saat shutdown
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		select {
		case lanes[m.Partition%workers] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

// handle retries h until it succeeds and then commits m. A later offset of
// the same partition is never committed ahead of a failed one. It reports
// false only when ctx ends first.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) bool {
	delay := c.Backoff
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	for attempt := 1; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return false
		}
		zlog.Error().Err(err).Str("topic", m.Topic).Int("partition", m.Partition).
			Int64("offset", m.Offset).Int("attempt", attempt).Msg("consumer handler failed, retrying")
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if delay *= 2; c.MaxBackoff > 0 && delay > c.MaxBackoff {
			delay = c.MaxBackoff
		}
	}

	// commit on success
	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		zlog.Error().Err(err).Str("topic", m.Topic).Int64("offset", m.Offset).Msg("commit failed")
	}
	return true
}

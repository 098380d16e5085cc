package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed map[int][]int64
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{pending: msgs, committed: map[int][]int64{}}
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.pending) > 0 {
		m := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed[m.Partition] = append(f.committed[m.Partition], m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

func (f *fakeReader) commits(partition int) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed[partition]...)
}

func msg(partition int, offset int64) kafka.Message {
	return kafka.Message{Topic: "payment.events", Partition: partition, Offset: offset}
}

func startConsumer(t *testing.T, r *fakeReader, workers int, h Handler) context.CancelFunc {
	t.Helper()
	c := &Consumer{r: r, workers: workers, Backoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, h) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
		}
	}
}

func TestConsumer_RetriesFailedOffsetBeforeMovingOn(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newFakeReader(msg(0, 0), msg(0, 1), msg(0, 2))
	var mu sync.Mutex
	var handled []int64
	attempts := map[int64]int{}

	stop := startConsumer(t, r, 4, func(_ context.Context, m kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[m.Offset]++
		if m.Offset == 0 && attempts[m.Offset] < 3 {
			return errors.New("persist webhook: connection refused")
		}
		handled = append(handled, m.Offset)
		return nil
	})
	require.Eventually(t, func() bool { return len(r.commits(0)) == 3 }, time.Second, time.Millisecond)
	stop()

	assert.Equal(t, []int64{0, 1, 2}, r.commits(0))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{0, 1, 2}, handled)
	assert.Equal(t, 3, attempts[0])
}

func TestConsumer_StuckPartitionDoesNotBlockOthers(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newFakeReader(msg(0, 7), msg(0, 8), msg(1, 3))
	stop := startConsumer(t, r, 2, func(_ context.Context, m kafka.Message) error {
		if m.Partition == 0 {
			return errors.New("store down")
		}
		return nil
	})
	require.Eventually(t, func() bool { return len(r.commits(1)) == 1 }, time.Second, time.Millisecond)
	stop()

	assert.Empty(t, r.commits(0))
	assert.Equal(t, []int64{3}, r.commits(1))
}

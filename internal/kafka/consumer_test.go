package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConsumer(commit func(ctx context.Context, msgs ...kafka.Message) error) *Consumer {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Consumer{workers: 2, log: log, commit: commit}
}

// A stream of permanently failing messages must neither block the workers nor
// commit any offset.
func TestWorkFailingHandlerNeverCommitsOrBlocks(t *testing.T) {
	var mu sync.Mutex
	var committed []int64
	c := testConsumer(func(_ context.Context, msgs ...kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range msgs {
			committed = append(committed, m.Offset)
		}
		return nil
	})

	jobs := make(chan kafka.Message, 4)
	for i := 0; i < 4; i++ {
		jobs <- kafka.Message{Offset: int64(i)}
	}
	close(jobs)

	done := make(chan struct{})
	go func() {
		c.work(context.Background(), jobs, func(context.Context, kafka.Message) error {
			return errors.New("boom")
		})
		close(done)
	}()
	<-done

	assert.Empty(t, committed, "failed messages keep their offsets uncommitted")
}

func TestWorkCommitsOnlySuccesses(t *testing.T) {
	var mu sync.Mutex
	var committed []int64
	c := testConsumer(func(_ context.Context, msgs ...kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range msgs {
			committed = append(committed, m.Offset)
		}
		return nil
	})

	jobs := make(chan kafka.Message, 4)
	for i := 0; i < 4; i++ {
		jobs <- kafka.Message{Offset: int64(i)}
	}
	close(jobs)

	// odd offsets fail, even offsets succeed
	c.work(context.Background(), jobs, func(_ context.Context, m kafka.Message) error {
		if m.Offset%2 == 1 {
			return errors.New("transient")
		}
		return nil
	})

	require.Len(t, committed, 2)
	assert.ElementsMatch(t, []int64{0, 2}, committed)
}

func TestWorkSurvivesCommitErrors(t *testing.T) {
	c := testConsumer(func(context.Context, ...kafka.Message) error {
		return errors.New("broker gone")
	})

	jobs := make(chan kafka.Message, 2)
	jobs <- kafka.Message{Offset: 0}
	jobs <- kafka.Message{Offset: 1}
	close(jobs)

	// must drain both messages without panicking
	c.work(context.Background(), jobs, func(context.Context, kafka.Message) error { return nil })
}

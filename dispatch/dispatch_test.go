package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbacksRunInOrderOnRunner(t *testing.T) {
	m := New(0)
	defer m.Stop()

	var got []int
	for i := 0; i < 50; i++ {
		i := i
		require.True(t, m.Queue(func() { got = append(got, i) }))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 50; i++ {
		require.NoError(t, m.RunOne(ctx))
	}

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestQueueFromWorkers(t *testing.T) {
	m := New(2)
	defer m.Stop()

	done := make(chan struct{})
	ran := 0
	for i := 0; i < 10; i++ {
		go m.Queue(func() {
			ran++
			if ran == 10 {
				close(done)
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		cancel()
	}()

	err := m.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 10, ran)
}

func TestStop(t *testing.T) {
	m := New(1)
	m.Stop()
	m.Stop()

	assert.False(t, m.Queue(func() {}))
	assert.False(t, m.Queue(nil))
	assert.ErrorIs(t, m.Run(context.Background()), ErrStopped)
}

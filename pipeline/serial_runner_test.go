package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSerialRunnerOrder(t *testing.T) {
	ctx := context.Background()
	r := newSerialRunner(ctx, "test")

	var (
		locker sync.Mutex
		order  []int
	)
	for idx := 0; idx < 100; idx++ {
		require.True(t, r.Post(ctx, func(ctx context.Context) {
			locker.Lock()
			defer locker.Unlock()
			order = append(order, idx)
		}))
	}
	<-r.Close(ctx)

	require.Len(t, order, 100)
	for idx, v := range order {
		require.Equal(t, idx, v)
	}
	require.False(t, r.Post(ctx, func(ctx context.Context) {}))
}

func TestSerialRunnerPostFromTask(t *testing.T) {
	ctx := context.Background()
	r := newSerialRunner(ctx, "test")

	var order []string
	gateCh := make(chan struct{})
	repostedCh := make(chan struct{})
	r.Post(ctx, func(ctx context.Context) {
		<-gateCh
		order = append(order, "first")
		r.Post(ctx, func(ctx context.Context) {
			order = append(order, "reposted")
			close(repostedCh)
		})
	})
	r.Post(ctx, func(ctx context.Context) {
		order = append(order, "second")
	})
	close(gateCh)
	select {
	case <-repostedCh:
	case <-time.After(waitFor):
		t.Fatal("the reposted task was not executed")
	}
	<-r.Close(ctx)
	require.Equal(t, []string{"first", "second", "reposted"}, order)
}

func TestSerialRunnerCloseRejectsPostsOfRunningTask(t *testing.T) {
	ctx := context.Background()
	r := newSerialRunner(ctx, "test")

	startedCh := make(chan struct{})
	continueCh := make(chan struct{})
	var reposted, executed bool
	r.Post(ctx, func(ctx context.Context) {
		close(startedCh)
		<-continueCh
		reposted = r.Post(ctx, func(ctx context.Context) { executed = true })
	})
	<-startedCh
	doneCh := r.Close(ctx)
	close(continueCh)
	<-doneCh
	require.False(t, reposted)
	require.False(t, executed)
}

func TestSerialRunnerCloseFromTask(t *testing.T) {
	ctx := context.Background()
	r := newSerialRunner(ctx, "test")

	executed := 0
	r.Post(ctx, func(ctx context.Context) {
		executed++
		r.Close(ctx)
		require.False(t, r.Post(ctx, func(ctx context.Context) { executed += 100 }))
	})
	r.Post(ctx, func(ctx context.Context) {
		executed++
	})

	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("the runner did not stop")
	}
	require.Equal(t, 2, executed)
}

func TestSerialRunnerContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := newSerialRunner(ctx, "test")
	cancel()

	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("the runner did not stop")
	}
	require.False(t, r.Post(context.Background(), func(ctx context.Context) {}))
}

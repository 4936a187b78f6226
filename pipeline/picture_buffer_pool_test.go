package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwdecode"
)

func TestPictureBufferPoolLifecycle(t *testing.T) {
	ctx := context.Background()
	factory := newFakeSessionFactory(completeManually)
	pool := newPictureBufferPool()

	require.NoError(t, pool.Assign(ctx, testBuffers(size320x240, 1, 2)))
	require.Equal(t, 2, pool.Len())
	require.True(t, pool.Fits(size320x240))
	require.False(t, pool.Fits(size640x480))

	buf, ok := pool.TryAcquire()
	require.True(t, ok)
	require.Equal(t, hwdecode.PictureBufferID(1), buf.ID)
	pool.Bind(ctx, buf.ID, factory.newImage(size320x240))
	require.True(t, pool.IsBound(1))

	buf, ok = pool.TryAcquire()
	require.True(t, ok)
	require.Equal(t, hwdecode.PictureBufferID(2), buf.ID)
	pool.Return(buf.ID)
	require.Equal(t, 1, pool.AvailableCount())

	buf, ok = pool.TryAcquire()
	require.True(t, ok)
	require.Equal(t, hwdecode.PictureBufferID(2), buf.ID)
	pool.Bind(ctx, buf.ID, factory.newImage(size320x240))

	_, ok = pool.TryAcquire()
	require.False(t, ok)

	require.True(t, pool.Release(ctx, 1))
	require.False(t, pool.Release(ctx, 1))
	require.False(t, pool.Release(ctx, 42))
	require.Equal(t, int64(1), factory.liveImages.Load())

	buf, ok = pool.TryAcquire()
	require.True(t, ok)
	require.Equal(t, hwdecode.PictureBufferID(1), buf.ID)
	pool.Return(buf.ID)

	require.Equal(t, 1, pool.UnbindAll(ctx))
	require.Zero(t, factory.liveImages.Load())
	require.Equal(t, 2, pool.AvailableCount())
}

func TestPictureBufferPoolAssignReplaces(t *testing.T) {
	ctx := context.Background()
	factory := newFakeSessionFactory(completeManually)
	pool := newPictureBufferPool()

	require.NoError(t, pool.Assign(ctx, testBuffers(size320x240, 1, 2)))
	buf, ok := pool.TryAcquire()
	require.True(t, ok)
	pool.Bind(ctx, buf.ID, factory.newImage(size320x240))

	require.Error(t, pool.Assign(ctx, testBuffers(size640x480, 3, 3)))
	require.True(t, pool.IsBound(buf.ID))

	require.NoError(t, pool.Assign(ctx, testBuffers(size640x480, 3, 4)))
	require.Zero(t, factory.liveImages.Load())
	require.False(t, pool.IsBound(buf.ID))
	require.False(t, pool.Release(ctx, buf.ID))
	require.Equal(t, 2, pool.AvailableCount())

	require.NoError(t, pool.Assign(ctx, nil))
	require.False(t, pool.Fits(size640x480))
	_, ok = pool.TryAcquire()
	require.False(t, ok)
}

func TestPictureBufferPoolBindTwicePanics(t *testing.T) {
	ctx := context.Background()
	factory := newFakeSessionFactory(completeManually)
	pool := newPictureBufferPool()
	require.NoError(t, pool.Assign(ctx, testBuffers(size320x240, 1)))

	image := factory.newImage(size320x240)
	defer image.Release()
	require.Panics(t, func() {
		pool.Bind(ctx, 1, image)
	})
}

package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwdecode"
	"github.com/xaionaro-go/hwdecode/pipeline"
	"github.com/xaionaro-go/hwdecode/surface/memory"
)

// player presents the frames by immediately returning the buffers, and
// keeps the amount of units in flight bounded.
type player struct {
	ctx         context.Context
	cancelFn    context.CancelFunc
	pipeline    *pipeline.Pipeline
	binder      *memory.Binder
	bufferCount int

	inFlight     chan struct{}
	flushDoneCh  chan struct{}
	flushDoneOne sync.Once

	// owned by the pipeline's goroutine
	buffers      []hwdecode.PictureBuffer
	nextBufferID hwdecode.PictureBufferID

	framesShown atomic.Uint64
	lastError   atomic.Pointer[error]
}

var _ hwdecode.Client = (*player)(nil)

func newPlayer(
	ctx context.Context,
	cancelFn context.CancelFunc,
	p *pipeline.Pipeline,
	binder *memory.Binder,
	bufferCount int,
	maxInFlight int,
) *player {
	return &player{
		ctx:         ctx,
		cancelFn:    cancelFn,
		pipeline:    p,
		binder:      binder,
		bufferCount: bufferCount,
		inFlight:    make(chan struct{}, maxInFlight),
		flushDoneCh: make(chan struct{}),
	}
}

// Feed blocks while too many units are in flight.
func (pl *player) Feed(ctx context.Context, unit hwdecode.BitstreamUnit) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case pl.inFlight <- struct{}{}:
	}
	pl.pipeline.Decode(ctx, unit)
	return nil
}

func (pl *player) FlushDone() <-chan struct{} {
	return pl.flushDoneCh
}

func (pl *player) LastError() error {
	err := pl.lastError.Load()
	if err == nil {
		return nil
	}
	return *err
}

func (pl *player) OnFrameReady(picture hwdecode.Picture) {
	logger.Tracef(pl.ctx, "frame of unit %d is in buffer %d", picture.BitstreamID, picture.PictureBufferID)
	pl.framesShown.Add(1)
	pl.pipeline.ReuseBuffer(pl.ctx, picture.PictureBufferID)
}

func (pl *player) OnBitstreamUnitProcessed(id hwdecode.BitstreamID) {
	select {
	case <-pl.inFlight:
	default:
		logger.Warnf(pl.ctx, "unit %d was processed, but nothing is in flight", id)
	}
}

func (pl *player) OnFlushDone() {
	pl.flushDoneOne.Do(func() {
		close(pl.flushDoneCh)
	})
}

func (pl *player) OnResetDone() {
	logger.Debugf(pl.ctx, "reset done")
}

func (pl *player) OnError(kind hwdecode.ErrorKind, err error) {
	logger.Errorf(pl.ctx, "%s: %v", kind, err)
	if !kind.IsFatal() {
		return
	}
	pl.lastError.Store(&err)
	pl.cancelFn()
}

func (pl *player) OnOutputFormatChanged(codedSize hwdecode.Size) {
	logger.Debugf(pl.ctx, "the output format is now %s", codedSize)
	if err := pl.assignBuffers(pl.ctx, codedSize); err != nil {
		pl.OnError(hwdecode.ErrorKindConfiguration, err)
	}
}

// assignBuffers replaces the picture buffers with new ones of the given
// size. It must not run concurrently with the client callbacks.
func (pl *player) assignBuffers(
	ctx context.Context,
	size hwdecode.Size,
) error {
	for _, buf := range pl.buffers {
		pl.binder.DestroySurface(ctx, buf.Surface)
	}
	pl.buffers = nil
	buffers, err := pl.binder.NewPictureBuffers(ctx, pl.nextBufferID, pl.bufferCount, size)
	if err != nil {
		return fmt.Errorf("unable to allocate %d picture buffers of size %s: %w", pl.bufferCount, size, err)
	}
	pl.nextBufferID += hwdecode.PictureBufferID(len(buffers))
	pl.buffers = buffers
	pl.pipeline.AssignPictureBuffers(ctx, buffers)
	return nil
}

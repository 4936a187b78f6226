package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwdecode"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xcontext"
)

// Pipeline is an asynchronous decode pipeline serving one bitstream.
//
// All the public methods only post work to the owner goroutine and return
// immediately; the results are reported through hwdecode.Client, always
// from the owner goroutine. The session is owned by a separate worker
// goroutine.
type Pipeline struct {
	parentCtx      context.Context
	ctx            context.Context
	sessionFactory hwdecode.SessionFactory
	parser         hwdecode.BitstreamParser
	binder         hwdecode.SurfaceBinder

	stateValue         atomic.Uint32
	isDestroyRequested atomic.Bool
	isDestroyPosted    atomic.Bool
	destroyedCh        chan struct{}
	destroyedOnce      sync.Once
	stats              CommonsStatistics

	owner  atomic.Pointer[serialRunner]
	worker *decodeWorker
	client hwdecode.Client

	// the fields below are accessed only from the owner goroutine
	profile             hwdecode.VideoCodecProfile
	epoch               uint64
	nextSeq             uint64
	queue               *decodedFrameQueue
	pool                *pictureBufferPool
	codedSize           hwdecode.Size
	pendingFormatChange *hwdecode.Size
	isAwaitingBuffers   bool
	flushUntilSeq       uint64
	isWorkerFlushed     bool
	isFlushDeferred     bool
	isFatalDeferred     bool
}

var _ resultSink = (*Pipeline)(nil)

// New creates a pipeline in the Uninitialized state. The binder may be nil
// if the images do not need to be bound to the surfaces.
func New(
	ctx context.Context,
	sessionFactory hwdecode.SessionFactory,
	parser hwdecode.BitstreamParser,
	binder hwdecode.SurfaceBinder,
) *Pipeline {
	return &Pipeline{
		parentCtx:      ctx,
		ctx:            xcontext.DetachDone(ctx),
		sessionFactory: sessionFactory,
		parser:         parser,
		binder:         binder,
		destroyedCh:    make(chan struct{}),
		queue:          newDecodedFrameQueue(),
		pool:           newPictureBufferPool(),
	}
}

func (p *Pipeline) State() State {
	return State(p.stateValue.Load())
}

func (p *Pipeline) setState(ctx context.Context, state State) {
	old := State(p.stateValue.Swap(uint32(state)))
	if old != state {
		logger.Debugf(ctx, "state: %s -> %s", old, state)
	}
}

// Destroyed returns a channel which is closed when the pipeline reached
// the Destroyed state and released all the resources.
func (p *Pipeline) Destroyed() <-chan struct{} {
	return p.destroyedCh
}

func (p *Pipeline) closeDestroyed() {
	p.destroyedOnce.Do(func() {
		close(p.destroyedCh)
	})
}

func (p *Pipeline) GetStats() *Stats {
	return ptr(p.stats.Convert())
}

// CanRunOnCallerThread reports if the public methods may be called from
// any goroutine. They only post to the owner goroutine, so they may.
func (p *Pipeline) CanRunOnCallerThread() bool {
	return true
}

// Initialize starts the pipeline. Cancelling the context passed to New
// has the same effect as calling Destroy.
func (p *Pipeline) Initialize(
	ctx context.Context,
	profile hwdecode.VideoCodecProfile,
	client hwdecode.Client,
) (_err error) {
	logger.Debugf(ctx, "Initialize(ctx, %s)", profile)
	defer func() { logger.Debugf(ctx, "/Initialize(ctx, %s): %v", profile, _err) }()

	if client == nil {
		return fmt.Errorf("client is not set")
	}
	if !p.stateValue.CompareAndSwap(uint32(StateUninitialized), uint32(StateInitializing)) {
		return hwdecode.NewError(hwdecode.ErrorKindIllegalState, 0, fmt.Errorf("cannot initialize in state %s", p.State()))
	}

	if !p.sessionFactory.SupportsProfile(profile) {
		p.setState(ctx, StateDestroyed)
		p.closeDestroyed()
		return hwdecode.NewError(hwdecode.ErrorKindConfiguration, 0, fmt.Errorf("%w: %s", hwdecode.ErrUnsupportedProfile, profile))
	}

	p.client = client
	p.profile = profile
	p.worker = newDecodeWorker(p.ctx, p.sessionFactory, p.parser, p, &p.stats)
	owner := newSerialRunner(p.ctx, "pipelineOwner")
	p.owner.Store(owner)
	observability.Go(p.ctx, func(ctx context.Context) {
		<-owner.Done()
		p.closeDestroyed()
	})
	observability.Go(p.ctx, func(ctx context.Context) {
		select {
		case <-p.parentCtx.Done():
			logger.Debugf(ctx, "the context is closed: %v", p.parentCtx.Err())
			p.Destroy(ctx)
		case <-p.destroyedCh:
		}
	})

	if p.stateValue.CompareAndSwap(uint32(StateInitializing), uint32(StateDecoding)) {
		logger.Debugf(ctx, "state: %s -> %s", StateInitializing, StateDecoding)
	}
	if p.isDestroyRequested.Load() {
		// Destroy was called before the owner existed
		p.postDestroy(ctx)
	}
	return nil
}

func (p *Pipeline) post(
	ctx context.Context,
	name string,
	fn task,
) {
	owner := p.owner.Load()
	if owner == nil {
		logger.Errorf(ctx, "%s: the pipeline is not initialized", name)
		return
	}
	if !owner.Post(ctx, fn) {
		logger.Debugf(ctx, "%s: the pipeline is destroyed", name)
	}
}

// notify invokes the client unless Destroy was already requested.
func (p *Pipeline) notify(fn func(hwdecode.Client)) {
	if p.isDestroyRequested.Load() {
		return
	}
	fn(p.client)
}

func (p *Pipeline) reportError(
	ctx context.Context,
	err *hwdecode.Error,
) {
	p.stats.Errors.Add(1)
	logger.Warnf(ctx, "%v", err)
	if err.Kind.IsFatal() {
		switch p.State() {
		case StateDecoding, StateFlushing:
			p.setState(ctx, StateError)
		case StateResetting:
			p.isFatalDeferred = true
		}
	}
	p.notify(func(c hwdecode.Client) { c.OnError(err.Kind, err) })
}

func (p *Pipeline) Decode(
	ctx context.Context,
	unit hwdecode.BitstreamUnit,
) {
	logger.Tracef(ctx, "Decode(ctx, %d: %d bytes)", unit.ID, len(unit.Data))
	unit.Data = bytes.Clone(unit.Data)
	p.stats.UnitsReceived.Add(1)
	p.post(ctx, "Decode", func(ctx context.Context) {
		p.decodeTask(ctx, unit)
	})
}

func (p *Pipeline) decodeTask(
	ctx context.Context,
	unit hwdecode.BitstreamUnit,
) {
	state := p.State()
	if !state.AcceptsBitstream() {
		if state.IsTerminating() {
			return
		}
		p.stats.UnitsRejected.Add(1)
		p.reportError(ctx, hwdecode.NewError(hwdecode.ErrorKindIllegalState, unit.ID, fmt.Errorf("cannot decode in state %s", state)))
		return
	}

	seq := p.nextSeq
	p.nextSeq++
	p.worker.PostDecode(ctx, p.epoch, seq, unit)
}

// AssignPictureBuffers replaces the set of picture buffers. Images bound to
// the previous set are released.
func (p *Pipeline) AssignPictureBuffers(
	ctx context.Context,
	buffers []hwdecode.PictureBuffer,
) {
	logger.Debugf(ctx, "AssignPictureBuffers(ctx, %d buffers)", len(buffers))
	buffers = slices.Clone(buffers)
	p.post(ctx, "AssignPictureBuffers", func(ctx context.Context) {
		if p.State().IsTerminating() {
			return
		}
		if err := p.pool.Assign(ctx, buffers); err != nil {
			p.reportError(ctx, hwdecode.NewError(hwdecode.ErrorKindIllegalState, 0, err))
			return
		}
		p.isAwaitingBuffers = false
		if !p.codedSize.IsEmpty() && !p.pool.Fits(p.codedSize) {
			p.isAwaitingBuffers = true
			if p.pool.Len() > 0 {
				logger.Warnf(ctx, "the assigned picture buffers do not fit the coded size %s", p.codedSize)
				p.notify(func(c hwdecode.Client) { c.OnOutputFormatChanged(p.codedSize) })
			}
		}
		p.sendDispatch(ctx)
		p.maybeFinishFlush(ctx)
	})
}

// ReuseBuffer returns a delivered picture buffer to the pipeline. Reusing
// a buffer which is not bound is a no-op.
func (p *Pipeline) ReuseBuffer(
	ctx context.Context,
	id hwdecode.PictureBufferID,
) {
	logger.Tracef(ctx, "ReuseBuffer(ctx, %d)", id)
	p.post(ctx, "ReuseBuffer", func(ctx context.Context) {
		if p.State().IsTerminating() {
			return
		}
		if !p.pool.Release(ctx, id) {
			return
		}
		p.stats.BuffersReused.Add(1)
		p.sendDispatch(ctx)
		p.maybeFinishFlush(ctx)
	})
}

// Flush makes the pipeline deliver every frame of the units submitted so
// far; OnFlushDone is called afterwards.
func (p *Pipeline) Flush(ctx context.Context) {
	logger.Debugf(ctx, "Flush")
	p.post(ctx, "Flush", func(ctx context.Context) {
		switch state := p.State(); state {
		case StateDecoding:
			p.startFlush(ctx)
		case StateResetting:
			if p.isFlushDeferred {
				p.reportError(ctx, hwdecode.NewError(hwdecode.ErrorKindIllegalState, 0, fmt.Errorf("a flush is already requested")))
				return
			}
			p.isFlushDeferred = true
		case StateDestroying, StateDestroyed:
		default:
			p.reportError(ctx, hwdecode.NewError(hwdecode.ErrorKindIllegalState, 0, fmt.Errorf("cannot flush in state %s", state)))
		}
	})
}

func (p *Pipeline) startFlush(ctx context.Context) {
	p.setState(ctx, StateFlushing)
	p.flushUntilSeq = p.nextSeq
	p.isWorkerFlushed = false
	p.worker.PostFlush(ctx, p.epoch)
}

func (p *Pipeline) maybeFinishFlush(ctx context.Context) {
	if p.State() != StateFlushing || !p.isWorkerFlushed {
		return
	}
	if p.queue.NextSeq() < p.flushUntilSeq {
		return
	}
	p.isWorkerFlushed = false
	p.setState(ctx, StateDecoding)
	p.notify(func(c hwdecode.Client) { c.OnFlushDone() })
}

// Reset drops every queued and in-flight frame without waiting for them
// and unbinds all the picture buffers; OnResetDone is called when the
// session has no callbacks pending. It also recovers from the Error state.
func (p *Pipeline) Reset(ctx context.Context) {
	logger.Debugf(ctx, "Reset")
	p.post(ctx, "Reset", func(ctx context.Context) {
		state := p.State()
		switch state {
		case StateDecoding, StateFlushing, StateError:
		case StateDestroying, StateDestroyed:
			return
		default:
			p.reportError(ctx, hwdecode.NewError(hwdecode.ErrorKindIllegalState, 0, fmt.Errorf("cannot reset in state %s", state)))
			return
		}

		p.setState(ctx, StateResetting)
		p.isFatalDeferred = false
		p.epoch++
		dropped, formatChange := p.queue.DrainAll(ctx, p.nextSeq)
		p.stats.FramesDropped.Add(uint64(dropped))
		if formatChange != nil {
			p.pendingFormatChange = formatChange
		}
		unbound := p.pool.UnbindAll(ctx)
		logger.Debugf(ctx, "reset: dropped %d frames, unbound %d buffers", dropped, unbound)
		p.isWorkerFlushed = false
		p.worker.PostReset(ctx, p.epoch, state == StateError)
	})
}

// Destroy irreversibly stops the pipeline. No Client method is invoked
// once Destroy has returned; Destroyed() is closed when every resource is
// released.
func (p *Pipeline) Destroy(ctx context.Context) {
	logger.Debugf(ctx, "Destroy")
	if !p.isDestroyRequested.CompareAndSwap(false, true) {
		return
	}
	if p.owner.Load() == nil {
		if p.stateValue.CompareAndSwap(uint32(StateUninitialized), uint32(StateDestroyed)) {
			logger.Debugf(ctx, "state: %s -> %s", StateUninitialized, StateDestroyed)
			p.closeDestroyed()
		}
		// otherwise Initialize is running and posts the destroy itself
		return
	}
	p.postDestroy(ctx)
}

func (p *Pipeline) postDestroy(ctx context.Context) {
	if !p.isDestroyPosted.CompareAndSwap(false, true) {
		return
	}
	p.post(ctx, "Destroy", p.destroyTask)
}

func (p *Pipeline) destroyTask(ctx context.Context) {
	logger.Debugf(ctx, "destroyTask")
	defer func() { logger.Debugf(ctx, "/destroyTask") }()

	p.setState(ctx, StateDestroying)
	p.epoch++

	// the worker posts to us without blocking, so waiting here is safe
	<-p.worker.PostDestroy(ctx)

	dropped, _ := p.queue.DrainAll(ctx, p.nextSeq)
	p.stats.FramesDropped.Add(uint64(dropped))
	p.pool.Clear(ctx)
	p.pendingFormatChange = nil
	p.setState(ctx, StateDestroyed)
	p.owner.Load().Close(ctx)
}

// sendDispatch delivers the queued frames, in submission order, for as
// long as there are available picture buffers.
func (p *Pipeline) sendDispatch(ctx context.Context) {
	switch p.State() {
	case StateDecoding, StateFlushing, StateError:
	default:
		return
	}

	for {
		if p.pendingFormatChange != nil {
			size := *p.pendingFormatChange
			p.pendingFormatChange = nil
			p.announceFormatChange(ctx, size)
		}
		if p.isAwaitingBuffers {
			return
		}

		f := p.queue.PeekNext()
		if f == nil {
			return
		}
		if f.FormatChange != nil && !f.isFormatChangeAnnounced {
			f.isFormatChangeAnnounced = true
			p.announceFormatChange(ctx, *f.FormatChange)
			continue
		}
		if f.Image == nil {
			p.queue.Pop()
			continue
		}

		buf, ok := p.pool.TryAcquire()
		if !ok {
			return
		}
		if p.binder != nil {
			if err := p.binder.BindImageToSurface(ctx, f.Image, buf.Surface); err != nil {
				p.pool.Return(buf.ID)
				p.queue.Pop()
				f.release()
				p.stats.FramesDropped.Add(1)
				p.reportError(ctx, hwdecode.NewError(
					hwdecode.ErrorKindSurfaceBinding,
					f.BitstreamID,
					fmt.Errorf("unable to bind the image to surface %d of picture buffer %d: %w", buf.Surface, buf.ID, err),
				))
				continue
			}
		}

		p.pool.Bind(ctx, buf.ID, f.Image)
		f.Image = nil
		p.queue.Pop()
		p.stats.FramesDelivered.Add(1)
		picture := hwdecode.Picture{
			PictureBufferID: buf.ID,
			BitstreamID:     f.BitstreamID,
		}
		logger.Tracef(ctx, "frame ready: %#+v", picture)
		p.notify(func(c hwdecode.Client) { c.OnFrameReady(picture) })
	}
}

// announceFormatChange tells the client about the new coded size and holds
// the delivery until the picture buffers fit it.
func (p *Pipeline) announceFormatChange(
	ctx context.Context,
	size hwdecode.Size,
) {
	logger.Debugf(ctx, "coded size: %s -> %s", p.codedSize, size)
	p.codedSize = size
	p.isAwaitingBuffers = !p.pool.Fits(size)
	p.notify(func(c hwdecode.Client) { c.OnOutputFormatChanged(size) })
}

func (p *Pipeline) postUnitProcessed(
	epoch uint64,
	id hwdecode.BitstreamID,
) {
	p.postFromWorker(func(ctx context.Context) {
		if p.State().IsTerminating() {
			return
		}
		p.notify(func(c hwdecode.Client) { c.OnBitstreamUnitProcessed(id) })
	})
}

func (p *Pipeline) postResult(res decodeResult) {
	ok := p.postFromWorker(func(ctx context.Context) {
		p.onResult(ctx, res)
	})
	if !ok && res.Image != nil {
		res.Image.Release()
	}
}

func (p *Pipeline) onResult(
	ctx context.Context,
	res decodeResult,
) {
	if res.Epoch != p.epoch || p.State().IsTerminating() {
		logger.Tracef(ctx, "dropping the result of #%d from epoch %d (current: %d)", res.Seq, res.Epoch, p.epoch)
		if res.Image != nil {
			res.Image.Release()
			p.stats.FramesDropped.Add(1)
		}
		if res.FormatChange != nil && !p.State().IsTerminating() {
			p.pendingFormatChange = res.FormatChange
		}
		return
	}

	if res.Err != nil {
		p.reportError(ctx, res.Err)
	}

	f := &decodedFrame{
		Seq:          res.Seq,
		BitstreamID:  res.BitstreamID,
		Image:        res.Image,
		FormatChange: res.FormatChange,
	}
	if !p.queue.Push(ctx, f) {
		f.release()
		return
	}
	p.sendDispatch(ctx)
	p.maybeFinishFlush(ctx)
}

func (p *Pipeline) postFlushed(
	epoch uint64,
	err *hwdecode.Error,
) {
	p.postFromWorker(func(ctx context.Context) {
		if epoch != p.epoch {
			return
		}
		if err != nil {
			p.reportError(ctx, err)
		}
		p.isWorkerFlushed = true
		p.sendDispatch(ctx)
		p.maybeFinishFlush(ctx)
	})
}

func (p *Pipeline) postResetDone(epoch uint64) {
	p.postFromWorker(func(ctx context.Context) {
		if epoch != p.epoch || p.State() != StateResetting {
			return
		}
		if p.isFatalDeferred {
			p.isFatalDeferred = false
			p.setState(ctx, StateError)
		} else {
			p.setState(ctx, StateDecoding)
		}
		p.notify(func(c hwdecode.Client) { c.OnResetDone() })
		if p.isFlushDeferred {
			p.isFlushDeferred = false
			if p.State() == StateError {
				p.reportError(ctx, hwdecode.NewError(hwdecode.ErrorKindIllegalState, 0, fmt.Errorf("cannot flush in state %s", StateError)))
			} else {
				p.startFlush(ctx)
			}
		}
		p.sendDispatch(ctx)
		p.maybeFinishFlush(ctx)
	})
}

func (p *Pipeline) postFromWorker(fn task) bool {
	owner := p.owner.Load()
	if owner == nil {
		return false
	}
	return owner.Post(p.ctx, fn)
}

func ptr[T any](in T) *T {
	return &in
}

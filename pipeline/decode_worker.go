package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/experimental/errmon"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwdecode"
)

// decodeResult is the one and only message the worker sends to the owner
// per accepted bitstream unit.
type decodeResult struct {
	Epoch        uint64
	Seq          uint64
	BitstreamID  hwdecode.BitstreamID
	Image        hwdecode.Image
	FormatChange *hwdecode.Size
	Err          *hwdecode.Error
}

// resultSink is how the worker talks back to the owner context. Every
// method only posts and never blocks.
type resultSink interface {
	postUnitProcessed(epoch uint64, id hwdecode.BitstreamID)
	postResult(res decodeResult)
	postFlushed(epoch uint64, err *hwdecode.Error)
	postResetDone(epoch uint64)
}

type pendingUnit struct {
	Epoch        uint64
	Seq          uint64
	BitstreamID  hwdecode.BitstreamID
	FormatChange *hwdecode.Size
}

// decodeWorker is the serial context owning the session adapter. Session
// completions are redispatched onto it before anything is touched.
type decodeWorker struct {
	ctx        context.Context
	runner     *serialRunner
	adapter    *sessionAdapter
	parser     hwdecode.BitstreamParser
	sink       resultSink
	stats      *CommonsStatistics
	lastConfig *hwdecode.DecodeSessionConfig
	pending    map[hwdecode.SubmissionTag]pendingUnit
}

func newDecodeWorker(
	ctx context.Context,
	factory hwdecode.SessionFactory,
	parser hwdecode.BitstreamParser,
	sink resultSink,
	stats *CommonsStatistics,
) *decodeWorker {
	w := &decodeWorker{
		ctx:     ctx,
		runner:  newSerialRunner(ctx, "decodeWorker"),
		parser:  parser,
		sink:    sink,
		stats:   stats,
		pending: map[hwdecode.SubmissionTag]pendingUnit{},
	}
	w.adapter = newSessionAdapter(factory, w.onSessionComplete)
	return w
}

func (w *decodeWorker) PostDecode(
	ctx context.Context,
	epoch uint64,
	seq uint64,
	unit hwdecode.BitstreamUnit,
) {
	u := pendingUnit{
		Epoch:       epoch,
		Seq:         seq,
		BitstreamID: unit.ID,
	}
	if !w.runner.Post(ctx, func(ctx context.Context) { w.decodeTask(ctx, u, unit.Data) }) {
		logger.Warnf(ctx, "the decode worker is closed, dropping bitstream unit %d", unit.ID)
	}
}

func (w *decodeWorker) PostFlush(
	ctx context.Context,
	epoch uint64,
) {
	w.runner.Post(ctx, func(ctx context.Context) { w.flushTask(ctx, epoch) })
}

func (w *decodeWorker) PostReset(
	ctx context.Context,
	epoch uint64,
	dropSession bool,
) {
	w.runner.Post(ctx, func(ctx context.Context) { w.resetTask(ctx, epoch, dropSession) })
}

// PostDestroy drains the worker and tears the session down. The returned
// channel is closed when the worker goroutine has exited.
func (w *decodeWorker) PostDestroy(ctx context.Context) <-chan struct{} {
	w.runner.Post(ctx, w.teardownTask)
	return w.runner.Close(ctx)
}

func (w *decodeWorker) decodeTask(
	ctx context.Context,
	u pendingUnit,
	data []byte,
) {
	logger.Tracef(ctx, "decodeTask: #%d (bitstream unit %d, %d bytes)", u.Seq, u.BitstreamID, len(data))

	fail := func(err *hwdecode.Error) {
		err.BitstreamID = u.BitstreamID
		w.stats.UnitsRejected.Add(1)
		w.sink.postUnitProcessed(u.Epoch, u.BitstreamID)
		w.sink.postResult(decodeResult{
			Epoch:        u.Epoch,
			Seq:          u.Seq,
			BitstreamID:  u.BitstreamID,
			FormatChange: u.FormatChange,
			Err:          err,
		})
	}

	cfg, err := w.parser.ExtractConfig(ctx, data)
	if err != nil {
		kind := hwdecode.ErrorKindConfiguration
		if errors.Is(err, hwdecode.ErrMalformedUnit) {
			kind = hwdecode.ErrorKindDecodeSubmission
		}
		fail(hwdecode.NewError(kind, u.BitstreamID, fmt.Errorf("unable to parse the bitstream unit: %w", err)))
		return
	}
	if cfg != nil {
		w.lastConfig = cfg
	}

	if (cfg != nil || !w.adapter.IsConfigured()) && w.lastConfig != nil {
		sizeChanged, err := w.adapter.Configure(ctx, *w.lastConfig)
		if err != nil {
			var hwErr *hwdecode.Error
			if !errors.As(err, &hwErr) {
				hwErr = hwdecode.NewError(hwdecode.ErrorKindConfiguration, u.BitstreamID, err)
			}
			fail(hwErr)
			return
		}
		if sizeChanged {
			size := w.lastConfig.CodedSize
			u.FormatChange = &size
		}
	}

	if !w.adapter.IsConfigured() {
		fail(hwdecode.NewError(hwdecode.ErrorKindConfiguration, u.BitstreamID, fmt.Errorf("no parameter sets were received before the first picture")))
		return
	}

	tag := hwdecode.SubmissionTag(u.Seq)
	w.pending[tag] = u
	if err := w.adapter.Submit(ctx, tag, data); err != nil {
		delete(w.pending, tag)
		kind := hwdecode.ErrorKindDecodeSubmission
		if errors.Is(err, hwdecode.ErrSessionFailed) {
			kind = hwdecode.ErrorKindPlatformFailure
		}
		fail(hwdecode.NewError(kind, u.BitstreamID, fmt.Errorf("unable to submit: %w", err)))
		return
	}
	w.stats.UnitsSubmitted.Add(1)
	w.sink.postUnitProcessed(u.Epoch, u.BitstreamID)
}

// onSessionComplete may be called from any goroutine.
func (w *decodeWorker) onSessionComplete(
	tag hwdecode.SubmissionTag,
	err error,
	image hwdecode.Image,
) {
	ok := w.runner.Post(w.ctx, func(ctx context.Context) {
		w.completeTask(ctx, tag, err, image)
	})
	if !ok && image != nil {
		logger.Debugf(w.ctx, "a late completion of #%d after the worker was closed", tag)
		image.Release()
	}
}

func (w *decodeWorker) completeTask(
	ctx context.Context,
	tag hwdecode.SubmissionTag,
	err error,
	image hwdecode.Image,
) {
	u, ok := w.pending[tag]
	if !ok {
		if w.adapter.isTornDown {
			logger.Debugf(ctx, "received a completion of #%d after the teardown", tag)
		} else {
			logger.Errorf(ctx, "received a completion for an unknown submission #%d", tag)
		}
		if image != nil {
			image.Release()
		}
		return
	}
	delete(w.pending, tag)

	res := decodeResult{
		Epoch:        u.Epoch,
		Seq:          u.Seq,
		BitstreamID:  u.BitstreamID,
		FormatChange: u.FormatChange,
	}
	switch {
	case err != nil:
		if image != nil {
			image.Release()
		}
		kind := hwdecode.ErrorKindPlatformCallback
		if errors.Is(err, hwdecode.ErrSessionFailed) {
			w.adapter.MarkFailed(err)
			kind = hwdecode.ErrorKindPlatformFailure
		}
		res.Err = hwdecode.NewError(kind, u.BitstreamID, fmt.Errorf("unable to decode: %w", err))
	case image != nil:
		w.stats.FramesDecoded.Add(1)
		res.Image = image
	}
	w.sink.postResult(res)
}

func (w *decodeWorker) flushTask(
	ctx context.Context,
	epoch uint64,
) {
	var hwErr *hwdecode.Error
	if err := w.adapter.Flush(ctx); err != nil {
		kind := hwdecode.ErrorKindPlatformCallback
		if errors.Is(err, hwdecode.ErrSessionFailed) {
			kind = hwdecode.ErrorKindPlatformFailure
		}
		hwErr = hwdecode.NewError(kind, 0, fmt.Errorf("unable to flush the decode session: %w", err))
	}

	// the completions redispatched during the flush are queued before
	// this task, so the owner receives them before the marker
	w.runner.Post(ctx, func(ctx context.Context) {
		w.sink.postFlushed(epoch, hwErr)
	})
}

func (w *decodeWorker) resetTask(
	ctx context.Context,
	epoch uint64,
	dropSession bool,
) {
	if err := w.adapter.Flush(ctx); err != nil {
		logger.Warnf(ctx, "unable to flush the session on reset: %v", err)
		dropSession = true
	}
	dropSession = dropSession || w.adapter.IsFailed()
	if dropSession {
		if err := w.adapter.Drop(ctx); err != nil {
			errmon.ObserveErrorCtx(ctx, fmt.Errorf("unable to close the decode session: %w", err))
		}
	}

	w.runner.Post(ctx, func(ctx context.Context) {
		if dropSession {
			// the closed session will never complete the rest
			clear(w.pending)
		}
		w.sink.postResetDone(epoch)
	})
}

func (w *decodeWorker) teardownTask(ctx context.Context) {
	logger.Debugf(ctx, "teardownTask")
	defer func() { logger.Debugf(ctx, "/teardownTask") }()
	if err := w.adapter.Teardown(ctx); err != nil {
		errmon.ObserveErrorCtx(ctx, fmt.Errorf("unable to tear down the decode session: %w", err))
	}
	clear(w.pending)
}

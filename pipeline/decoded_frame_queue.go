package pipeline

import (
	"context"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwdecode"
)

// decodedFrame is the outcome of decoding one bitstream unit. A nil image
// means the unit produced no picture (or failed); such entries only
// advance the submission-order cursor.
type decodedFrame struct {
	Seq          uint64
	BitstreamID  hwdecode.BitstreamID
	Image        hwdecode.Image
	FormatChange *hwdecode.Size

	isFormatChangeAnnounced bool
}

func (f *decodedFrame) release() {
	if f.Image == nil {
		return
	}
	f.Image.Release()
	f.Image = nil
}

// decodedFrameQueue holds completed frames keyed by their submission
// sequence and exposes them strictly in the order of submission,
// regardless of the order the session completed them in.
type decodedFrameQueue struct {
	frames  map[uint64]*decodedFrame
	nextSeq uint64
}

func newDecodedFrameQueue() *decodedFrameQueue {
	return &decodedFrameQueue{
		frames: map[uint64]*decodedFrame{},
	}
}

// Push stores the frame. It returns false (and the frame is not retained)
// if the sequence was already consumed or is already queued.
func (q *decodedFrameQueue) Push(
	ctx context.Context,
	f *decodedFrame,
) bool {
	if f.Seq < q.nextSeq {
		logger.Debugf(ctx, "frame #%d is older than the cursor #%d", f.Seq, q.nextSeq)
		return false
	}
	if _, ok := q.frames[f.Seq]; ok {
		logger.Errorf(ctx, "frame #%d is already queued", f.Seq)
		return false
	}
	q.frames[f.Seq] = f
	return true
}

// PeekNext returns the frame that is next in the submission order, or nil
// if it has not completed yet.
func (q *decodedFrameQueue) PeekNext() *decodedFrame {
	return q.frames[q.nextSeq]
}

// Pop removes the next frame and advances the cursor. The caller becomes
// responsible for the image.
func (q *decodedFrameQueue) Pop() *decodedFrame {
	f, ok := q.frames[q.nextSeq]
	if !ok {
		return nil
	}
	delete(q.frames, q.nextSeq)
	q.nextSeq++
	return f
}

// NextSeq is the sequence of the next frame to be delivered; every frame
// before it was already popped or drained.
func (q *decodedFrameQueue) NextSeq() uint64 {
	return q.nextSeq
}

func (q *decodedFrameQueue) Len() int {
	return len(q.frames)
}

// DrainAll releases every queued image and restarts the cursor at nextSeq.
// It returns the amount of dropped images and the latest format change
// which was never announced, if any.
func (q *decodedFrameQueue) DrainAll(
	ctx context.Context,
	nextSeq uint64,
) (droppedImages int, unannouncedFormatChange *hwdecode.Size) {
	logger.Debugf(ctx, "DrainAll(ctx, %d): %d frames", nextSeq, len(q.frames))
	var lastSeq uint64
	for seq, f := range q.frames {
		if f.Image != nil {
			droppedImages++
		}
		if f.FormatChange != nil && !f.isFormatChangeAnnounced && (unannouncedFormatChange == nil || seq > lastSeq) {
			unannouncedFormatChange = f.FormatChange
			lastSeq = seq
		}
		f.release()
	}
	clear(q.frames)
	if nextSeq > q.nextSeq {
		q.nextSeq = nextSeq
	}
	return
}

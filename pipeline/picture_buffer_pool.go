package pipeline

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwdecode"
	"github.com/xaionaro-go/hwdecode/internal"
)

type pictureBuffer struct {
	hwdecode.PictureBuffer

	// image is non-nil while the buffer is bound.
	image      hwdecode.Image
	isAcquired bool
}

func (b *pictureBuffer) isBound() bool {
	return b.image != nil
}

// pictureBufferPool tracks the client-provided picture buffers. A buffer
// is either Available (listed in `available`), Acquired (taken by
// TryAcquire, about to be bound) or Bound (holds an image until the client
// reuses it).
type pictureBufferPool struct {
	buffers   map[hwdecode.PictureBufferID]*pictureBuffer
	available []hwdecode.PictureBufferID
}

func newPictureBufferPool() *pictureBufferPool {
	return &pictureBufferPool{
		buffers: map[hwdecode.PictureBufferID]*pictureBuffer{},
	}
}

// Assign replaces the whole set of buffers. Images bound to the previous
// set are released and the previous IDs become unknown.
func (p *pictureBufferPool) Assign(
	ctx context.Context,
	buffers []hwdecode.PictureBuffer,
) (_err error) {
	logger.Debugf(ctx, "Assign(ctx, %d buffers)", len(buffers))
	defer func() { logger.Debugf(ctx, "/Assign(ctx, %d buffers): %v", len(buffers), _err) }()

	newBuffers := make(map[hwdecode.PictureBufferID]*pictureBuffer, len(buffers))
	available := make([]hwdecode.PictureBufferID, 0, len(buffers))
	for _, buf := range buffers {
		if _, ok := newBuffers[buf.ID]; ok {
			return fmt.Errorf("picture buffer ID %d is assigned twice", buf.ID)
		}
		newBuffers[buf.ID] = &pictureBuffer{PictureBuffer: buf}
		available = append(available, buf.ID)
	}

	p.Clear(ctx)
	p.buffers = newBuffers
	p.available = available
	return nil
}

// TryAcquire takes the longest-available buffer. The caller must either
// Bind it or give it back with Return.
func (p *pictureBufferPool) TryAcquire() (hwdecode.PictureBuffer, bool) {
	for len(p.available) > 0 {
		id := p.available[0]
		p.available = p.available[1:]
		buf, ok := p.buffers[id]
		if !ok || buf.isBound() || buf.isAcquired {
			continue
		}
		buf.isAcquired = true
		return buf.PictureBuffer, true
	}
	return hwdecode.PictureBuffer{}, false
}

// Return puts an acquired-but-not-bound buffer back to the head of the
// available list.
func (p *pictureBufferPool) Return(id hwdecode.PictureBufferID) {
	buf, ok := p.buffers[id]
	if !ok || !buf.isAcquired {
		return
	}
	buf.isAcquired = false
	p.available = append([]hwdecode.PictureBufferID{id}, p.available...)
}

// Bind binds the image to an acquired buffer; the pool takes the ownership
// of the image.
func (p *pictureBufferPool) Bind(
	ctx context.Context,
	id hwdecode.PictureBufferID,
	image hwdecode.Image,
) {
	buf, ok := p.buffers[id]
	internal.Assert(ctx, ok, "binding an unknown picture buffer %d", id)
	internal.Assert(ctx, buf.isAcquired, "binding picture buffer %d which was not acquired", id)
	internal.Assert(ctx, !buf.isBound(), "picture buffer %d is already bound", id)
	buf.isAcquired = false
	buf.image = image
}

// Release unbinds the buffer and makes it available again. Releasing an
// available or unknown buffer is a no-op and returns false.
func (p *pictureBufferPool) Release(
	ctx context.Context,
	id hwdecode.PictureBufferID,
) bool {
	buf, ok := p.buffers[id]
	if !ok {
		logger.Debugf(ctx, "picture buffer %d is unknown", id)
		return false
	}
	if !buf.isBound() {
		logger.Debugf(ctx, "picture buffer %d is not bound", id)
		return false
	}
	buf.image.Release()
	buf.image = nil
	p.available = append(p.available, id)
	return true
}

// UnbindAll releases every bound buffer and returns how many there were.
func (p *pictureBufferPool) UnbindAll(ctx context.Context) int {
	count := 0
	for id, buf := range p.buffers {
		if !buf.isBound() {
			continue
		}
		if p.Release(ctx, id) {
			count++
		}
	}
	return count
}

// Clear releases the bound images and forgets all the buffers.
func (p *pictureBufferPool) Clear(ctx context.Context) {
	unbound := p.UnbindAll(ctx)
	logger.Debugf(ctx, "Clear: %d buffers (%d were bound)", len(p.buffers), unbound)
	clear(p.buffers)
	p.available = p.available[:0]
}

func (p *pictureBufferPool) Len() int {
	return len(p.buffers)
}

func (p *pictureBufferPool) AvailableCount() int {
	count := 0
	for _, buf := range p.buffers {
		if !buf.isBound() && !buf.isAcquired {
			count++
		}
	}
	return count
}

func (p *pictureBufferPool) IsBound(id hwdecode.PictureBufferID) bool {
	buf, ok := p.buffers[id]
	return ok && buf.isBound()
}

// Fits reports if there is at least one buffer and every buffer has
// exactly the given coded size.
func (p *pictureBufferPool) Fits(size hwdecode.Size) bool {
	if len(p.buffers) == 0 {
		return false
	}
	for _, buf := range p.buffers {
		if buf.Size != size {
			return false
		}
	}
	return true
}

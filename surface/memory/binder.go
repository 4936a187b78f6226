// Package memory implements surfaces as in-memory RGBA images; binding an
// image converts (and scales, if needed) it into the surface.
package memory

import (
	"context"
	"fmt"
	"image"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwdecode"
	"github.com/xaionaro-go/xsync"
	"golang.org/x/image/draw"
)

// imageConverter is an image which is not kept in a Go-native format,
// e.g. a libav frame.
type imageConverter interface {
	ToImage() (image.Image, error)
}

type Binder struct {
	locker     xsync.Mutex
	surfaces   map[hwdecode.SurfaceHandle]*image.RGBA
	nextHandle hwdecode.SurfaceHandle
	scaler     draw.Scaler
}

var _ hwdecode.SurfaceBinder = (*Binder)(nil)

func New() *Binder {
	return &Binder{
		surfaces:   map[hwdecode.SurfaceHandle]*image.RGBA{},
		nextHandle: 1,
		scaler:     draw.ApproxBiLinear,
	}
}

func (b *Binder) NewSurface(
	ctx context.Context,
	size hwdecode.Size,
) (hwdecode.SurfaceHandle, error) {
	if size.IsEmpty() {
		return 0, fmt.Errorf("invalid surface size %s", size)
	}
	return xsync.DoR1(ctx, &b.locker, func() hwdecode.SurfaceHandle {
		handle := b.nextHandle
		b.nextHandle++
		b.surfaces[handle] = image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
		return handle
	}), nil
}

// NewPictureBuffers allocates a surface per picture buffer; the buffer IDs
// start from firstID.
func (b *Binder) NewPictureBuffers(
	ctx context.Context,
	firstID hwdecode.PictureBufferID,
	count int,
	size hwdecode.Size,
) ([]hwdecode.PictureBuffer, error) {
	result := make([]hwdecode.PictureBuffer, 0, count)
	for idx := 0; idx < count; idx++ {
		handle, err := b.NewSurface(ctx, size)
		if err != nil {
			return nil, fmt.Errorf("unable to allocate surface #%d: %w", idx, err)
		}
		result = append(result, hwdecode.PictureBuffer{
			ID:      firstID + hwdecode.PictureBufferID(idx),
			Surface: handle,
			Size:    size,
		})
	}
	return result, nil
}

func (b *Binder) DestroySurface(
	ctx context.Context,
	handle hwdecode.SurfaceHandle,
) {
	b.locker.Do(ctx, func() {
		delete(b.surfaces, handle)
	})
}

// Surface returns the surface image; it must not be modified concurrently
// with binding.
func (b *Binder) Surface(
	ctx context.Context,
	handle hwdecode.SurfaceHandle,
) (*image.RGBA, bool) {
	return xsync.DoR2(ctx, &b.locker, func() (*image.RGBA, bool) {
		surface, ok := b.surfaces[handle]
		return surface, ok
	})
}

func (b *Binder) SurfaceCount(ctx context.Context) int {
	return xsync.DoR1(ctx, &b.locker, func() int {
		return len(b.surfaces)
	})
}

func (b *Binder) BindImageToSurface(
	ctx context.Context,
	img hwdecode.Image,
	handle hwdecode.SurfaceHandle,
) (_err error) {
	logger.Tracef(ctx, "BindImageToSurface(ctx, %T, %d)", img, handle)
	defer func() { logger.Tracef(ctx, "/BindImageToSurface(ctx, %T, %d): %v", img, handle, _err) }()

	var src image.Image
	switch img := img.(type) {
	case image.Image:
		src = img
	case imageConverter:
		var err error
		src, err = img.ToImage()
		if err != nil {
			return fmt.Errorf("unable to convert %T: %w", img, err)
		}
	default:
		return fmt.Errorf("unsupported image type %T", img)
	}
	return xsync.DoR1(ctx, &b.locker, func() error {
		dst, ok := b.surfaces[handle]
		if !ok {
			return fmt.Errorf("unknown surface %d", handle)
		}
		if dst.Bounds().Size() == src.Bounds().Size() {
			draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
			return nil
		}
		b.scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
		return nil
	})
}

//go:build with_libav
// +build with_libav

package libav

import (
	"fmt"
	"image"
	"sync/atomic"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/hwdecode"
)

// Image is a decoded frame in RAM.
type Image struct {
	frame      *astiav.Frame
	codedSize  hwdecode.Size
	isReleased atomic.Bool
}

var _ hwdecode.Image = (*Image)(nil)

func newImage(frame *astiav.Frame) *Image {
	return &Image{
		frame: frame,
		codedSize: hwdecode.Size{
			Width:  frame.Width(),
			Height: frame.Height(),
		},
	}
}

func (img *Image) Frame() *astiav.Frame {
	return img.frame
}

func (img *Image) CodedSize() hwdecode.Size {
	return img.codedSize
}

// ToImage converts the frame to a Go image.
func (img *Image) ToImage() (image.Image, error) {
	if img.IsReleased() {
		return nil, fmt.Errorf("the image is already released")
	}
	data := img.frame.Data()
	result, err := data.GuessImageFormat()
	if err != nil {
		return nil, fmt.Errorf("unable to guess the image format of %v: %w", img.frame.PixelFormat(), err)
	}
	if err := data.ToImage(result); err != nil {
		return nil, fmt.Errorf("unable to convert the frame to an image: %w", err)
	}
	return result, nil
}

func (img *Image) Release() {
	if img.isReleased.Swap(true) {
		return
	}
	img.frame.Free()
}

func (img *Image) IsReleased() bool {
	return img.isReleased.Load()
}

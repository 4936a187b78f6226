package loopback

import (
	"image"
	"sync/atomic"

	"github.com/xaionaro-go/hwdecode"
)

// Image is a synthesized picture; the luma plane is a gradient shifted by
// the frame number, so consecutive frames differ.
type Image struct {
	*image.YCbCr
	FrameNumber uint64
	isReleased  atomic.Bool
}

var _ hwdecode.Image = (*Image)(nil)

func newImage(size hwdecode.Size, frameNumber uint64) *Image {
	img := image.NewYCbCr(image.Rect(0, 0, size.Width, size.Height), image.YCbCrSubsampleRatio420)
	for y := 0; y < size.Height; y++ {
		row := img.Y[y*img.YStride : y*img.YStride+size.Width]
		for x := range row {
			row[x] = byte(x + y + int(frameNumber))
		}
	}
	for idx := range img.Cb {
		img.Cb[idx] = 128
		img.Cr[idx] = 128
	}
	return &Image{
		YCbCr:       img,
		FrameNumber: frameNumber,
	}
}

func (img *Image) CodedSize() hwdecode.Size {
	r := img.YCbCr.Bounds()
	return hwdecode.Size{Width: r.Dx(), Height: r.Dy()}
}

func (img *Image) Release() {
	if img.isReleased.Swap(true) {
		return
	}
	img.YCbCr = nil
}

func (img *Image) IsReleased() bool {
	return img.isReleased.Load()
}

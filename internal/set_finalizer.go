package internal

import (
	"context"
	"runtime"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// SetFinalizerRelease makes sure a leaked image still gets its resources
// freed, and complains about the leak.
func SetFinalizerRelease[T interface {
	Release()
	IsReleased() bool
}](
	ctx context.Context,
	image T,
) {
	runtime.SetFinalizer(image, func(image T) {
		if image.IsReleased() {
			return
		}
		logger.Warnf(ctx, "%T was garbage collected without being released", image)
		image.Release()
	})
}

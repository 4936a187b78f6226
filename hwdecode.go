package hwdecode

import (
	"context"
	"io"
)

// Client receives the results of a decode pipeline. All the methods are
// invoked from the pipeline's owner goroutine, one at a time.
type Client interface {
	OnFrameReady(Picture)
	OnBitstreamUnitProcessed(BitstreamID)
	OnFlushDone()
	OnResetDone()
	OnError(ErrorKind, error)
	OnOutputFormatChanged(codedSize Size)
}

// Image is a decoded picture produced by a Session. Whoever holds an Image
// is responsible for calling Release exactly once.
type Image interface {
	CodedSize() Size
	Release()
}

// CompletionCallback is invoked by a Session once per submitted unit, from
// any goroutine. A nil image with a nil error means the unit produced no
// picture.
type CompletionCallback func(tag SubmissionTag, err error, image Image)

type Session interface {
	io.Closer

	Configure(ctx context.Context, cfg DecodeSessionConfig) error
	Submit(ctx context.Context, tag SubmissionTag, data []byte) error

	// Flush blocks until the callback was invoked for every submitted unit.
	Flush(ctx context.Context) error
}

type SessionFactory interface {
	SupportsProfile(VideoCodecProfile) bool
	NewSession(ctx context.Context, cfg DecodeSessionConfig, onComplete CompletionCallback) (Session, error)
}

type BitstreamParser interface {
	// ExtractConfig returns a non-nil config if the unit carries parameter
	// sets which differ from the previously seen ones.
	ExtractConfig(ctx context.Context, data []byte) (*DecodeSessionConfig, error)
}

type SurfaceBinder interface {
	BindImageToSurface(ctx context.Context, image Image, surface SurfaceHandle) error
}

// Package libav implements decode sessions on top of libavcodec, with an
// optional hardware device. The real implementation is built only with the
// "with_libav" build tag.
package libav

import (
	"errors"
)

var ErrNotCompiledIn = errors.New("not compiled with libav support")

// CodecOption is passed to libavcodec when the decoder is opened; put
// CodecOptions to hwdecode.SessionConfig.CustomOptions to set them.
type CodecOption struct {
	Key   string
	Value string
}

type CodecOptions []CodecOption

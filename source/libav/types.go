// Package libav demuxes the H.264 video stream of anything libavformat can
// open: files, RTMP, RTSP, HTTP, etc. The real implementation is built only
// with the "with_libav" build tag.
package libav

import (
	"errors"
)

var ErrNotCompiledIn = errors.New("not compiled with libav support")

type DictionaryItem struct {
	Key   string
	Value string
}

type DictionaryItems []DictionaryItem

type InputConfig struct {
	CustomOptions DictionaryItems
}

//go:build !with_libav
// +build !with_libav

package libav

import (
	"context"

	"github.com/xaionaro-go/hwdecode"
	"github.com/xaionaro-go/hwdecode/source"
)

type Reader struct{}

var _ source.Source = (*Reader)(nil)

func Open(
	ctx context.Context,
	url string,
	cfg InputConfig,
) (*Reader, error) {
	return nil, ErrNotCompiledIn
}

func (r *Reader) Profile() hwdecode.VideoCodecProfile {
	return hwdecode.VideoCodecProfileUndefined
}

func (r *Reader) CodedSize() hwdecode.Size {
	return hwdecode.Size{}
}

func (r *Reader) NextAccessUnit(ctx context.Context) (source.AccessUnit, error) {
	return source.AccessUnit{}, ErrNotCompiledIn
}

func (r *Reader) Close() error {
	return nil
}

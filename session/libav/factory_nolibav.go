//go:build !with_libav
// +build !with_libav

package libav

import (
	"context"

	"github.com/xaionaro-go/hwdecode"
)

type Factory struct {
	Config hwdecode.SessionBackendLibav
}

var _ hwdecode.SessionFactory = (*Factory)(nil)

func NewFactory(
	ctx context.Context,
	cfg hwdecode.SessionBackendLibav,
	customOptions hwdecode.CustomOptions,
) (*Factory, error) {
	return nil, ErrNotCompiledIn
}

func (f *Factory) SupportsProfile(hwdecode.VideoCodecProfile) bool {
	return false
}

func (f *Factory) NewSession(
	ctx context.Context,
	cfg hwdecode.DecodeSessionConfig,
	onComplete hwdecode.CompletionCallback,
) (hwdecode.Session, error) {
	return nil, ErrNotCompiledIn
}

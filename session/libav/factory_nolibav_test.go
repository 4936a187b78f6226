//go:build !with_libav
// +build !with_libav

package libav

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwdecode"
)

func TestNotCompiledIn(t *testing.T) {
	ctx := context.Background()
	_, err := NewFactory(ctx, hwdecode.SessionBackendLibav{}, nil)
	require.ErrorIs(t, err, ErrNotCompiledIn)

	var f Factory
	require.False(t, f.SupportsProfile(hwdecode.VideoCodecProfileH264High))
	_, err = f.NewSession(ctx, hwdecode.DecodeSessionConfig{}, nil)
	require.ErrorIs(t, err, ErrNotCompiledIn)
}

//go:build with_libav
// +build with_libav

package libav

import (
	"context"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwdecode"
	"github.com/xaionaro-go/hwdecode/internal/h264test"
)

func TestFactory(t *testing.T) {
	ctx := context.Background()

	_, err := NewFactory(ctx, hwdecode.SessionBackendLibav{HardwareDeviceType: "no-such-device"}, nil)
	require.Error(t, err)

	f, err := NewFactory(ctx, hwdecode.SessionBackendLibav{}, nil)
	require.NoError(t, err)
	require.True(t, f.SupportsProfile(hwdecode.VideoCodecProfileH264Baseline))
	require.False(t, f.SupportsProfile(hwdecode.VideoCodecProfileUndefined))

	f, err = NewFactory(ctx, hwdecode.SessionBackendLibav{CodecName: "h264"}, hwdecode.CustomOptions{
		CodecOptions{{Key: "threads", Value: "1"}},
	})
	require.NoError(t, err)
	require.True(t, f.SupportsProfile(hwdecode.VideoCodecProfileH264High))
	require.False(t, f.SupportsProfile(hwdecode.VideoCodecProfileVP9Profile0))
	require.Equal(t, CodecOptions{{Key: "threads", Value: "1"}}, f.CodecOptions)
}

func TestSessionParameterSetsOnly(t *testing.T) {
	ctx := context.Background()
	f, err := NewFactory(ctx, hwdecode.SessionBackendLibav{}, nil)
	require.NoError(t, err)

	sps, pps := h264test.SPS(66, 64, 48), h264test.PPS()
	var (
		locker    sync.Mutex
		completed []hwdecode.SubmissionTag
	)
	s, err := f.NewSession(ctx, hwdecode.DecodeSessionConfig{
		Profile:       hwdecode.VideoCodecProfileH264Baseline,
		CodedSize:     hwdecode.Size{Width: 64, Height: 48},
		ParameterSets: [][]byte{sps, pps},
	}, func(tag hwdecode.SubmissionTag, err error, image hwdecode.Image) {
		require.NoError(t, err)
		require.Nil(t, image)
		locker.Lock()
		defer locker.Unlock()
		completed = append(completed, tag)
	})
	require.NoError(t, err)

	require.NoError(t, s.Submit(ctx, 7, h264test.AnnexB(sps, pps)))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Error(t, s.Submit(ctx, 8, h264test.AnnexB(sps, pps)))

	locker.Lock()
	defer locker.Unlock()
	require.Equal(t, []hwdecode.SubmissionTag{7}, completed)
}

func TestOutputDelay(t *testing.T) {
	require.Equal(t, maxReorderDelay, outputDelay(1))
	require.Equal(t, maxReorderDelay+16, outputDelay(17))
	require.Equal(t, maxReorderDelay+runtime.NumCPU()-1, outputDelay(0))
}

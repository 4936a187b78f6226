package h264

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwdecode"
	"github.com/xaionaro-go/hwdecode/internal/h264test"
)

func TestParserExtractConfig(t *testing.T) {
	ctx := context.Background()
	p := New()

	keyFrame := h264test.KeyFrame(66, 320, 240)
	cfg, err := p.ExtractConfig(ctx, keyFrame)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, hwdecode.VideoCodecProfileH264Baseline, cfg.Profile)
	require.Equal(t, hwdecode.Size{Width: 320, Height: 240}, cfg.CodedSize)
	require.Equal(t, [][]byte{h264test.SPS(66, 320, 240), h264test.PPS()}, cfg.ParameterSets)
	require.True(t, IsKeyFrame(keyFrame))

	cfg, err = p.ExtractConfig(ctx, keyFrame)
	require.NoError(t, err)
	require.Nil(t, cfg, "the same parameter sets must not be reported twice")

	slice := h264test.AnnexB(h264test.Slice())
	cfg, err = p.ExtractConfig(ctx, slice)
	require.NoError(t, err)
	require.Nil(t, cfg)
	require.False(t, IsKeyFrame(slice))

	cfg, err = p.ExtractConfig(ctx, h264test.KeyFrame(77, 640, 480))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, hwdecode.VideoCodecProfileH264Main, cfg.Profile)
	require.Equal(t, hwdecode.Size{Width: 640, Height: 480}, cfg.CodedSize)
}

func TestParserPPSBeforeSPS(t *testing.T) {
	ctx := context.Background()
	p := New()

	cfg, err := p.ExtractConfig(ctx, h264test.AnnexB(h264test.PPS()))
	require.NoError(t, err)
	require.Nil(t, cfg)

	cfg, err = p.ExtractConfig(ctx, h264test.AnnexB(h264test.SPS(66, 176, 144), h264test.IDRSlice()))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Len(t, cfg.ParameterSets, 2)
}

func TestParserErrors(t *testing.T) {
	ctx := context.Background()

	_, err := New().ExtractConfig(ctx, nil)
	require.Error(t, err)

	_, err = New().ExtractConfig(ctx, h264test.KeyFrame(99, 320, 240))
	require.ErrorIs(t, err, hwdecode.ErrUnsupportedProfile)
}

func TestHasPicture(t *testing.T) {
	require.True(t, HasPicture(h264test.KeyFrame(66, 64, 48)))
	require.True(t, HasPicture(h264test.AnnexB(h264test.Slice())))
	require.False(t, HasPicture(h264test.AnnexB(h264test.SPS(66, 64, 48), h264test.PPS())))
	require.True(t, HasPicture([]byte("not a byte stream")))
}

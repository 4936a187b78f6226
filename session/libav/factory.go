//go:build with_libav
// +build with_libav

package libav

import (
	"context"
	"fmt"
	"runtime"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwdecode"
)

type Factory struct {
	Config             hwdecode.SessionBackendLibav
	CodecOptions       CodecOptions
	HardwareDeviceType astiav.HardwareDeviceType
}

var _ hwdecode.SessionFactory = (*Factory)(nil)

func NewFactory(
	ctx context.Context,
	cfg hwdecode.SessionBackendLibav,
	customOptions hwdecode.CustomOptions,
) (*Factory, error) {
	f := &Factory{
		Config:             cfg,
		HardwareDeviceType: astiav.HardwareDeviceTypeNone,
	}
	f.CodecOptions, _ = hwdecode.GetCustomOption[CodecOptions](customOptions)
	if cfg.HardwareDeviceType != "" {
		f.HardwareDeviceType = astiav.FindHardwareDeviceTypeByName(string(cfg.HardwareDeviceType))
		if f.HardwareDeviceType == astiav.HardwareDeviceTypeNone {
			return nil, fmt.Errorf("unknown hardware device type '%s'", cfg.HardwareDeviceType)
		}
	}
	logger.Debugf(ctx, "libav factory: hardware device type %v, codec name '%s'", f.HardwareDeviceType, cfg.CodecName)
	return f, nil
}

func codecIDFromProfile(profile hwdecode.VideoCodecProfile) (astiav.CodecID, bool) {
	switch {
	case profile.IsH264():
		return astiav.CodecIDH264, true
	case profile == hwdecode.VideoCodecProfileHEVCMain:
		return astiav.CodecIDHevc, true
	case profile == hwdecode.VideoCodecProfileVP9Profile0:
		return astiav.CodecIDVp9, true
	case profile == hwdecode.VideoCodecProfileAV1Main:
		return astiav.CodecIDAv1, true
	}
	return astiav.CodecIDNone, false
}

// optimalDecoderName returns the name of a platform decoder which is
// hardware accelerated without a hardware device context.
func optimalDecoderName(codecID astiav.CodecID) string {
	if runtime.GOOS != "android" {
		return ""
	}
	switch codecID {
	case astiav.CodecIDH264:
		return "h264_mediacodec"
	case astiav.CodecIDHevc:
		return "hevc_mediacodec"
	}
	return ""
}

func (f *Factory) findDecoder(profile hwdecode.VideoCodecProfile) (*astiav.Codec, error) {
	codecID, ok := codecIDFromProfile(profile)
	if !ok {
		return nil, fmt.Errorf("%w: %s", hwdecode.ErrUnsupportedProfile, profile)
	}

	var codec *astiav.Codec
	switch {
	case f.Config.CodecName != "":
		codec = astiav.FindDecoderByName(string(f.Config.CodecName))
	default:
		if name := optimalDecoderName(codecID); name != "" && f.HardwareDeviceType == astiav.HardwareDeviceTypeNone {
			codec = astiav.FindDecoderByName(name)
		}
		if codec == nil {
			codec = astiav.FindDecoder(codecID)
		}
	}
	if codec == nil {
		return nil, fmt.Errorf("unable to find a decoder using name '%s' or codec ID %v", f.Config.CodecName, codecID)
	}
	if codec.ID() != codecID {
		return nil, fmt.Errorf("decoder '%s' decodes %v, not %v", codec.Name(), codec.ID(), codecID)
	}

	if f.HardwareDeviceType != astiav.HardwareDeviceTypeNone {
		if hardwarePixelFormat(codec, f.HardwareDeviceType) == astiav.PixelFormatNone {
			return nil, fmt.Errorf("hardware device type '%v' is not supported by decoder '%s'", f.HardwareDeviceType, codec.Name())
		}
	}
	return codec, nil
}

func (f *Factory) SupportsProfile(profile hwdecode.VideoCodecProfile) bool {
	_, err := f.findDecoder(profile)
	return err == nil
}

func (f *Factory) NewSession(
	ctx context.Context,
	cfg hwdecode.DecodeSessionConfig,
	onComplete hwdecode.CompletionCallback,
) (hwdecode.Session, error) {
	return NewSession(ctx, f, cfg, onComplete)
}

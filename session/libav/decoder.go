//go:build with_libav
// +build with_libav

package libav

import (
	"context"
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwdecode"
)

var annexBStartCode = []byte{0, 0, 0, 1}

type decoder struct {
	codec                 *astiav.Codec
	codecContext          *astiav.CodecContext
	hardwareDeviceContext *astiav.HardwareDeviceContext
	hardwarePixelFormat   astiav.PixelFormat
	outputDelay           int
	closer                *astikit.Closer
}

func hardwarePixelFormat(
	codec *astiav.Codec,
	hardwareDeviceType astiav.HardwareDeviceType,
) astiav.PixelFormat {
	for _, p := range codec.HardwareConfigs() {
		if p.MethodFlags().Has(astiav.CodecHardwareConfigMethodFlagHwDeviceCtx) && p.HardwareDeviceType() == hardwareDeviceType {
			return p.PixelFormat()
		}
	}
	return astiav.PixelFormatNone
}

func newDecoder(
	ctx context.Context,
	codec *astiav.Codec,
	hardwareDeviceType astiav.HardwareDeviceType,
	hardwareDeviceName hwdecode.HardwareDeviceName,
	options CodecOptions,
	cfg hwdecode.DecodeSessionConfig,
) (_ret *decoder, _err error) {
	logger.Debugf(ctx, "newDecoder(ctx, %s, %v, '%s', %s)", codec.Name(), hardwareDeviceType, hardwareDeviceName, cfg.CodedSize)
	defer func() { logger.Debugf(ctx, "/newDecoder: %v", _err) }()

	d := &decoder{
		codec:               codec,
		closer:              astikit.NewCloser(),
		hardwarePixelFormat: astiav.PixelFormatNone,
	}
	defer func() {
		if _err != nil {
			_ = d.Close()
		}
	}()

	if d.codecContext = astiav.AllocCodecContext(codec); d.codecContext == nil {
		return nil, fmt.Errorf("unable to allocate codec context")
	}
	d.closer.Add(d.codecContext.Free)

	if hardwareDeviceType != astiav.HardwareDeviceTypeNone {
		d.hardwarePixelFormat = hardwarePixelFormat(codec, hardwareDeviceType)
		if d.hardwarePixelFormat == astiav.PixelFormatNone {
			return nil, fmt.Errorf("hardware device type '%v' is not supported", hardwareDeviceType)
		}
	}

	d.codecContext.SetWidth(cfg.CodedSize.Width)
	d.codecContext.SetHeight(cfg.CodedSize.Height)
	if len(cfg.ParameterSets) > 0 {
		var extraData []byte
		for _, ps := range cfg.ParameterSets {
			extraData = append(extraData, annexBStartCode...)
			extraData = append(extraData, ps...)
		}
		d.codecContext.SetExtraData(extraData)
	}

	if hardwareDeviceType != astiav.HardwareDeviceTypeNone {
		var err error
		d.hardwareDeviceContext, err = astiav.CreateHardwareDeviceContext(
			hardwareDeviceType,
			string(hardwareDeviceName),
			nil,
			0,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: unable to create hardware device context: %w", hwdecode.ErrSessionFailed, err)
		}
		d.closer.Add(d.hardwareDeviceContext.Free)

		d.codecContext.SetHardwareDeviceContext(d.hardwareDeviceContext)
		d.codecContext.SetPixelFormatCallback(func(pfs []astiav.PixelFormat) astiav.PixelFormat {
			for _, pf := range pfs {
				if pf == d.hardwarePixelFormat {
					return pf
				}
			}

			logger.Errorf(ctx, "unable to find appropriate pixel format")
			return astiav.PixelFormatNone
		})
	}

	var dictionary *astiav.Dictionary
	if len(options) > 0 {
		dictionary = astiav.NewDictionary()
		defer dictionary.Free()
		for _, opt := range options {
			logger.Debugf(ctx, "dictionary['%s'] = '%s'", opt.Key, opt.Value)
			dictionary.Set(opt.Key, opt.Value, 0)
		}
	}

	if err := d.codecContext.Open(codec, dictionary); err != nil {
		return nil, fmt.Errorf("unable to open codec context: %w", err)
	}
	d.outputDelay = outputDelay(d.codecContext.ThreadCount())
	logger.Debugf(ctx, "output delay: %d units", d.outputDelay)

	return d, nil
}

func (d *decoder) Close() error {
	return d.closer.Close()
}

// sendPacket feeds the packet (nil means end of stream) and collects every
// frame the decoder is ready to output.
func (d *decoder) sendPacket(
	ctx context.Context,
	pkt *astiav.Packet,
) ([]*astiav.Frame, error) {
	var frames []*astiav.Frame
	for {
		err := d.codecContext.SendPacket(pkt)
		if err == nil || (pkt == nil && errors.Is(err, astiav.ErrEof)) {
			break
		}
		if !errors.Is(err, astiav.ErrEagain) {
			return frames, fmt.Errorf("unable to send the packet: %w", err)
		}
		// the output queue is full
		received, err := d.receiveFrames(ctx)
		frames = append(frames, received...)
		if err != nil {
			return frames, err
		}
		if len(received) == 0 {
			return frames, fmt.Errorf("the decoder refuses the packet and outputs nothing")
		}
	}
	received, err := d.receiveFrames(ctx)
	return append(frames, received...), err
}

func (d *decoder) receiveFrames(ctx context.Context) ([]*astiav.Frame, error) {
	var frames []*astiav.Frame
	for {
		frame := astiav.AllocFrame()
		err := d.codecContext.ReceiveFrame(frame)
		switch {
		case err == nil:
		case errors.Is(err, astiav.ErrEagain), errors.Is(err, astiav.ErrEof):
			frame.Free()
			return frames, nil
		default:
			frame.Free()
			return frames, fmt.Errorf("unable to receive a frame: %w", err)
		}

		if d.hardwareDeviceContext == nil || frame.PixelFormat() != d.hardwarePixelFormat {
			frames = append(frames, frame)
			continue
		}

		ramFrame := astiav.AllocFrame()
		if err := frame.TransferHardwareData(ramFrame); err != nil {
			frame.Free()
			ramFrame.Free()
			return frames, fmt.Errorf("failed to transfer frame from hardware decoder to RAM: %w", err)
		}
		ramFrame.SetPts(frame.Pts())
		frame.Free()
		logger.Tracef(ctx, "transferred frame %d to RAM", ramFrame.Pts())
		frames = append(frames, ramFrame)
	}
}

// reset makes the decoder accept packets again after the end of stream.
func (d *decoder) reset(ctx context.Context) {
	logger.Tracef(ctx, "reset")
	d.codecContext.FlushBuffers()
}

//go:build with_libav
// +build with_libav

package libav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwdecode"
	"github.com/xaionaro-go/hwdecode/source"
)

type Reader struct {
	closer        *astikit.Closer
	formatContext *astiav.FormatContext
	dictionary    *astiav.Dictionary
	packet        *astiav.Packet
	stream        *astiav.Stream

	// isAVCC is set if the packets carry length-prefixed NAL units
	isAVCC        bool
	profile       hwdecode.VideoCodecProfile
	codedSize     hwdecode.Size
	parameterSets []byte
}

var _ source.Source = (*Reader)(nil)

func Open(
	ctx context.Context,
	url string,
	cfg InputConfig,
) (_ret *Reader, _err error) {
	logger.Debugf(ctx, "Open(ctx, '%s')", url)
	defer func() { logger.Debugf(ctx, "/Open(ctx, '%s'): %v", url, _err) }()

	if url == "" {
		return nil, fmt.Errorf("the provided URL is empty")
	}

	r := &Reader{
		closer: astikit.NewCloser(),
	}
	defer func() {
		if _err != nil {
			_ = r.Close()
		}
	}()

	r.formatContext = astiav.AllocFormatContext()
	if r.formatContext == nil {
		return nil, fmt.Errorf("unable to allocate a format context")
	}
	r.closer.Add(r.formatContext.Free)

	if len(cfg.CustomOptions) > 0 {
		r.dictionary = astiav.NewDictionary()
		r.closer.Add(r.dictionary.Free)

		for _, opt := range cfg.CustomOptions {
			if opt.Key == "f" {
				return nil, fmt.Errorf("overriding input format is not supported, yet")
			}
			logger.Debugf(ctx, "dictionary['%s'] = '%s'", opt.Key, opt.Value)
			r.dictionary.Set(opt.Key, opt.Value, 0)
		}
	}

	if err := r.formatContext.OpenInput(url, nil, r.dictionary); err != nil {
		return nil, fmt.Errorf("unable to open input by URL '%s': %w", url, err)
	}
	r.closer.Add(r.formatContext.CloseInput)

	if err := r.formatContext.FindStreamInfo(nil); err != nil {
		return nil, fmt.Errorf("unable to get stream info: %w", err)
	}

	for _, stream := range r.formatContext.Streams() {
		if stream.CodecParameters().MediaType() == astiav.MediaTypeVideo {
			r.stream = stream
			break
		}
	}
	if r.stream == nil {
		return nil, fmt.Errorf("no video stream found in '%s'", url)
	}
	params := r.stream.CodecParameters()
	if params.CodecID() != astiav.CodecIDH264 {
		return nil, fmt.Errorf("%w: the video stream is %v, not H.264", hwdecode.ErrUnsupportedProfile, params.CodecID())
	}
	r.codedSize = hwdecode.Size{
		Width:  int(params.Width()),
		Height: int(params.Height()),
	}
	if err := r.setExtraData(params.ExtraData()); err != nil {
		return nil, err
	}

	r.packet = astiav.AllocPacket()
	r.closer.Add(r.packet.Free)
	return r, nil
}

func (r *Reader) setExtraData(extraData []byte) error {
	if len(extraData) == 0 {
		// the parameter sets are in-band only
		return nil
	}

	var spss, ppss [][]byte
	if extraData[0] == 1 {
		rec, err := avc.DecodeAVCDecConfRec(extraData)
		if err != nil {
			return fmt.Errorf("unable to decode the AVC decoder configuration record: %w", err)
		}
		r.isAVCC = true
		spss, ppss = rec.SPSnalus, rec.PPSnalus
	} else {
		spss, ppss = splitParameterSets(extraData)
	}
	return r.setParameterSets(spss, ppss)
}

func splitParameterSets(data []byte) (spss, ppss [][]byte) {
	for _, nalu := range avc.ExtractNalusFromByteStream(data) {
		if len(nalu) == 0 {
			continue
		}
		switch avc.GetNaluType(nalu[0]) {
		case avc.NALU_SPS:
			spss = append(spss, nalu)
		case avc.NALU_PPS:
			ppss = append(ppss, nalu)
		}
	}
	return
}

func (r *Reader) setParameterSets(spss, ppss [][]byte) error {
	if len(spss) == 0 {
		return nil
	}
	sps, err := avc.ParseSPSNALUnit(spss[0], true)
	if err != nil {
		return fmt.Errorf("unable to parse the SPS: %w", err)
	}
	r.profile = hwdecode.VideoCodecProfileFromH264ProfileIDC(sps.Profile)
	r.codedSize = hwdecode.Size{Width: int(sps.Width), Height: int(sps.Height)}

	var buf bytes.Buffer
	for _, nalu := range append(append([][]byte{}, spss...), ppss...) {
		buf.Write([]byte{0, 0, 0, 1})
		buf.Write(nalu)
	}
	r.parameterSets = buf.Bytes()
	return nil
}

// Profile is undefined if the container has no out-of-band parameter
// sets and no key frame was read yet.
func (r *Reader) Profile() hwdecode.VideoCodecProfile {
	return r.profile
}

func (r *Reader) CodedSize() hwdecode.Size {
	return r.codedSize
}

func (r *Reader) NextAccessUnit(ctx context.Context) (source.AccessUnit, error) {
	for {
		if err := ctx.Err(); err != nil {
			return source.AccessUnit{}, err
		}

		r.packet.Unref()
		err := r.formatContext.ReadFrame(r.packet)
		switch {
		case err == nil:
		case errors.Is(err, astiav.ErrEof):
			return source.AccessUnit{}, io.EOF
		default:
			return source.AccessUnit{}, fmt.Errorf("unable to read a frame: %w", err)
		}
		if r.packet.StreamIndex() != r.stream.Index() {
			continue
		}
		logger.Tracef(
			ctx,
			"received a packet (pos:%d, pts:%d, dts:%d, dur:%d)",
			r.packet.Pos(), r.packet.Pts(), r.packet.Dts(), r.packet.Duration(),
		)

		data := bytes.Clone(r.packet.Data())
		if r.isAVCC {
			data = avc.ConvertSampleToByteStream(data)
		}
		isKeyFrame := r.packet.Flags().Has(astiav.PacketFlagKey)
		if isKeyFrame {
			if spss, ppss := splitParameterSets(data); len(spss) > 0 {
				if err := r.setParameterSets(spss, ppss); err != nil {
					logger.Warnf(ctx, "%v", err)
				}
			} else if r.parameterSets != nil {
				data = append(bytes.Clone(r.parameterSets), data...)
			}
		}

		pts := r.packet.Pts()
		if pts < 0 {
			pts = r.packet.Dts()
		}
		return source.AccessUnit{
			Data:       data,
			PTS:        toDuration(pts, r.stream.TimeBase().Float64()),
			IsKeyFrame: isKeyFrame,
		}, nil
	}
}

func toDuration(ts int64, timeBase float64) time.Duration {
	seconds := float64(ts) * timeBase
	return time.Duration(float64(time.Second) * seconds)
}

func (r *Reader) Close() error {
	return r.closer.Close()
}

// Package flv reads the H.264 video of FLV streams.
package flv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwdecode"
	"github.com/xaionaro-go/hwdecode/source"
	goflv "github.com/yutopp/go-flv"
	"github.com/yutopp/go-flv/tag"
)

type Reader struct {
	file          *os.File
	decoder       *goflv.Decoder
	profile       hwdecode.VideoCodecProfile
	codedSize     hwdecode.Size
	parameterSets []byte
}

var _ source.Source = (*Reader)(nil)

func Open(ctx context.Context, path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open '%s': %w", path, err)
	}
	r, err := NewReader(ctx, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

// NewReader reads the stream up to the first AVC sequence header.
func NewReader(
	ctx context.Context,
	reader io.Reader,
) (_ret *Reader, _err error) {
	logger.Debugf(ctx, "NewReader")
	defer func() { logger.Debugf(ctx, "/NewReader: %v", _err) }()

	decoder, err := goflv.NewDecoder(reader)
	if err != nil {
		return nil, fmt.Errorf("unable to read the FLV header: %w", err)
	}
	r := &Reader{decoder: decoder}
	for r.parameterSets == nil {
		video, _, err := r.nextVideoTag(ctx)
		if err != nil {
			return nil, fmt.Errorf("no AVC sequence header found: %w", err)
		}
		switch video.AVCPacketType {
		case tag.AVCPacketTypeSequenceHeader:
			if err := r.setSequenceHeader(video); err != nil {
				return nil, err
			}
		default:
			logger.Warnf(ctx, "skipping a video tag before the sequence header")
		}
	}
	return r, nil
}

func (r *Reader) nextVideoTag(ctx context.Context) (*tag.VideoData, uint32, error) {
	for {
		var flvTag tag.FlvTag
		if err := r.decoder.Decode(&flvTag); err != nil {
			return nil, 0, err
		}
		video, ok := flvTag.Data.(*tag.VideoData)
		if !ok {
			continue
		}
		if video.CodecID != tag.CodecIDAVC {
			return nil, 0, fmt.Errorf("unsupported video codec ID %d", video.CodecID)
		}
		return video, flvTag.Timestamp, nil
	}
}

func (r *Reader) setSequenceHeader(video *tag.VideoData) error {
	payload, err := io.ReadAll(video.Data)
	if err != nil {
		return fmt.Errorf("unable to read the sequence header: %w", err)
	}
	decConfRec, err := avc.DecodeAVCDecConfRec(payload)
	if err != nil {
		return fmt.Errorf("unable to decode the AVC decoder configuration record: %w", err)
	}
	if len(decConfRec.SPSnalus) == 0 {
		return fmt.Errorf("the sequence header has no SPS")
	}
	sps, err := avc.ParseSPSNALUnit(decConfRec.SPSnalus[0], true)
	if err != nil {
		return fmt.Errorf("unable to parse the SPS: %w", err)
	}
	r.profile = hwdecode.VideoCodecProfileFromH264ProfileIDC(sps.Profile)
	r.codedSize = hwdecode.Size{Width: int(sps.Width), Height: int(sps.Height)}

	var buf bytes.Buffer
	for _, nalu := range append(append([][]byte{}, decConfRec.SPSnalus...), decConfRec.PPSnalus...) {
		buf.Write([]byte{0, 0, 0, 1})
		buf.Write(nalu)
	}
	r.parameterSets = buf.Bytes()
	return nil
}

func (r *Reader) Profile() hwdecode.VideoCodecProfile {
	return r.profile
}

func (r *Reader) CodedSize() hwdecode.Size {
	return r.codedSize
}

func (r *Reader) NextAccessUnit(ctx context.Context) (source.AccessUnit, error) {
	for {
		video, timestamp, err := r.nextVideoTag(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return source.AccessUnit{}, io.EOF
			}
			return source.AccessUnit{}, err
		}

		switch video.AVCPacketType {
		case tag.AVCPacketTypeSequenceHeader:
			if err := r.setSequenceHeader(video); err != nil {
				return source.AccessUnit{}, err
			}
			continue
		case tag.AVCPacketTypeEOS:
			return source.AccessUnit{}, io.EOF
		}

		payload, err := io.ReadAll(video.Data)
		if err != nil {
			return source.AccessUnit{}, fmt.Errorf("unable to read the video tag: %w", err)
		}
		data := avc.ConvertSampleToByteStream(payload)
		isKeyFrame := video.FrameType == tag.FrameTypeKeyFrame
		if isKeyFrame {
			data = append(bytes.Clone(r.parameterSets), data...)
		}
		pts := int64(timestamp) + int64(video.CompositionTime)
		return source.AccessUnit{
			Data:       data,
			PTS:        time.Duration(pts) * time.Millisecond,
			IsKeyFrame: isKeyFrame,
		}, nil
	}
}

func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

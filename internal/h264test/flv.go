package h264test

import (
	"bytes"
	"fmt"
	"io"

	"github.com/Eyevinn/mp4ff/avc"
	goflv "github.com/yutopp/go-flv"
	"github.com/yutopp/go-flv/tag"
)

// WriteFLV writes an FLV stream of a sequence header, a key frame and an
// inter frame (40ms later, with a 40ms composition time offset).
func WriteFLV(w io.Writer, profileIDC uint8, width, height int) error {
	enc, err := goflv.NewEncoder(w, goflv.FlagsVideo)
	if err != nil {
		return fmt.Errorf("unable to create an FLV encoder: %w", err)
	}

	decConfRec, err := avc.CreateAVCDecConfRec([][]byte{SPS(profileIDC, width, height)}, [][]byte{PPS()}, true)
	if err != nil {
		return fmt.Errorf("unable to create the decoder configuration record: %w", err)
	}
	var header bytes.Buffer
	if err := decConfRec.Encode(&header); err != nil {
		return fmt.Errorf("unable to encode the decoder configuration record: %w", err)
	}

	for _, video := range []struct {
		timestamp uint32
		data      *tag.VideoData
	}{
		{0, &tag.VideoData{
			FrameType:     tag.FrameTypeKeyFrame,
			CodecID:       tag.CodecIDAVC,
			AVCPacketType: tag.AVCPacketTypeSequenceHeader,
			Data:          bytes.NewReader(header.Bytes()),
		}},
		{0, &tag.VideoData{
			FrameType:     tag.FrameTypeKeyFrame,
			CodecID:       tag.CodecIDAVC,
			AVCPacketType: tag.AVCPacketTypeNALU,
			Data:          bytes.NewReader(AVCC(IDRSlice())),
		}},
		{40, &tag.VideoData{
			FrameType:       tag.FrameTypeInterFrame,
			CodecID:         tag.CodecIDAVC,
			AVCPacketType:   tag.AVCPacketTypeNALU,
			CompositionTime: 40,
			Data:            bytes.NewReader(AVCC(Slice())),
		}},
	} {
		err := enc.Encode(&tag.FlvTag{
			TagType:   tag.TagTypeVideo,
			Timestamp: video.timestamp,
			Data:      video.data,
		})
		if err != nil {
			return fmt.Errorf("unable to encode a tag: %w", err)
		}
	}
	return nil
}

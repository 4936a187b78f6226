// Package mp4 reads the H.264 video track of progressive and fragmented
// MP4 files.
package mp4

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwdecode"
	"github.com/xaionaro-go/hwdecode/source"
)

type sample struct {
	Data       []byte
	DecodeTime uint64
	IsKeyFrame bool
}

type Reader struct {
	file          *os.File
	reader        io.ReadSeeker
	profile       hwdecode.VideoCodecProfile
	codedSize     hwdecode.Size
	parameterSets []byte
	timescale     uint32

	// progressive files
	stbl         *mp4.StblBox
	syncSamples  map[uint32]bool
	sampleCount  uint32
	nextSampleNr uint32

	// fragmented files
	samples   []sample
	nextIndex int
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

func NewReader(
	ctx context.Context,
	reader io.ReadSeeker,
) (_ret *Reader, _err error) {
	logger.Debugf(ctx, "NewReader")
	defer func() { logger.Debugf(ctx, "/NewReader: %v", _err) }()

	mp4File, err := mp4.DecodeFile(reader)
	if err != nil {
		return nil, fmt.Errorf("unable to decode the MP4 file: %w", err)
	}

	moov := mp4File.Moov
	if mp4File.IsFragmented() && mp4File.Init != nil {
		moov = mp4File.Init.Moov
	}
	if moov == nil {
		return nil, fmt.Errorf("no moov box found")
	}

	trak, avcC := findVideoTrack(moov)
	if trak == nil {
		return nil, fmt.Errorf("no video track found")
	}
	if avcC == nil || len(avcC.SPSnalus) == 0 {
		return nil, fmt.Errorf("the video track is not H.264 or has no SPS")
	}

	r := &Reader{
		reader:    reader,
		timescale: 1000,
	}
	if trak.Mdia.Mdhd != nil && trak.Mdia.Mdhd.Timescale != 0 {
		r.timescale = trak.Mdia.Mdhd.Timescale
	}
	if err := r.setParameterSets(avcC.SPSnalus, avcC.PPSnalus); err != nil {
		return nil, err
	}

	if mp4File.IsFragmented() {
		if err := r.collectFragmentedSamples(mp4File, moov, trak.Tkhd.TrackID); err != nil {
			return nil, err
		}
		return r, nil
	}

	if trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsz == nil {
		return nil, fmt.Errorf("no sample table found")
	}
	r.stbl = trak.Mdia.Minf.Stbl
	r.sampleCount = r.stbl.Stsz.SampleNumber
	r.nextSampleNr = 1
	r.syncSamples = map[uint32]bool{}
	if r.stbl.Stss != nil {
		for _, sampleNr := range r.stbl.Stss.SampleNumber {
			r.syncSamples[sampleNr] = true
		}
	}
	return r, nil
}

func findVideoTrack(moov *mp4.MoovBox) (*mp4.TrakBox, *mp4.AvcCBox) {
	for _, trak := range moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Hdlr == nil || trak.Mdia.Hdlr.HandlerType != "vide" {
			continue
		}
		var avcC *mp4.AvcCBox
		if trak.Mdia.Minf != nil && trak.Mdia.Minf.Stbl != nil && trak.Mdia.Minf.Stbl.Stsd != nil {
			for _, child := range trak.Mdia.Minf.Stbl.Stsd.Children {
				if entry, ok := child.(*mp4.VisualSampleEntryBox); ok && entry.AvcC != nil {
					avcC = entry.AvcC
				}
			}
		}
		return trak, avcC
	}
	return nil, nil
}

func (r *Reader) setParameterSets(spss, ppss [][]byte) error {
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

func (r *Reader) collectFragmentedSamples(
	mp4File *mp4.File,
	moov *mp4.MoovBox,
	trackID uint32,
) error {
	var trex *mp4.TrexBox
	if moov.Mvex != nil {
		for _, t := range moov.Mvex.Trexs {
			if t.TrackID == trackID {
				trex = t
				break
			}
		}
	}

	for _, seg := range mp4File.Segments {
		for _, frag := range seg.Fragments {
			if frag.Moof == nil {
				continue
			}
			isVideo := false
			for _, traf := range frag.Moof.Trafs {
				if traf.Tfhd.TrackID == trackID {
					isVideo = true
				}
			}
			if !isVideo {
				continue
			}
			fullSamples, err := frag.GetFullSamples(trex)
			if err != nil {
				return fmt.Errorf("unable to get the samples of a fragment: %w", err)
			}
			for _, s := range fullSamples {
				r.samples = append(r.samples, sample{
					Data:       s.Data,
					DecodeTime: s.DecodeTime,
					IsKeyFrame: s.Flags == mp4.SyncSampleFlags,
				})
			}
		}
	}
	if len(r.samples) > 0 {
		r.samples[0].IsKeyFrame = true
	}
	return nil
}

func (r *Reader) Profile() hwdecode.VideoCodecProfile {
	return r.profile
}

func (r *Reader) CodedSize() hwdecode.Size {
	return r.codedSize
}

func (r *Reader) NextAccessUnit(ctx context.Context) (source.AccessUnit, error) {
	s, err := r.nextSample()
	if err != nil {
		return source.AccessUnit{}, err
	}

	data := avc.ConvertSampleToByteStream(bytes.Clone(s.Data))
	if s.IsKeyFrame {
		data = append(bytes.Clone(r.parameterSets), data...)
	}
	return source.AccessUnit{
		Data:       data,
		PTS:        time.Duration(s.DecodeTime) * time.Second / time.Duration(r.timescale),
		IsKeyFrame: s.IsKeyFrame,
	}, nil
}

func (r *Reader) nextSample() (sample, error) {
	if r.stbl == nil {
		if r.nextIndex >= len(r.samples) {
			return sample{}, io.EOF
		}
		s := r.samples[r.nextIndex]
		r.nextIndex++
		return s, nil
	}

	if r.nextSampleNr > r.sampleCount {
		return sample{}, io.EOF
	}
	sampleNr := r.nextSampleNr
	r.nextSampleNr++

	data, err := readSampleData(r.stbl, r.reader, sampleNr)
	if err != nil {
		return sample{}, fmt.Errorf("unable to read sample #%d: %w", sampleNr, err)
	}
	var decodeTime uint64
	if r.stbl.Stts != nil {
		decodeTime, _ = r.stbl.Stts.GetDecodeTime(sampleNr)
	}
	return sample{
		Data:       data,
		DecodeTime: decodeTime,
		IsKeyFrame: len(r.syncSamples) == 0 || r.syncSamples[sampleNr],
	}, nil
}

func readSampleData(
	stbl *mp4.StblBox,
	reader io.ReadSeeker,
	sampleNr uint32,
) ([]byte, error) {
	if stbl.Stsc == nil {
		return nil, fmt.Errorf("no stsc box")
	}
	chunkNr, firstSampleInChunk, err := stbl.Stsc.ChunkNrFromSampleNr(int(sampleNr))
	if err != nil {
		return nil, fmt.Errorf("unable to find the chunk: %w", err)
	}

	var chunkOffset uint64
	switch {
	case stbl.Stco != nil:
		chunkOffset, err = stbl.Stco.GetOffset(chunkNr)
		if err != nil {
			return nil, fmt.Errorf("unable to get the chunk offset: %w", err)
		}
	case stbl.Co64 != nil:
		if chunkNr < 1 || chunkNr > len(stbl.Co64.ChunkOffset) {
			return nil, fmt.Errorf("chunk #%d is out of range", chunkNr)
		}
		chunkOffset = stbl.Co64.ChunkOffset[chunkNr-1]
	default:
		return nil, fmt.Errorf("no stco or co64 box")
	}

	offset := chunkOffset
	for s := uint32(firstSampleInChunk); s < sampleNr; s++ {
		offset += uint64(stbl.Stsz.GetSampleSize(int(s)))
	}
	if _, err := reader.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("unable to seek to %d: %w", offset, err)
	}
	data := make([]byte, stbl.Stsz.GetSampleSize(int(sampleNr)))
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, fmt.Errorf("unable to read %d bytes: %w", len(data), err)
	}
	return data, nil
}

func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Package h264 extracts the decode session configuration from an H.264
// Annex-B byte stream.
package h264

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwdecode"
)

// Parser remembers the last seen parameter sets, so it reports a config
// only when they change. It is not safe for concurrent use.
type Parser struct {
	sps        []byte
	pps        []byte
	lastConfig *hwdecode.DecodeSessionConfig
}

var _ hwdecode.BitstreamParser = (*Parser)(nil)

func New() *Parser {
	return &Parser{}
}

func (p *Parser) ExtractConfig(
	ctx context.Context,
	data []byte,
) (_ret *hwdecode.DecodeSessionConfig, _err error) {
	logger.Tracef(ctx, "ExtractConfig(ctx, %d bytes)", len(data))
	defer func() { logger.Tracef(ctx, "/ExtractConfig(ctx, %d bytes): %v %v", len(data), _ret != nil, _err) }()

	nalus := avc.ExtractNalusFromByteStream(data)
	if len(nalus) == 0 {
		return nil, fmt.Errorf("%w: no NAL units found in %d bytes", hwdecode.ErrMalformedUnit, len(data))
	}

	var sps, pps []byte
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch avc.GetNaluType(nalu[0]) {
		case avc.NALU_SPS:
			sps = nalu
		case avc.NALU_PPS:
			pps = nalu
		}
	}
	if sps == nil && pps == nil {
		return nil, nil
	}
	if sps != nil {
		p.sps = bytes.Clone(sps)
	}
	if pps != nil {
		p.pps = bytes.Clone(pps)
	}
	if p.sps == nil {
		logger.Debugf(ctx, "received a PPS before any SPS")
		return nil, nil
	}

	spsInfo, err := avc.ParseSPSNALUnit(p.sps, true)
	if err != nil {
		return nil, fmt.Errorf("unable to parse the SPS: %w", err)
	}
	profile := hwdecode.VideoCodecProfileFromH264ProfileIDC(spsInfo.Profile)
	if profile == hwdecode.VideoCodecProfileUndefined {
		return nil, fmt.Errorf("%w: H.264 profile_idc %d", hwdecode.ErrUnsupportedProfile, spsInfo.Profile)
	}

	cfg := &hwdecode.DecodeSessionConfig{
		Profile: profile,
		CodedSize: hwdecode.Size{
			Width:  int(spsInfo.Width),
			Height: int(spsInfo.Height),
		},
		ParameterSets: [][]byte{p.sps},
	}
	if p.pps != nil {
		cfg.ParameterSets = append(cfg.ParameterSets, p.pps)
	}
	if cfg.Equal(p.lastConfig) {
		return nil, nil
	}
	logger.Debugf(ctx, "new parameter sets: %s %s", cfg.Profile, cfg.CodedSize)
	p.lastConfig = cfg
	return cfg, nil
}

// IsKeyFrame reports if the access unit contains an IDR slice.
func IsKeyFrame(data []byte) bool {
	for _, nalu := range avc.ExtractNalusFromByteStream(data) {
		if len(nalu) > 0 && avc.GetNaluType(nalu[0]) == avc.NALU_IDR {
			return true
		}
	}
	return false
}

// HasPicture reports if the access unit contains a coded slice. Data which
// is not an Annex-B byte stream is assumed to carry a picture.
func HasPicture(data []byte) bool {
	nalus := avc.ExtractNalusFromByteStream(data)
	if len(nalus) == 0 {
		return true
	}
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch avc.GetNaluType(nalu[0]) {
		case avc.NALU_NON_IDR, avc.NALU_IDR:
			return true
		}
	}
	return false
}

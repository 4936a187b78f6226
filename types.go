package hwdecode

import (
	"bytes"
	"fmt"
)

type BitstreamID int32

type BitstreamUnit struct {
	ID   BitstreamID
	Data []byte
}

// SubmissionTag correlates a Session submission with its completion.
type SubmissionTag uint64

type PictureBufferID int32

type SurfaceHandle uint64

type PictureBuffer struct {
	ID      PictureBufferID `json:"id"      yaml:"id"`
	Surface SurfaceHandle   `json:"surface" yaml:"surface"`
	Size    Size            `json:"size"    yaml:"size"`
}

type Picture struct {
	PictureBufferID PictureBufferID
	BitstreamID     BitstreamID
}

type Size struct {
	Width  int `json:"width"  yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

func (s Size) IsEmpty() bool {
	return s.Width <= 0 || s.Height <= 0
}

type DecodeSessionConfig struct {
	Profile       VideoCodecProfile
	CodedSize     Size
	ParameterSets [][]byte
}

func (cfg *DecodeSessionConfig) Equal(other *DecodeSessionConfig) bool {
	if cfg == nil || other == nil {
		return cfg == other
	}
	if cfg.Profile != other.Profile || cfg.CodedSize != other.CodedSize {
		return false
	}
	if len(cfg.ParameterSets) != len(other.ParameterSets) {
		return false
	}
	for idx := range cfg.ParameterSets {
		if !bytes.Equal(cfg.ParameterSets[idx], other.ParameterSets[idx]) {
			return false
		}
	}
	return true
}

// Package source defines readers of compressed video from containers.
package source

import (
	"context"
	"io"
	"time"

	"github.com/xaionaro-go/hwdecode"
)

// AccessUnit is one compressed picture in the H.264 Annex-B format. Key
// frames carry the parameter sets in-band.
type AccessUnit struct {
	Data       []byte
	PTS        time.Duration
	IsKeyFrame bool
}

// Source returns io.EOF from NextAccessUnit when the stream ends.
type Source interface {
	io.Closer
	Profile() hwdecode.VideoCodecProfile
	NextAccessUnit(ctx context.Context) (AccessUnit, error)
}

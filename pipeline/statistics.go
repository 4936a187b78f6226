package pipeline

import (
	"sync/atomic"
)

type Stats struct {
	UnitsReceived   uint64 `json:"units_received"   yaml:"units_received"`
	UnitsSubmitted  uint64 `json:"units_submitted"  yaml:"units_submitted"`
	UnitsRejected   uint64 `json:"units_rejected"   yaml:"units_rejected"`
	FramesDecoded   uint64 `json:"frames_decoded"   yaml:"frames_decoded"`
	FramesDelivered uint64 `json:"frames_delivered" yaml:"frames_delivered"`
	FramesDropped   uint64 `json:"frames_dropped"   yaml:"frames_dropped"`
	BuffersReused   uint64 `json:"buffers_reused"   yaml:"buffers_reused"`
	Errors          uint64 `json:"errors"           yaml:"errors"`
}

type CommonsStatistics struct {
	UnitsReceived   atomic.Uint64
	UnitsSubmitted  atomic.Uint64
	UnitsRejected   atomic.Uint64
	FramesDecoded   atomic.Uint64
	FramesDelivered atomic.Uint64
	FramesDropped   atomic.Uint64
	BuffersReused   atomic.Uint64
	Errors          atomic.Uint64
}

func (stats *CommonsStatistics) Convert() Stats {
	return Stats{
		UnitsReceived:   stats.UnitsReceived.Load(),
		UnitsSubmitted:  stats.UnitsSubmitted.Load(),
		UnitsRejected:   stats.UnitsRejected.Load(),
		FramesDecoded:   stats.FramesDecoded.Load(),
		FramesDelivered: stats.FramesDelivered.Load(),
		FramesDropped:   stats.FramesDropped.Load(),
		BuffersReused:   stats.BuffersReused.Load(),
		Errors:          stats.Errors.Load(),
	}
}

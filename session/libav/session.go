//go:build with_libav
// +build with_libav

package libav

import (
	"context"
	"fmt"
	"runtime"
	"slices"

	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwdecode"
	"github.com/xaionaro-go/hwdecode/internal"
	"github.com/xaionaro-go/hwdecode/parser/h264"
	"github.com/xaionaro-go/xsync"
)

// maxReorderDelay is the largest amount of frames a decoder may hold for
// reordering (the H.264 DPB size limit).
const maxReorderDelay = 16

// outputDelay is the amount of later submissions after which a unit which
// still has not produced a frame is considered lost. Frame threading adds
// one frame of delay per extra thread.
func outputDelay(threadCount int) int {
	if threadCount <= 0 {
		threadCount = runtime.NumCPU()
	}
	return maxReorderDelay + threadCount - 1
}

type completion struct {
	Tag   hwdecode.SubmissionTag
	Err   error
	Image hwdecode.Image
}

// Session decodes synchronously inside Submit; the submission tag travels
// through the decoder as the packet PTS, so reordered frames are matched
// back to their units.
type Session struct {
	ctx        context.Context
	factory    *Factory
	onComplete hwdecode.CompletionCallback

	locker      xsync.Mutex
	config      hwdecode.DecodeSessionConfig
	decoder     *decoder
	packet      *astiav.Packet
	outstanding []hwdecode.SubmissionTag
	isClosed    bool
}

var _ hwdecode.Session = (*Session)(nil)

func NewSession(
	ctx context.Context,
	factory *Factory,
	cfg hwdecode.DecodeSessionConfig,
	onComplete hwdecode.CompletionCallback,
) (*Session, error) {
	codec, err := factory.findDecoder(cfg.Profile)
	if err != nil {
		return nil, err
	}
	d, err := newDecoder(ctx, codec, factory.HardwareDeviceType, factory.Config.HardwareDeviceName, factory.CodecOptions, cfg)
	if err != nil {
		return nil, err
	}
	return &Session{
		ctx:        ctx,
		factory:    factory,
		onComplete: onComplete,
		config:     cfg,
		decoder:    d,
		packet:     astiav.AllocPacket(),
	}, nil
}

func (s *Session) Configure(
	ctx context.Context,
	cfg hwdecode.DecodeSessionConfig,
) (_err error) {
	logger.Debugf(ctx, "Configure(ctx, %s %s)", cfg.Profile, cfg.CodedSize)
	defer func() { logger.Debugf(ctx, "/Configure(ctx, %s %s): %v", cfg.Profile, cfg.CodedSize, _err) }()

	completions, err := xsync.DoR2(ctx, &s.locker, func() ([]completion, error) {
		if s.isClosed {
			return nil, fmt.Errorf("the session is closed")
		}
		codec, err := s.factory.findDecoder(cfg.Profile)
		if err != nil {
			return nil, err
		}
		if codec.ID() == s.decoder.codec.ID() {
			// new parameter sets are also sent in-band, the decoder picks them up
			s.config = cfg
			return nil, nil
		}

		result, err := s.drainLocked(ctx)
		if err != nil {
			return result, err
		}
		d, err := newDecoder(ctx, codec, s.factory.HardwareDeviceType, s.factory.Config.HardwareDeviceName, s.factory.CodecOptions, cfg)
		if err != nil {
			return result, fmt.Errorf("%w: %w", hwdecode.ErrSessionFailed, err)
		}
		if err := s.decoder.Close(); err != nil {
			logger.Errorf(ctx, "unable to close the previous decoder: %v", err)
		}
		s.decoder = d
		s.config = cfg
		return result, nil
	})
	s.complete(completions)
	return err
}

func (s *Session) Submit(
	ctx context.Context,
	tag hwdecode.SubmissionTag,
	data []byte,
) error {
	logger.Tracef(ctx, "Submit(ctx, %d, %d bytes)", tag, len(data))
	completions, err := xsync.DoR2(ctx, &s.locker, func() ([]completion, error) {
		if s.isClosed {
			return nil, fmt.Errorf("the session is closed")
		}
		return s.submitLocked(ctx, tag, data), nil
	})
	if err != nil {
		return err
	}
	s.complete(completions)
	return nil
}

func (s *Session) submitLocked(
	ctx context.Context,
	tag hwdecode.SubmissionTag,
	data []byte,
) []completion {
	s.packet.Unref()
	if err := s.packet.FromData(data); err != nil {
		return []completion{{Tag: tag, Err: fmt.Errorf("unable to fill the packet: %w", err)}}
	}
	s.packet.SetPts(int64(tag))
	s.outstanding = append(s.outstanding, tag)

	frames, err := s.decoder.sendPacket(ctx, s.packet)
	result := s.matchFramesLocked(ctx, frames)
	switch {
	case err != nil:
		if s.removeOutstandingLocked(tag) {
			result = append(result, completion{Tag: tag, Err: err})
		}
	case s.config.Profile.IsH264() && !h264.HasPicture(data):
		if s.removeOutstandingLocked(tag) {
			result = append(result, completion{Tag: tag})
		}
	}

	for len(s.outstanding) > s.decoder.outputDelay {
		lost := s.outstanding[0]
		s.outstanding = s.outstanding[1:]
		result = append(result, completion{
			Tag: lost,
			Err: fmt.Errorf("no frame was output for unit %d within %d later units", lost, s.decoder.outputDelay),
		})
	}
	return result
}

func (s *Session) matchFramesLocked(
	ctx context.Context,
	frames []*astiav.Frame,
) []completion {
	var result []completion
	for _, frame := range frames {
		pts := frame.Pts()
		if pts < 0 || !s.removeOutstandingLocked(hwdecode.SubmissionTag(pts)) {
			// the unit was already completed with an error
			logger.Warnf(ctx, "dropping a frame with unexpected PTS %d", pts)
			frame.Free()
			continue
		}
		img := newImage(frame)
		internal.SetFinalizerRelease(ctx, img)
		result = append(result, completion{
			Tag:   hwdecode.SubmissionTag(pts),
			Image: img,
		})
	}
	return result
}

func (s *Session) removeOutstandingLocked(tag hwdecode.SubmissionTag) bool {
	idx := slices.Index(s.outstanding, tag)
	if idx < 0 {
		return false
	}
	s.outstanding = slices.Delete(s.outstanding, idx, idx+1)
	return true
}

// drainLocked outputs every frame held by the decoder and completes the
// remaining units without a picture.
func (s *Session) drainLocked(ctx context.Context) ([]completion, error) {
	frames, err := s.decoder.sendPacket(ctx, nil)
	result := s.matchFramesLocked(ctx, frames)
	for _, tag := range s.outstanding {
		result = append(result, completion{Tag: tag})
	}
	s.outstanding = s.outstanding[:0]
	s.decoder.reset(ctx)
	if err != nil {
		return result, fmt.Errorf("%w: unable to drain the decoder: %w", hwdecode.ErrSessionFailed, err)
	}
	return result, nil
}

func (s *Session) complete(completions []completion) {
	for _, c := range completions {
		s.onComplete(c.Tag, c.Err, c.Image)
	}
}

func (s *Session) Flush(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Flush")
	defer func() { logger.Debugf(ctx, "/Flush: %v", _err) }()

	completions, err := xsync.DoR2(ctx, &s.locker, func() ([]completion, error) {
		if s.isClosed {
			return nil, fmt.Errorf("the session is closed")
		}
		return s.drainLocked(ctx)
	})
	s.complete(completions)
	return err
}

// Close drops the units still held by the decoder without completing them.
func (s *Session) Close() error {
	ctx := s.ctx
	logger.Debugf(ctx, "Close")
	return xsync.DoR1(ctx, &s.locker, func() error {
		if s.isClosed {
			return nil
		}
		s.isClosed = true
		s.outstanding = nil
		s.packet.Free()
		return s.decoder.Close()
	})
}

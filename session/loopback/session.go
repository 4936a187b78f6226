// Package loopback implements a software decode session which synthesizes
// pictures instead of decoding them. It mimics the asynchronous behavior of
// hardware sessions: configurable latency and output reordering.
package loopback

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwdecode"
	"github.com/xaionaro-go/hwdecode/internal"
	"github.com/xaionaro-go/hwdecode/parser/h264"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xsync"
)

type Factory struct {
	Config hwdecode.SessionBackendLoopback
}

var _ hwdecode.SessionFactory = (*Factory)(nil)

func NewFactory(cfg hwdecode.SessionBackendLoopback) *Factory {
	return &Factory{Config: cfg}
}

func (f *Factory) SupportsProfile(profile hwdecode.VideoCodecProfile) bool {
	return profile > hwdecode.VideoCodecProfileUndefined && profile < hwdecode.EndOfVideoCodecProfile
}

func (f *Factory) NewSession(
	ctx context.Context,
	cfg hwdecode.DecodeSessionConfig,
	onComplete hwdecode.CompletionCallback,
) (hwdecode.Session, error) {
	return NewSession(ctx, f.Config, cfg, onComplete)
}

type submission struct {
	Tag         hwdecode.SubmissionTag
	HasPicture  bool
	CodedSize   hwdecode.Size
	FrameNumber uint64
	SubmittedAt time.Time
}

type Session struct {
	ctx        context.Context
	cancelFn   context.CancelFunc
	closer     *astikit.Closer
	onComplete hwdecode.CompletionCallback
	backend    hwdecode.SessionBackendLoopback

	locker      xsync.Mutex
	config      hwdecode.DecodeSessionConfig
	window      []submission
	frameCount  uint64
	isClosed    bool
	completions sync.WaitGroup
}

var _ hwdecode.Session = (*Session)(nil)

func NewSession(
	ctx context.Context,
	backend hwdecode.SessionBackendLoopback,
	cfg hwdecode.DecodeSessionConfig,
	onComplete hwdecode.CompletionCallback,
) (*Session, error) {
	if cfg.CodedSize.IsEmpty() {
		return nil, fmt.Errorf("invalid coded size %s", cfg.CodedSize)
	}
	if backend.ReorderWindow < 0 {
		return nil, fmt.Errorf("invalid reorder window %d", backend.ReorderWindow)
	}
	ctx, cancelFn := context.WithCancel(ctx)
	s := &Session{
		ctx:        ctx,
		cancelFn:   cancelFn,
		closer:     astikit.NewCloser(),
		onComplete: onComplete,
		backend:    backend,
		config:     cfg,
	}
	s.closer.Add(func() {
		s.cancelFn()
		s.completions.Wait()
	})
	return s, nil
}

func (s *Session) Configure(
	ctx context.Context,
	cfg hwdecode.DecodeSessionConfig,
) error {
	logger.Debugf(ctx, "Configure(ctx, %s %s)", cfg.Profile, cfg.CodedSize)
	if cfg.CodedSize.IsEmpty() {
		return fmt.Errorf("invalid coded size %s", cfg.CodedSize)
	}
	return xsync.DoA1R1(ctx, &s.locker, s.configureLocked, cfg)
}

func (s *Session) configureLocked(cfg hwdecode.DecodeSessionConfig) error {
	if s.isClosed {
		return fmt.Errorf("the session is closed")
	}
	s.config = cfg
	return nil
}

func (s *Session) Submit(
	ctx context.Context,
	tag hwdecode.SubmissionTag,
	data []byte,
) error {
	logger.Tracef(ctx, "Submit(ctx, %d, %d bytes)", tag, len(data))
	hasPicture := h264.HasPicture(data)
	released, err := xsync.DoR2(ctx, &s.locker, func() ([]submission, error) {
		if s.isClosed {
			return nil, fmt.Errorf("the session is closed")
		}
		sub := submission{
			Tag:         tag,
			HasPicture:  hasPicture,
			CodedSize:   s.config.CodedSize,
			SubmittedAt: time.Now(),
		}
		if !hasPicture {
			// nothing to reorder
			s.completions.Add(1)
			return []submission{sub}, nil
		}
		sub.FrameNumber = s.frameCount
		s.frameCount++
		s.window = append(s.window, sub)
		if len(s.window) <= s.backend.ReorderWindow {
			return nil, nil
		}
		return s.takeWindowLocked(), nil
	})
	if err != nil {
		return err
	}
	s.complete(released)
	return nil
}

// takeWindowLocked empties the window; the pictures come out in the
// reverse order, like B-frames out of a real decoder. The returned
// submissions are already accounted in s.completions.
func (s *Session) takeWindowLocked() []submission {
	released := s.window
	s.window = nil
	slices.Reverse(released)
	s.completions.Add(len(released))
	return released
}

func (s *Session) complete(subs []submission) {
	for _, sub := range subs {
		observability.Go(s.ctx, func(ctx context.Context) {
			defer s.completions.Done()
			if delay := s.backend.Latency - time.Since(sub.SubmittedAt); delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
			if ctx.Err() != nil {
				return
			}
			if !sub.HasPicture {
				s.onComplete(sub.Tag, nil, nil)
				return
			}
			img := newImage(sub.CodedSize, sub.FrameNumber)
			internal.SetFinalizerRelease(ctx, img)
			s.onComplete(sub.Tag, nil, img)
		})
	}
}

// Flush completes the reorder window and waits until every completion
// callback has returned.
func (s *Session) Flush(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Flush")
	defer func() { logger.Debugf(ctx, "/Flush: %v", _err) }()

	released, err := xsync.DoR2(ctx, &s.locker, func() ([]submission, error) {
		if s.isClosed {
			return nil, fmt.Errorf("the session is closed")
		}
		return s.takeWindowLocked(), nil
	})
	if err != nil {
		return err
	}
	s.complete(released)

	done := make(chan struct{})
	observability.Go(ctx, func(ctx context.Context) {
		defer close(done)
		s.completions.Wait()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Close drops the held submissions without completing them; no callback
// is invoked after Close returns.
func (s *Session) Close() error {
	ctx := s.ctx
	logger.Debugf(ctx, "Close")
	wasClosed := xsync.DoR1(ctx, &s.locker, func() bool {
		wasClosed := s.isClosed
		s.isClosed = true
		s.window = nil
		return wasClosed
	})
	if wasClosed {
		return nil
	}
	return s.closer.Close()
}

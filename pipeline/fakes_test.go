package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xaionaro-go/hwdecode"
)

type completionMode int

const (
	completeManually = completionMode(iota)
	completeSynchronously
	completeAsynchronously
)

type fakeSessionFactory struct {
	mode completionMode

	newSessionCount atomic.Int32
	closeCount      atomic.Int32
	liveImages      atomic.Int64
	doubleReleases  atomic.Int32

	locker   sync.Mutex
	sessions []*fakeSession
}

var _ hwdecode.SessionFactory = (*fakeSessionFactory)(nil)

func newFakeSessionFactory(mode completionMode) *fakeSessionFactory {
	return &fakeSessionFactory{mode: mode}
}

func (f *fakeSessionFactory) SupportsProfile(profile hwdecode.VideoCodecProfile) bool {
	return profile.IsH264()
}

func (f *fakeSessionFactory) NewSession(
	ctx context.Context,
	cfg hwdecode.DecodeSessionConfig,
	onComplete hwdecode.CompletionCallback,
) (hwdecode.Session, error) {
	s := &fakeSession{
		factory:    f,
		cfg:        cfg,
		onComplete: onComplete,
	}
	f.locker.Lock()
	f.sessions = append(f.sessions, s)
	f.locker.Unlock()
	f.newSessionCount.Add(1)
	return s, nil
}

func (f *fakeSessionFactory) LastSession() *fakeSession {
	f.locker.Lock()
	defer f.locker.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

// PendingCount returns the amount of submissions of the last session which
// are not completed yet.
func (f *fakeSessionFactory) PendingCount() int {
	s := f.LastSession()
	if s == nil {
		return 0
	}
	return len(s.PendingTags())
}

func (f *fakeSessionFactory) newImage(size hwdecode.Size) *fakeImage {
	f.liveImages.Add(1)
	return &fakeImage{factory: f, size: size}
}

type fakeImage struct {
	factory  *fakeSessionFactory
	size     hwdecode.Size
	released atomic.Int32
}

var _ hwdecode.Image = (*fakeImage)(nil)

func (img *fakeImage) CodedSize() hwdecode.Size {
	return img.size
}

func (img *fakeImage) Release() {
	if img.released.Add(1) != 1 {
		img.factory.doubleReleases.Add(1)
		return
	}
	img.factory.liveImages.Add(-1)
}

type fakeSession struct {
	factory    *fakeSessionFactory
	onComplete hwdecode.CompletionCallback

	locker   sync.Mutex
	cfg      hwdecode.DecodeSessionConfig
	pending  []hwdecode.SubmissionTag
	isFailed bool
	isClosed bool
}

var _ hwdecode.Session = (*fakeSession)(nil)

func (s *fakeSession) Configure(
	ctx context.Context,
	cfg hwdecode.DecodeSessionConfig,
) error {
	s.locker.Lock()
	defer s.locker.Unlock()
	s.cfg = cfg
	return nil
}

func (s *fakeSession) Submit(
	ctx context.Context,
	tag hwdecode.SubmissionTag,
	data []byte,
) error {
	s.locker.Lock()
	switch {
	case s.isClosed:
		s.locker.Unlock()
		return fmt.Errorf("the session is closed")
	case s.isFailed:
		s.locker.Unlock()
		return fmt.Errorf("%w: the session is broken", hwdecode.ErrSessionFailed)
	}
	s.pending = append(s.pending, tag)
	s.locker.Unlock()

	switch s.factory.mode {
	case completeSynchronously:
		s.Complete(tag, nil, true)
	case completeAsynchronously:
		go func() {
			time.Sleep(time.Duration(rand.IntN(2000)) * time.Microsecond)
			s.Complete(tag, nil, true)
		}()
	}
	return nil
}

// Complete invokes the completion callback for a pending submission. It
// returns false if the tag is not pending.
func (s *fakeSession) Complete(
	tag hwdecode.SubmissionTag,
	err error,
	withImage bool,
) bool {
	s.locker.Lock()
	idx := slices.Index(s.pending, tag)
	if idx < 0 || s.isClosed {
		s.locker.Unlock()
		return false
	}
	s.pending = slices.Delete(s.pending, idx, idx+1)
	if errors.Is(err, hwdecode.ErrSessionFailed) {
		s.isFailed = true
	}
	size := s.cfg.CodedSize
	s.locker.Unlock()

	var image hwdecode.Image
	if withImage && err == nil {
		image = s.factory.newImage(size)
	}
	s.onComplete(tag, err, image)
	return true
}

// CompleteLate invokes the callback bypassing every check, like a session
// which misbehaves after being closed.
func (s *fakeSession) CompleteLate(tag hwdecode.SubmissionTag) *fakeImage {
	image := s.factory.newImage(s.cfg.CodedSize)
	s.onComplete(tag, nil, image)
	return image
}

func (s *fakeSession) PendingTags() []hwdecode.SubmissionTag {
	s.locker.Lock()
	defer s.locker.Unlock()
	return slices.Clone(s.pending)
}

func (s *fakeSession) Flush(ctx context.Context) error {
	for {
		s.locker.Lock()
		count, isFailed, isClosed := len(s.pending), s.isFailed, s.isClosed
		s.locker.Unlock()
		switch {
		case isClosed:
			return nil
		case isFailed:
			return fmt.Errorf("%w: the session is broken", hwdecode.ErrSessionFailed)
		case count == 0:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *fakeSession) Close() error {
	s.locker.Lock()
	defer s.locker.Unlock()
	if s.isClosed {
		return fmt.Errorf("the session is already closed")
	}
	s.isClosed = true
	s.pending = nil
	s.factory.closeCount.Add(1)
	return nil
}

// destroyingSessionFactory destroys the pipeline while it is being
// initialized.
type destroyingSessionFactory struct {
	*fakeSessionFactory
	pipeline *Pipeline
}

func (f *destroyingSessionFactory) SupportsProfile(profile hwdecode.VideoCodecProfile) bool {
	f.pipeline.Destroy(context.Background())
	return f.fakeSessionFactory.SupportsProfile(profile)
}

// fakeParser recognizes units like "sps 320x240" as parameter sets; an
// empty unit is malformed and "sps" with no valid size is a broken
// configuration.
type fakeParser struct{}

var _ hwdecode.BitstreamParser = fakeParser{}

func (fakeParser) ExtractConfig(
	ctx context.Context,
	data []byte,
) (*hwdecode.DecodeSessionConfig, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty unit", hwdecode.ErrMalformedUnit)
	}
	if !strings.HasPrefix(string(data), "sps") {
		return nil, nil
	}
	var width, height int
	if _, err := fmt.Sscanf(string(data), "sps %dx%d", &width, &height); err != nil {
		return nil, fmt.Errorf("unable to parse the parameter sets: %w", err)
	}
	return &hwdecode.DecodeSessionConfig{
		Profile:       hwdecode.VideoCodecProfileH264Baseline,
		CodedSize:     hwdecode.Size{Width: width, Height: height},
		ParameterSets: [][]byte{slices.Clone(data)},
	}, nil
}

type fakeBinder struct {
	locker sync.Mutex
	// failingOnce lists the surfaces which fail to bind the next time only
	failingOnce map[hwdecode.SurfaceHandle]bool
	bindCount   int
}

var _ hwdecode.SurfaceBinder = (*fakeBinder)(nil)

func (b *fakeBinder) BindImageToSurface(
	ctx context.Context,
	image hwdecode.Image,
	surface hwdecode.SurfaceHandle,
) error {
	b.locker.Lock()
	defer b.locker.Unlock()
	if b.failingOnce[surface] {
		delete(b.failingOnce, surface)
		return fmt.Errorf("surface %d is lost", surface)
	}
	b.bindCount++
	return nil
}

type recordingClient struct {
	locker        sync.Mutex
	events        []string
	frames        []hwdecode.Picture
	processed     []hwdecode.BitstreamID
	errorKinds    []hwdecode.ErrorKind
	formatChanges []hwdecode.Size
	flushDone     int
	resetDone     int
	onFrameReady  func(hwdecode.Picture)
}

var _ hwdecode.Client = (*recordingClient)(nil)

func (c *recordingClient) record(event string) {
	c.events = append(c.events, event)
}

func (c *recordingClient) OnFrameReady(picture hwdecode.Picture) {
	c.locker.Lock()
	c.record(fmt.Sprintf("frame:%d", picture.BitstreamID))
	c.frames = append(c.frames, picture)
	hook := c.onFrameReady
	c.locker.Unlock()
	if hook != nil {
		hook(picture)
	}
}

func (c *recordingClient) OnBitstreamUnitProcessed(id hwdecode.BitstreamID) {
	c.locker.Lock()
	defer c.locker.Unlock()
	c.record(fmt.Sprintf("processed:%d", id))
	c.processed = append(c.processed, id)
}

func (c *recordingClient) OnFlushDone() {
	c.locker.Lock()
	defer c.locker.Unlock()
	c.record("flush_done")
	c.flushDone++
}

func (c *recordingClient) OnResetDone() {
	c.locker.Lock()
	defer c.locker.Unlock()
	c.record("reset_done")
	c.resetDone++
}

func (c *recordingClient) OnError(kind hwdecode.ErrorKind, err error) {
	c.locker.Lock()
	defer c.locker.Unlock()
	c.record(fmt.Sprintf("error:%s", kind))
	c.errorKinds = append(c.errorKinds, kind)
}

func (c *recordingClient) OnOutputFormatChanged(codedSize hwdecode.Size) {
	c.locker.Lock()
	defer c.locker.Unlock()
	c.record(fmt.Sprintf("format:%s", codedSize))
	c.formatChanges = append(c.formatChanges, codedSize)
}

func (c *recordingClient) Frames() []hwdecode.Picture {
	c.locker.Lock()
	defer c.locker.Unlock()
	return slices.Clone(c.frames)
}

func (c *recordingClient) FrameBitstreamIDs() []hwdecode.BitstreamID {
	c.locker.Lock()
	defer c.locker.Unlock()
	var result []hwdecode.BitstreamID
	for _, picture := range c.frames {
		result = append(result, picture.BitstreamID)
	}
	return result
}

func (c *recordingClient) Processed() []hwdecode.BitstreamID {
	c.locker.Lock()
	defer c.locker.Unlock()
	return slices.Clone(c.processed)
}

func (c *recordingClient) ErrorKinds() []hwdecode.ErrorKind {
	c.locker.Lock()
	defer c.locker.Unlock()
	return slices.Clone(c.errorKinds)
}

func (c *recordingClient) FormatChanges() []hwdecode.Size {
	c.locker.Lock()
	defer c.locker.Unlock()
	return slices.Clone(c.formatChanges)
}

func (c *recordingClient) FlushDoneCount() int {
	c.locker.Lock()
	defer c.locker.Unlock()
	return c.flushDone
}

func (c *recordingClient) ResetDoneCount() int {
	c.locker.Lock()
	defer c.locker.Unlock()
	return c.resetDone
}

func (c *recordingClient) Events() []string {
	c.locker.Lock()
	defer c.locker.Unlock()
	return slices.Clone(c.events)
}

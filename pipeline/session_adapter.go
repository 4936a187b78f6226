package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwdecode"
)

// sessionAdapter owns the platform decode session. It is used only from
// the decode worker goroutine.
type sessionAdapter struct {
	factory    hwdecode.SessionFactory
	onComplete hwdecode.CompletionCallback

	session      hwdecode.Session
	config       *hwdecode.DecodeSessionConfig
	failure      error
	isTornDown   bool
	sessionCount uint64
}

func newSessionAdapter(
	factory hwdecode.SessionFactory,
	onComplete hwdecode.CompletionCallback,
) *sessionAdapter {
	return &sessionAdapter{
		factory:    factory,
		onComplete: onComplete,
	}
}

func (a *sessionAdapter) IsConfigured() bool {
	return a.session != nil && a.config != nil
}

func (a *sessionAdapter) IsFailed() bool {
	return a.failure != nil
}

// MarkFailed makes every further Submit fail until the session is dropped.
func (a *sessionAdapter) MarkFailed(err error) {
	if a.failure == nil {
		a.failure = err
	}
}

// Configure creates the session on the first call and reconfigures it if
// cfg differs from the current config. sizeChanged is true if the coded
// size is new.
func (a *sessionAdapter) Configure(
	ctx context.Context,
	cfg hwdecode.DecodeSessionConfig,
) (sizeChanged bool, _err error) {
	logger.Debugf(ctx, "Configure(ctx, %s %s)", cfg.Profile, cfg.CodedSize)
	defer func() { logger.Debugf(ctx, "/Configure(ctx, %s %s): %v %v", cfg.Profile, cfg.CodedSize, sizeChanged, _err) }()
	logger.Tracef(ctx, "config: %s", spew.Sdump(cfg))

	if a.isTornDown {
		return false, hwdecode.NewError(hwdecode.ErrorKindIllegalState, 0, fmt.Errorf("the session adapter is torn down"))
	}
	if a.failure != nil {
		return false, hwdecode.NewError(hwdecode.ErrorKindPlatformFailure, 0, fmt.Errorf("%w: %w", hwdecode.ErrSessionFailed, a.failure))
	}
	if a.config.Equal(&cfg) && a.session != nil {
		return false, nil
	}
	if !a.factory.SupportsProfile(cfg.Profile) {
		return false, hwdecode.NewError(hwdecode.ErrorKindConfiguration, 0, fmt.Errorf("%w: %s", hwdecode.ErrUnsupportedProfile, cfg.Profile))
	}
	if cfg.CodedSize.IsEmpty() {
		return false, hwdecode.NewError(hwdecode.ErrorKindConfiguration, 0, fmt.Errorf("invalid coded size %s", cfg.CodedSize))
	}

	sizeChanged = a.config == nil || a.config.CodedSize != cfg.CodedSize
	if a.session == nil {
		session, err := a.factory.NewSession(ctx, cfg, a.onComplete)
		if err != nil {
			return false, hwdecode.NewError(hwdecode.ErrorKindSessionCreation, 0, fmt.Errorf("unable to create a decode session: %w", err))
		}
		a.session = session
		a.sessionCount++
	} else {
		if err := a.session.Configure(ctx, cfg); err != nil {
			kind := hwdecode.ErrorKindConfiguration
			if errors.Is(err, hwdecode.ErrSessionFailed) {
				a.MarkFailed(err)
				kind = hwdecode.ErrorKindPlatformFailure
			}
			return false, hwdecode.NewError(kind, 0, fmt.Errorf("unable to reconfigure the decode session: %w", err))
		}
	}

	cfgCopy := cfg
	a.config = &cfgCopy
	return sizeChanged, nil
}

func (a *sessionAdapter) Submit(
	ctx context.Context,
	tag hwdecode.SubmissionTag,
	data []byte,
) error {
	if a.failure != nil {
		return fmt.Errorf("%w: %w", hwdecode.ErrSessionFailed, a.failure)
	}
	if !a.IsConfigured() {
		return fmt.Errorf("the decode session is not configured")
	}
	err := a.session.Submit(ctx, tag, data)
	if err != nil && errors.Is(err, hwdecode.ErrSessionFailed) {
		a.MarkFailed(err)
	}
	return err
}

// Flush waits until the session has no submissions in flight.
func (a *sessionAdapter) Flush(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Flush")
	defer func() { logger.Debugf(ctx, "/Flush: %v", _err) }()
	if a.session == nil {
		return nil
	}
	err := a.session.Flush(ctx)
	if err != nil && errors.Is(err, hwdecode.ErrSessionFailed) {
		a.MarkFailed(err)
	}
	return err
}

// Drop closes the session; the next Configure creates a new one.
func (a *sessionAdapter) Drop(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Drop")
	defer func() { logger.Debugf(ctx, "/Drop: %v", _err) }()
	session := a.session
	a.session = nil
	a.config = nil
	a.failure = nil
	if session == nil {
		return nil
	}
	return session.Close()
}

// Teardown must be the last call: the session is closed and no callback
// may fire after it returns.
func (a *sessionAdapter) Teardown(ctx context.Context) error {
	if a.isTornDown {
		return nil
	}
	a.isTornDown = true
	return a.Drop(ctx)
}

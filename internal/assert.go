package internal

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// Assert panics (through the logger, so the context fields are preserved)
// if mustBeTrue is false.
func Assert(
	ctx context.Context,
	mustBeTrue bool,
	format string,
	args ...any,
) {
	if mustBeTrue {
		return
	}

	msg := "assertion failed"
	if format != "" {
		msg += ": " + fmt.Sprintf(format, args...)
	}
	logger.Panic(ctx, msg)

	// the logger in ctx may be a no-op
	panic(msg)
}

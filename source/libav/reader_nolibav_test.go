//go:build !with_libav
// +build !with_libav

package libav

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenNotCompiledIn(t *testing.T) {
	_, err := Open(context.Background(), "rtmp://127.0.0.1/live/stream", InputConfig{})
	require.ErrorIs(t, err, ErrNotCompiledIn)
}

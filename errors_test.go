package hwdecode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorKindOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewError(ErrorKindPlatformFailure, 7, ErrSessionFailed))
	require.Equal(t, ErrorKindPlatformFailure, KindOf(err))
	require.True(t, errors.Is(err, ErrSessionFailed))
	require.True(t, KindOf(err).IsFatal())
	require.False(t, ErrorKindPlatformCallback.IsFatal())
	require.Equal(t, ErrorKindUndefined, KindOf(errors.New("plain")))
}

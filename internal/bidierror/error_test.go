package bidierror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	e := InvalidArgumentf("context %q not found", "abc")
	assert.Equal(t, "invalid argument: context \"abc\" not found", e.Error())
}

func TestFromErrorRecoversTypedError(t *testing.T) {
	t.Parallel()

	original := NoSuchFramef("missing")
	wrapped := fmt.Errorf("navigate: %w", original)

	got := FromError(wrapped)
	assert.Same(t, original, got)
	assert.Equal(t, NoSuchFrame, got.Code)
}

func TestFromErrorFallsBackToUnknown(t *testing.T) {
	t.Parallel()

	got := FromError(errors.New("boom"))
	assert.Equal(t, UnknownError, got.Code)
	assert.Contains(t, got.Message, "boom")
}

func TestFromErrorNil(t *testing.T) {
	t.Parallel()

	assert.Nil(t, FromError(nil))
}

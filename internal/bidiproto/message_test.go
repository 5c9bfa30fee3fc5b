package bidiproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandModule(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		method string
		want   string
	}{
		"namespaced":    {"browsingContext.navigate", "browsingContext"},
		"not-namespaced": {"status", ""},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Command{Method: tc.method}.Module())
		})
	}
}

func TestSharedIDRoundTripWithoutFrame(t *testing.T) {
	t.Parallel()

	id := EncodeSharedID("ctx-1", 42, false)
	frame, node, err := DecodeSharedID(id)
	require.NoError(t, err)
	assert.Empty(t, frame)
	assert.EqualValues(t, 42, node)
}

func TestSharedIDRoundTripWithFrame(t *testing.T) {
	t.Parallel()

	id := EncodeSharedID("ctx-1", 42, true)
	frame, node, err := DecodeSharedID(id)
	require.NoError(t, err)
	assert.Equal(t, "ctx-1", frame)
	assert.EqualValues(t, 42, node)
}

func TestDecodeSharedIDRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, _, err := DecodeSharedID("not-a-shared-id")
	assert.Error(t, err)
}

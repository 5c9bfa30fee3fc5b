package processor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chromedevtools/bidi-server/internal/bidierror"
	"github.com/chromedevtools/bidi-server/internal/bidiproto"
	bidilog "github.com/chromedevtools/bidi-server/internal/log"
)

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	t.Parallel()

	p := New(bidilog.NewNullLogger(), false)
	p.Register("session.status", func(ctx context.Context, params json.RawMessage, _ string) (interface{}, error) {
		return map[string]bool{"ready": true}, nil
	})

	resp := p.Dispatch(context.Background(), []byte(`{"id":1,"method":"session.status","params":{}}`))
	success, ok := resp.(bidiproto.SuccessResponse)
	require.True(t, ok)
	assert.EqualValues(t, 1, success.ID)
}

func TestDispatchUnknownMethod(t *testing.T) {
	t.Parallel()

	p := New(bidilog.NewNullLogger(), false)
	resp := p.Dispatch(context.Background(), []byte(`{"id":2,"method":"nope.nope","params":{}}`))

	errResp, ok := resp.(bidiproto.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, string(bidierror.UnknownCommand), errResp.Error)
}

func TestDispatchMalformedFrameStillRecoversID(t *testing.T) {
	t.Parallel()

	p := New(bidilog.NewNullLogger(), false)
	resp := p.Dispatch(context.Background(), []byte(`{"id":3,"method":`))

	errResp, ok := resp.(bidiproto.ErrorResponse)
	require.True(t, ok)
	require.NotNil(t, errResp.ID)
	assert.EqualValues(t, 3, *errResp.ID)
}

func TestDispatchHandlerErrorIsRendered(t *testing.T) {
	t.Parallel()

	p := New(bidilog.NewNullLogger(), false)
	p.Register("browsingContext.navigate", func(ctx context.Context, params json.RawMessage, _ string) (interface{}, error) {
		return nil, bidierror.NoSuchFramef("context %q unknown", "ctx-1")
	})

	resp := p.Dispatch(context.Background(), []byte(`{"id":4,"method":"browsingContext.navigate","params":{}}`))
	errResp, ok := resp.(bidiproto.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, string(bidierror.NoSuchFrame), errResp.Error)
}

func TestDispatchRateLimitRejectsBurst(t *testing.T) {
	t.Parallel()

	p := New(bidilog.NewNullLogger(), false)
	p.SetRateLimit(1, 1)
	p.Register("session.status", func(ctx context.Context, params json.RawMessage, _ string) (interface{}, error) {
		return struct{}{}, nil
	})

	first := p.Dispatch(context.Background(), []byte(`{"id":1,"method":"session.status","params":{}}`))
	_, ok := first.(bidiproto.SuccessResponse)
	assert.True(t, ok)

	second := p.Dispatch(context.Background(), []byte(`{"id":2,"method":"session.status","params":{}}`))
	_, ok = second.(bidiproto.ErrorResponse)
	assert.True(t, ok)
}

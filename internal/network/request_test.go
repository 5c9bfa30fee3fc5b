package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBeforeRequestSentWaitsForInterception(t *testing.T) {
	t.Parallel()

	r := NewRequest("req-1", "sess-1")
	r.RequestInfo = struct{}{}
	r.FetchID = "fetch-1"

	assert.False(t, r.ShouldEmitBeforeRequestSent(true), "must wait for interception to resolve")

	r.RequestPaused = struct{}{}
	assert.True(t, r.ShouldEmitBeforeRequestSent(true))
	assert.False(t, r.ShouldEmitBeforeRequestSent(true), "at-most-once")
}

func TestBeforeRequestSentWithoutInterception(t *testing.T) {
	t.Parallel()

	r := NewRequest("req-1", "sess-1")
	assert.False(t, r.ShouldEmitBeforeRequestSent(false), "no requestInfo yet")

	r.RequestInfo = struct{}{}
	r.RequestExtraInfo = struct{}{}
	assert.True(t, r.ShouldEmitBeforeRequestSent(false))
}

func TestResponseStartedRequiresBeforeRequestSentFirst(t *testing.T) {
	t.Parallel()

	r := NewRequest("req-1", "sess-1")
	r.ResponseInfo = struct{}{}
	assert.False(t, r.ShouldEmitResponseStarted(false), "ordering invariant: beforeRequestSent must fire first")

	r.RequestInfo = struct{}{}
	r.ShouldEmitBeforeRequestSent(false)
	assert.True(t, r.ShouldEmitResponseStarted(false))
}

func TestResponseCompletedRequiresResponseStartedFirst(t *testing.T) {
	t.Parallel()

	r := NewRequest("req-1", "sess-1")
	assert.False(t, r.ShouldEmitResponseCompleted(false))

	r.RequestInfo = struct{}{}
	r.RequestExtraInfo = struct{}{}
	r.ShouldEmitBeforeRequestSent(false)
	r.ResponseInfo = struct{}{}
	r.ShouldEmitResponseStarted(false)
	assert.True(t, r.ShouldEmitResponseCompleted(false))
}

func TestBeginRedirectIncrementsCountAndForcesExtraInfoFalse(t *testing.T) {
	t.Parallel()

	r := NewRequest("req-1", "sess-1")
	r.ResponseHasExtraInfo = true
	r.RedirectCount = 1

	next := r.BeginRedirect()
	assert.False(t, r.ResponseHasExtraInfo)
	assert.Equal(t, 2, next.RedirectCount)
	assert.Equal(t, r.ID, next.ID)
}

func TestIsFavicon(t *testing.T) {
	t.Parallel()

	r := NewRequest("req-1", "sess-1")
	r.URL = "https://example.com/favicon.ico"
	assert.True(t, r.IsFavicon())

	r.URL = "https://example.com/index.html"
	assert.False(t, r.IsFavicon())
}

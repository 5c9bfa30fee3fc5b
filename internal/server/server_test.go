package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chromedevtools/bidi-server/internal/eventqueue"
	bidilog "github.com/chromedevtools/bidi-server/internal/log"
	"github.com/chromedevtools/bidi-server/internal/processor"
	"github.com/chromedevtools/bidi-server/internal/subscription"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func dialWS(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func newTestSession(cleaned *int) SessionFactory {
	return func(sessionID string) (*processor.Processor, *subscription.Manager, *eventqueue.Queue, func()) {
		proc := processor.New(bidilog.NewNullLogger(), false)
		proc.Register("ping", func(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
			return map[string]string{"pong": sessionID}, nil
		})
		return proc, subscription.New(nil), eventqueue.New(), func() {
			if cleaned != nil {
				*cleaned++
			}
		}
	}
}

func TestServerDispatchesCommandAndRespondsOverTheSocket(t *testing.T) {
	t.Parallel()

	srv := New(bidilog.NewNullLogger(), newTestSession(nil))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ws := dialWS(t, ts.URL)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"ping","params":{}}`)))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, float64(1), resp["id"])
	assert.Equal(t, "success", resp["type"])
}

func TestServerCloseRunsCleanup(t *testing.T) {
	t.Parallel()

	var cleaned int
	srv := New(bidilog.NewNullLogger(), newTestSession(&cleaned))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ws := dialWS(t, ts.URL)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"ping","params":{}}`)))
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.NoError(t, err)

	srv.Shutdown()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 1, cleaned)
}

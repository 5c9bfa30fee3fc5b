package log

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	for name, tt := range map[string]struct {
		filter   string
		category string
		wantLine bool
	}{
		"matching category logs":     {filter: "^cdp:.*", category: "cdp:recv", wantLine: true},
		"non-matching category mute": {filter: "^cdp:.*", category: "bidi:dispatch", wantLine: false},
		"empty filter logs all":      {filter: "", category: "anything", wantLine: true},
	} {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			base := logrus.New()
			base.SetOutput(&buf)
			base.SetLevel(logrus.DebugLevel)
			base.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})

			l := New(base, nil)
			require.NoError(t, l.SetCategoryFilter(tt.filter))
			l.Debugf(tt.category, "hello %s", "world")

			if tt.wantLine {
				assert.Contains(t, buf.String(), "hello world")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetLevel(logrus.InfoLevel)

	l := New(base, nil)
	l.Debugf("cat", "suppressed")
	assert.Empty(t, buf.String())

	l.Infof("cat", "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewNullLoggerDiscards(t *testing.T) {
	t.Parallel()

	l := NewNullLogger()
	l.Log.SetLevel(logrus.DebugLevel)
	// Must not panic and must not write anywhere observable.
	l.Errorf("cat", "boom %d", 1)
}

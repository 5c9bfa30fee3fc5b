package screenshot

import (
	"context"
	"encoding/base64"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistWritesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := &Persister{Dir: dir}

	payload := base64.StdEncoding.EncodeToString([]byte("fake-png-bytes"))
	path, err := p.Persist(context.Background(), "ctx-1", payload)
	require.NoError(t, err)
	require.NotEmpty(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fake-png-bytes", string(data))
}

func TestPersistDisabledWhenDirEmpty(t *testing.T) {
	t.Parallel()

	p := &Persister{}
	path, err := p.Persist(context.Background(), "ctx-1", base64.StdEncoding.EncodeToString([]byte("x")))
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestPersistRejectsInvalidBase64(t *testing.T) {
	t.Parallel()

	p := &Persister{Dir: t.TempDir()}
	_, err := p.Persist(context.Background(), "ctx-1", "not-base64!!")
	assert.Error(t, err)
}

// Package screenshot adapts browsingContext.captureScreenshot's CDP
// Page.captureScreenshot result into an optional on-disk copy, on top of
// the base64 payload every BiDi response always carries. It is a direct
// adaptation of the teacher's LocalFilePersister (storage/file_persister.go):
// same clean-path-then-buffered-write discipline, repurposed from
// k6-module-uploaded artifacts to debugging captures of a live BiDi
// session.
package screenshot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Persister writes captured screenshots under a base directory, named by
// capture time and a short random suffix so concurrent captures across
// contexts never collide.
type Persister struct {
	Dir string
}

// Persist decodes a base64 PNG/JPEG payload and writes it under p.Dir,
// returning the path written. A Persister with an empty Dir is a no-op,
// matching config.Config.ScreenshotDir's "disabled by default" contract.
func (p *Persister) Persist(ctx context.Context, contextID, base64Data string) (string, error) {
	if p.Dir == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(base64Data)
	if err != nil {
		return "", fmt.Errorf("decoding screenshot payload: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%s.png", contextID, time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
	path := filepath.Clean(filepath.Join(p.Dir, name))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating screenshot directory %q: %w", filepath.Dir(path), err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating screenshot file %q: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if _, err := io.Copy(bw, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("writing screenshot data: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return "", fmt.Errorf("flushing screenshot to disk: %w", err)
	}

	return path, nil
}

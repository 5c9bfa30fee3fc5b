package processor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"

	cdpa "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"

	"github.com/chromedevtools/bidi-server/internal/bidierror"
	"github.com/chromedevtools/bidi-server/internal/browsingcontext"
	"github.com/chromedevtools/bidi-server/internal/cdp"
	"github.com/chromedevtools/bidi-server/internal/screenshot"
)

// BrowsingContextProcessor implements the browsingContext.* domain
// (spec.md §4.12), thin dispatch from wire params to the Browsing Context
// Store and the owning CdpTarget's session.
type BrowsingContextProcessor struct {
	Contexts *browsingcontext.Store
	Sessions func(contextID string) (*cdp.Session, bool) // resolves a context to its owning CDP session

	// Create opens a new top-level browsing context at url and returns it,
	// backing browsingContext.create.
	Create func(ctx context.Context, url string) (*browsingcontext.Context, error)

	// Screenshots persists captureScreenshot results to disk when
	// configured; a nil Persister (or one with an empty Dir) leaves every
	// capture in-memory only.
	Screenshots *screenshot.Persister
}

// Register wires every browsingContext.* method this processor handles
// into p.
func (bc *BrowsingContextProcessor) Register(p *Processor) {
	p.Register("browsingContext.create", bc.create)
	p.Register("browsingContext.navigate", bc.navigate)
	p.Register("browsingContext.reload", bc.reload)
	p.Register("browsingContext.getTree", bc.getTree)
	p.Register("browsingContext.close", bc.close)
	p.Register("browsingContext.activate", bc.activate)
	p.Register("browsingContext.setViewport", bc.setViewport)
	p.Register("browsingContext.captureScreenshot", bc.captureScreenshot)
}

type createParams struct {
	ContextType string `json:"type"`
	URL         string `json:"url,omitempty"`
}

type createResult struct {
	Context string `json:"context"`
}

func (bc *BrowsingContextProcessor) create(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params createParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing browsingContext.create params: %s", err)
	}

	url := params.URL
	if url == "" {
		url = "about:blank"
	}

	bidiCtx, err := bc.Create(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("creating browsing context: %w", err)
	}
	return createResult{Context: bidiCtx.ID}, nil
}

type navigateParams struct {
	Context string `json:"context"`
	URL     string `json:"url"`
	Wait    string `json:"wait,omitempty"`
}

type navigateResult struct {
	NavigationID string `json:"navigation"`
	URL          string `json:"url"`
}

func (bc *BrowsingContextProcessor) navigate(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params navigateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing browsingContext.navigate params: %s", err)
	}

	bidiCtx, ok := bc.Contexts.Get(params.Context)
	if !ok {
		return nil, bidierror.NoSuchFramef("context %q not found", params.Context)
	}
	session, ok := bc.Sessions(params.Context)
	if !ok {
		return nil, bidierror.NoSuchFramef("context %q has no attached CDP session", params.Context)
	}

	_, _, _, err := page.Navigate(params.URL).Do(cdpa.WithExecutor(ctx, session))
	if err != nil {
		return nil, fmt.Errorf("navigating %s to %s: %w", params.Context, params.URL, err)
	}

	bc.Contexts.SetURL(bidiCtx.ID, params.URL)
	return navigateResult{NavigationID: "", URL: params.URL}, nil
}

type reloadParams struct {
	Context     string `json:"context"`
	IgnoreCache bool   `json:"ignoreCache,omitempty"`
}

func (bc *BrowsingContextProcessor) reload(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params reloadParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing browsingContext.reload params: %s", err)
	}

	if _, ok := bc.Contexts.Get(params.Context); !ok {
		return nil, bidierror.NoSuchFramef("context %q not found", params.Context)
	}
	session, ok := bc.Sessions(params.Context)
	if !ok {
		return nil, bidierror.NoSuchFramef("context %q has no attached CDP session", params.Context)
	}

	action := page.Reload()
	if params.IgnoreCache {
		action = action.WithIgnoreCache(true)
	}
	if err := action.Do(cdpa.WithExecutor(ctx, session)); err != nil {
		return nil, fmt.Errorf("reloading context %s: %w", params.Context, err)
	}
	return struct{}{}, nil
}

type activateParams struct {
	Context string `json:"context"`
}

func (bc *BrowsingContextProcessor) activate(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params activateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing browsingContext.activate params: %s", err)
	}

	if _, ok := bc.Contexts.Get(params.Context); !ok {
		return nil, bidierror.NoSuchFramef("context %q not found", params.Context)
	}
	session, ok := bc.Sessions(params.Context)
	if !ok {
		return nil, bidierror.NoSuchFramef("context %q has no attached CDP session", params.Context)
	}

	if err := page.BringToFront().Do(cdpa.WithExecutor(ctx, session)); err != nil {
		return nil, fmt.Errorf("activating context %s: %w", params.Context, err)
	}
	return struct{}{}, nil
}

type setViewportParams struct {
	Context          string    `json:"context"`
	Viewport         *viewport `json:"viewport,omitempty"`
	DevicePixelRatio float64   `json:"devicePixelRatio,omitempty"`
}

type viewport struct {
	Width  int64 `json:"width"`
	Height int64 `json:"height"`
}

func (bc *BrowsingContextProcessor) setViewport(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params setViewportParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing browsingContext.setViewport params: %s", err)
	}

	if _, ok := bc.Contexts.Get(params.Context); !ok {
		return nil, bidierror.NoSuchFramef("context %q not found", params.Context)
	}
	session, ok := bc.Sessions(params.Context)
	if !ok {
		return nil, bidierror.NoSuchFramef("context %q has no attached CDP session", params.Context)
	}

	scale := params.DevicePixelRatio
	if scale == 0 {
		scale = 1
	}
	var width, height int64
	if params.Viewport != nil {
		width, height = params.Viewport.Width, params.Viewport.Height
	}

	action := emulation.SetDeviceMetricsOverride(width, height, scale, false)
	if err := action.Do(cdpa.WithExecutor(ctx, session)); err != nil {
		return nil, fmt.Errorf("setting viewport for context %s: %w", params.Context, err)
	}
	return struct{}{}, nil
}

type captureScreenshotParams struct {
	Context string            `json:"context"`
	Origin  string            `json:"origin,omitempty"` // "viewport" (default) or "document"
	Format  *screenshotFormat `json:"format,omitempty"`
	Clip    *screenshotClip   `json:"clip,omitempty"`
}

type screenshotFormat struct {
	Type    string  `json:"type"`
	Quality float64 `json:"quality,omitempty"`
}

type screenshotClip struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type captureScreenshotResult struct {
	Data string `json:"data"`
}

func (bc *BrowsingContextProcessor) captureScreenshot(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params captureScreenshotParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing browsingContext.captureScreenshot params: %s", err)
	}

	if _, ok := bc.Contexts.Get(params.Context); !ok {
		return nil, bidierror.NoSuchFramef("context %q not found", params.Context)
	}
	session, ok := bc.Sessions(params.Context)
	if !ok {
		return nil, bidierror.NoSuchFramef("context %q has no attached CDP session", params.Context)
	}
	exec := cdpa.WithExecutor(ctx, session)

	capture := page.CaptureScreenshot()

	clip := params.Clip
	if params.Origin == "document" && clip == nil {
		_, _, contentSize, _, _, _, err := page.GetLayoutMetrics().Do(exec)
		if err != nil {
			return nil, bidierror.UnableToCaptureScreenf("reading layout metrics for %s: %s", params.Context, err)
		}
		clip = &screenshotClip{
			X:      contentSize.X,
			Y:      contentSize.Y,
			Width:  contentSize.Width,
			Height: contentSize.Height,
		}
	}
	if clip != nil && clip.Width > 0 && clip.Height > 0 {
		capture = capture.WithClip(&page.Viewport{
			X:      math.Round(clip.X*100) / 100,
			Y:      math.Round(clip.Y*100) / 100,
			Width:  clip.Width,
			Height: clip.Height,
			Scale:  1,
		})
	}

	format := "png"
	if params.Format != nil {
		switch params.Format.Type {
		case "image/jpeg":
			format = "jpeg"
			if params.Format.Quality > 0 {
				capture = capture.WithQuality(int64(params.Format.Quality * 100))
			}
		case "image/png", "":
		default:
			return nil, bidierror.InvalidArgumentf("unsupported screenshot format %q", params.Format.Type)
		}
	}
	switch format {
	case "jpeg":
		capture = capture.WithFormat(page.CaptureScreenshotFormatJpeg)
	default:
		capture = capture.WithFormat(page.CaptureScreenshotFormatPng)
	}

	data, err := capture.Do(exec)
	if err != nil {
		return nil, bidierror.UnableToCaptureScreenf("capturing screenshot of %s: %s", params.Context, err)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	if bc.Screenshots != nil {
		if _, err := bc.Screenshots.Persist(ctx, params.Context, encoded); err != nil {
			return nil, fmt.Errorf("persisting screenshot for %s: %w", params.Context, err)
		}
	}

	return captureScreenshotResult{Data: encoded}, nil
}

type getTreeParams struct {
	Root string `json:"root,omitempty"`
}

type contextInfo struct {
	Context  string        `json:"context"`
	URL      string        `json:"url"`
	Children []contextInfo `json:"children"`
	Parent   string        `json:"parent,omitempty"`
}

func (bc *BrowsingContextProcessor) getTree(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params getTreeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing browsingContext.getTree params: %s", err)
	}

	var roots []*browsingcontext.Context
	if params.Root != "" {
		root, ok := bc.Contexts.Get(params.Root)
		if !ok {
			return nil, bidierror.NoSuchFramef("context %q not found", params.Root)
		}
		roots = []*browsingcontext.Context{root}
	} else {
		roots = bc.Contexts.TopLevelContexts()
	}

	infos := make([]contextInfo, 0, len(roots))
	for _, r := range roots {
		infos = append(infos, bc.describe(r))
	}
	return map[string]interface{}{"contexts": infos}, nil
}

func (bc *BrowsingContextProcessor) describe(c *browsingcontext.Context) contextInfo {
	info := contextInfo{Context: c.ID, URL: c.URL, Parent: c.ParentID}
	for _, childID := range c.Children() {
		if child, ok := bc.Contexts.Get(childID); ok {
			info.Children = append(info.Children, bc.describe(child))
		}
	}
	return info
}

type closeParams struct {
	Context string `json:"context"`
}

func (bc *BrowsingContextProcessor) close(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params closeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing browsingContext.close params: %s", err)
	}

	bidiCtx, ok := bc.Contexts.Get(params.Context)
	if !ok {
		return nil, bidierror.NoSuchFramef("context %q not found", params.Context)
	}
	if !bidiCtx.IsTopLevel() {
		return nil, bidierror.InvalidArgumentf("context %q is not a top-level browsing context", params.Context)
	}
	session, ok := bc.Sessions(params.Context)
	if !ok {
		return nil, bidierror.NoSuchFramef("context %q not found", params.Context)
	}

	if err := page.Close().Do(cdpa.WithExecutor(ctx, session)); err != nil {
		return nil, fmt.Errorf("closing context %s: %w", params.Context, err)
	}
	// CDP's Target.detachedFromTarget will arrive asynchronously and drive
	// the store's own cascading removal; remove eagerly too so a caller
	// that immediately calls getTree never observes the closed subtree.
	bc.Contexts.Remove(params.Context)
	return struct{}{}, nil
}

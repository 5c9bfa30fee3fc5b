package processor

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	cdpa "github.com/chromedp/cdproto/cdp"
	cdpnetwork "github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"

	"github.com/chromedevtools/bidi-server/internal/bidierror"
	"github.com/chromedevtools/bidi-server/internal/browsingcontext"
	"github.com/chromedevtools/bidi-server/internal/cdp"
	"github.com/chromedevtools/bidi-server/internal/network"
)

// StorageProcessor implements the storage.* domain (spec.md §4.12): cookie
// get/set against a resolved storage partition. Grounded on the teacher's
// BrowserContext cookie helpers (common/browser_context.go), which run CDP
// Storage domain commands against the browser-level connection rather than
// a particular page session (storage.ClearCookies().WithBrowserContextID(...)
// .Do(b.ctx)); narrowed here to plain cookie objects rather than goja-value
// ones, and to CDP Storage.getCookies/setCookies rather than the
// deprecated per-page Network.getCookies/setCookie.
type StorageProcessor struct {
	Conn     *cdp.Connection
	Contexts *browsingcontext.Store
}

// Register wires every storage.* method into p.
func (sp *StorageProcessor) Register(p *Processor) {
	p.Register("storage.getCookies", sp.getCookies)
	p.Register("storage.setCookie", sp.setCookie)
}

// storagePartition is BiDi's partition descriptor: either a browsing
// context (whose current origin supplies sourceOrigin when the caller
// omits it) or a bare storage key. sourceOrigin is the partition's actual
// identity here (spec.md §4.12): this translator drives a single browser
// instance with one implicit cookie store, so sourceOrigin is validated
// and echoed back rather than used to select among several CDP browser
// contexts.
type storagePartition struct {
	Type         string `json:"type,omitempty"`
	Context      string `json:"context,omitempty"`
	SourceOrigin string `json:"sourceOrigin,omitempty"`
	UserContext  string `json:"userContext,omitempty"`
}

// resolvePartition fills in sourceOrigin from the named context's current
// URL when the caller left it blank, and fails per spec.md §4.12 when
// neither a context nor an explicit sourceOrigin is present.
func (sp *StorageProcessor) resolvePartition(p storagePartition) (storagePartition, error) {
	if p.SourceOrigin != "" {
		return p, nil
	}
	if p.Context == "" {
		return p, bidierror.UnderspecifiedStoragePartitionf("storage partition requires context or sourceOrigin")
	}
	bidiCtx, ok := sp.Contexts.Get(p.Context)
	if !ok {
		return p, bidierror.NoSuchFramef("context %q not found", p.Context)
	}
	origin, err := originOf(bidiCtx.URL)
	if err != nil {
		return p, bidierror.UnderspecifiedStoragePartitionf("resolving origin of context %q: %s", p.Context, err)
	}
	p.SourceOrigin = origin
	return p, nil
}

func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return rawURL, nil
	}
	return u.Scheme + "://" + u.Host, nil
}

type getCookiesParams struct {
	Filter    map[string]interface{} `json:"filter,omitempty"`
	Partition storagePartition        `json:"partition,omitempty"`
}

func (sp *StorageProcessor) getCookies(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params getCookiesParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing storage.getCookies params: %s", err)
	}
	partition, err := sp.resolvePartition(params.Partition)
	if err != nil {
		return nil, err
	}

	cdpCookies, err := storage.GetCookies().Do(cdpa.WithExecutor(ctx, sp.Conn))
	if err != nil {
		return nil, bidierror.Unknownf("getting cookies: %s", err)
	}

	cookies := make([]network.Cookie, 0, len(cdpCookies))
	for _, c := range cdpCookies {
		if c == nil {
			continue
		}
		cookies = append(cookies, cookieFromStorage(c))
	}
	return map[string]interface{}{"cookies": cookies, "partitionKey": partition}, nil
}

func cookieFromStorage(c *cdpnetwork.Cookie) network.Cookie {
	return network.Cookie{
		Name:     c.Name,
		Value:    network.StringValue(c.Value),
		Domain:   c.Domain,
		Path:     c.Path,
		Size:     c.Size,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: network.SameSiteFromCDP(string(c.SameSite)),
		Expiry:   int64(c.Expires),
	}
}

type setCookieParams struct {
	Cookie struct {
		Name     string             `json:"name"`
		Value    network.BytesValue `json:"value"`
		Domain   string             `json:"domain"`
		Path     string             `json:"path,omitempty"`
		Secure   bool               `json:"secure,omitempty"`
		HTTPOnly bool               `json:"httpOnly,omitempty"`
		SameSite network.SameSite   `json:"sameSite,omitempty"`
		Expiry   int64              `json:"expiry,omitempty"`
	} `json:"cookie"`
	Partition storagePartition `json:"partition,omitempty"`
}

func (sp *StorageProcessor) setCookie(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params setCookieParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing storage.setCookie params: %s", err)
	}
	partition, err := sp.resolvePartition(params.Partition)
	if err != nil {
		return nil, err
	}

	value, err := network.DecodeValue(params.Cookie.Value)
	if err != nil {
		return nil, bidierror.InvalidArgumentf("decoding cookie value: %s", err)
	}

	cookie := &cdpnetwork.CookieParam{
		Name:     params.Cookie.Name,
		Value:    value,
		Domain:   params.Cookie.Domain,
		Path:     params.Cookie.Path,
		Secure:   params.Cookie.Secure,
		HTTPOnly: params.Cookie.HTTPOnly,
	}
	if params.Cookie.Expiry != 0 {
		expires := cdpa.TimeSinceEpoch(time.Unix(params.Cookie.Expiry, 0))
		cookie.Expires = &expires
	}
	if params.Cookie.SameSite != "" {
		sameSite, err := network.SameSiteToCDP(params.Cookie.SameSite)
		if err != nil {
			return nil, bidierror.InvalidArgumentf("setting cookie %q: %s", params.Cookie.Name, err)
		}
		cookie.SameSite = cdpnetwork.CookieSameSite(sameSite)
	}

	if err := storage.SetCookies([]*cdpnetwork.CookieParam{cookie}).Do(cdpa.WithExecutor(ctx, sp.Conn)); err != nil {
		return nil, bidierror.UnableToSetCookief("setting cookie %q: %s", params.Cookie.Name, err)
	}
	return map[string]interface{}{"partitionKey": partition}, nil
}

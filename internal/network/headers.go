package network

import (
	"encoding/base64"
	"fmt"
	"strings"

	cdpnetwork "github.com/chromedp/cdproto/network"
)

// BytesValue is the BiDi wire shape for a header/cookie value or a request
// body: either a literal string or base64-encoded bytes (spec.md §4.8).
type BytesValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Header is one name/value pair as BiDi serializes it on the wire.
type Header struct {
	Name  string     `json:"name"`
	Value BytesValue `json:"value"`
}

// StringValue wraps s as a literal BytesValue for outgoing event payloads.
func StringValue(s string) BytesValue {
	return BytesValue{Type: "string", Value: s}
}

// HeadersToWire converts an internal header map into the ordered BiDi wire
// shape, every value carried as a literal string.
func HeadersToWire(headers map[string]string) []Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]Header, 0, len(headers))
	for name, value := range headers {
		out = append(out, Header{Name: name, Value: StringValue(value)})
	}
	return out
}

// DecodeValue resolves a BiDi BytesValue to its raw string content.
func DecodeValue(b BytesValue) (string, error) {
	switch b.Type {
	case "", "string":
		return b.Value, nil
	case "base64":
		data, err := base64.StdEncoding.DecodeString(b.Value)
		if err != nil {
			return "", fmt.Errorf("decoding base64 value: %w", err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("unknown bytes value type %q", b.Type)
	}
}

// EncodeBodyForCDP implements spec.md §4.8's body encoding rule: BiDi
// accepts {type:"string"|"base64", value}; CDP always wants base64, so a
// "string" body is base64-encoded while a "base64" body passes through.
// bodySize is the original-string length or the decoded base64 length.
func EncodeBodyForCDP(b BytesValue) (cdpBase64 string, bodySize int, err error) {
	switch b.Type {
	case "", "string":
		return base64.StdEncoding.EncodeToString([]byte(b.Value)), len(b.Value), nil
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(b.Value)
		if err != nil {
			return "", 0, fmt.Errorf("decoding base64 body: %w", err)
		}
		return b.Value, len(decoded), nil
	default:
		return "", 0, fmt.Errorf("unknown bytes value type %q", b.Type)
	}
}

// HeaderSize computes spec.md §4.8/§8's header size formula:
// Σ "<name>: <value>\r\n" in UTF-8 bytes. For example {"a":"b"} and
// {"c":"d"} together total len("a: b\r\nc: d\r\n") == 12.
func HeaderSize(headers map[string]string) int {
	size := 0
	for name, value := range headers {
		size += len(name) + len(": ") + len(value) + len("\r\n")
	}
	return size
}

// MergeCookiesIntoHeaders implements spec.md §4.8's cookie-merging rule:
// if only cookies are supplied, base is used verbatim and any existing
// cookie header (case-insensitive) is replaced; the synthesized cookie
// header is always appended after filtering out whatever it replaces, so
// the same code path also covers the both-supplied case.
func MergeCookiesIntoHeaders(base map[string]string, cookies []string) map[string]string {
	if len(cookies) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+1)
	for name, value := range base {
		if strings.EqualFold(name, "cookie") {
			continue
		}
		out[name] = value
	}
	out["Cookie"] = strings.Join(cookies, "; ")
	return out
}

// CloneHeaders returns a shallow copy so callers can mutate without
// aliasing a Request's stored base headers.
func CloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Timings is BiDi's FetchTimingInfo. This translator cannot yet recover
// CDP's per-phase resource timing from the event stream, so every field
// reports zero, matching the behavior of returning a populated-but-zeroed
// struct rather than omitting timings entirely.
type Timings struct {
	TimeOrigin        float64 `json:"timeOrigin"`
	RequestTime       float64 `json:"requestTime"`
	RedirectStart     float64 `json:"redirectStart"`
	RedirectEnd       float64 `json:"redirectEnd"`
	FetchStart        float64 `json:"fetchStart"`
	DNSStart          float64 `json:"dnsStart"`
	DNSEnd            float64 `json:"dnsEnd"`
	ConnectStart      float64 `json:"connectStart"`
	ConnectEnd        float64 `json:"connectEnd"`
	TLSStart          float64 `json:"tlsStart"`
	RequestStart      float64 `json:"requestStart"`
	ResponseStart     float64 `json:"responseStart"`
	ResponseEnd       float64 `json:"responseEnd"`
}

// SameSite is the BiDi representation of a cookie's SameSite attribute.
type SameSite string

const (
	SameSiteStrict SameSite = "strict"
	SameSiteLax    SameSite = "lax"
	SameSiteNone   SameSite = "none"
)

// SameSiteFromCDP maps a CDP cookie SameSite value to its BiDi
// counterpart, defaulting anything unrecognized (including CDP's empty
// "not set" value) to Lax on read (spec.md §4.12).
func SameSiteFromCDP(cdpValue string) SameSite {
	switch cdpValue {
	case "Strict":
		return SameSiteStrict
	case "None":
		return SameSiteNone
	case "Lax":
		return SameSiteLax
	default:
		return SameSiteLax
	}
}

// SameSiteToCDP maps a BiDi SameSite value to CDP, rejecting anything
// unrecognized on write (spec.md §4.12) rather than silently defaulting.
func SameSiteToCDP(s SameSite) (string, error) {
	switch s {
	case SameSiteStrict:
		return "Strict", nil
	case SameSiteLax:
		return "Lax", nil
	case SameSiteNone:
		return "None", nil
	default:
		return "", fmt.Errorf("unknown sameSite value %q", s)
	}
}

// Cookie is BiDi's network.Cookie wire shape, a strict superset of a
// header's Cookie/Set-Cookie text with the attributes CDP tracks
// separately.
type Cookie struct {
	Name     string     `json:"name"`
	Value    BytesValue `json:"value"`
	Domain   string     `json:"domain"`
	Path     string     `json:"path"`
	Size     int64      `json:"size"`
	HTTPOnly bool       `json:"httpOnly"`
	Secure   bool       `json:"secure"`
	SameSite SameSite   `json:"sameSite"`
	Expiry   int64      `json:"expiry,omitempty"`
}

// cookieFromCDP converts a CDP cookie to its BiDi wire shape.
func cookieFromCDP(c *cdpnetwork.Cookie) Cookie {
	return Cookie{
		Name:     c.Name,
		Value:    StringValue(c.Value),
		Domain:   c.Domain,
		Path:     c.Path,
		Size:     c.Size,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: SameSiteFromCDP(string(c.SameSite)),
		Expiry:   int64(c.Expires),
	}
}

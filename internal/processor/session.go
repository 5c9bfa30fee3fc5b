package processor

import (
	"context"
	"encoding/json"

	"github.com/chromedevtools/bidi-server/internal/bidierror"
	"github.com/chromedevtools/bidi-server/internal/config"
)

// SessionProcessor implements the session.* domain (spec.md §4.12):
// capability negotiation and subscription management for the connection
// it's bound to. new/status/subscribe/unsubscribe map directly onto the
// per-connection Session Manager (C14); end-to-end ownership of the
// WebSocket itself lives in internal/server.
type SessionProcessor struct {
	Config config.Config

	// New launches (or attaches to) the browser backing this connection
	// and is handed the client's requested capabilities. Its result is echoed back
	// verbatim as the session.new response's capabilities object.
	New func(ctx context.Context, capabilities map[string]interface{}) (map[string]interface{}, error)

	Subscribe func(events, contexts []string, channel string) (string, error)
	// Unsubscribe implements the attribute-based form (spec.md §4.3): events
	// and contexts name what to remove, channel scopes it to one client's
	// channel. By-id unsubscribe is not wired — BiDi's wire protocol for
	// session.unsubscribe never hands the client a subscription id to name
	// one by (see DESIGN.md).
	Unsubscribe func(events, contexts []string, channel string) error
}

type sessionNewParams struct {
	Capabilities map[string]interface{} `json:"capabilities"`
}

type sessionNewResult struct {
	SessionID    string                 `json:"sessionId"`
	Capabilities map[string]interface{} `json:"capabilities"`
}

// Register wires every session.* method into p.
func (sp *SessionProcessor) Register(p *Processor) {
	p.Register("session.new", sp.new)
	p.Register("session.status", sp.status)
	p.Register("session.subscribe", sp.subscribe)
	p.Register("session.unsubscribe", sp.unsubscribe)
}

func (sp *SessionProcessor) new(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params sessionNewParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing session.new params: %s", err)
	}
	caps, err := sp.New(ctx, params.Capabilities)
	if err != nil {
		return nil, err
	}
	return sessionNewResult{Capabilities: caps}, nil
}

func (sp *SessionProcessor) status(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	return map[string]interface{}{"ready": true, "message": ""}, nil
}

type subscribeParams struct {
	Events   []string `json:"events"`
	Contexts []string `json:"contexts,omitempty"`
}

func (sp *SessionProcessor) subscribe(ctx context.Context, raw json.RawMessage, channel string) (interface{}, error) {
	var params subscribeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing session.subscribe params: %s", err)
	}
	if len(params.Events) == 0 {
		return nil, bidierror.InvalidArgumentf("events must not be empty")
	}
	id, err := sp.Subscribe(params.Events, params.Contexts, channel)
	if err != nil {
		return nil, err
	}
	return map[string]string{"subscription": id}, nil
}

// unsubscribeParams is the attribute-based form of session.unsubscribe
// (spec.md §4.3). A "subscriptions" field exists on the wire for a by-id
// form BiDi never actually gives clients a way to populate meaningfully
// (see DESIGN.md); it is accepted for forward wire-compatibility but
// otherwise unused.
type unsubscribeParams struct {
	Subscriptions []string `json:"subscriptions,omitempty"`
	Events        []string `json:"events,omitempty"`
	Contexts      []string `json:"contexts,omitempty"`
}

func (sp *SessionProcessor) unsubscribe(ctx context.Context, raw json.RawMessage, channel string) (interface{}, error) {
	var params unsubscribeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing session.unsubscribe params: %s", err)
	}
	if len(params.Events) == 0 {
		return nil, bidierror.InvalidArgumentf("events must not be empty")
	}
	if err := sp.Unsubscribe(params.Events, params.Contexts, channel); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// Package processor implements the Command Processor (spec.md §4.11,
// component C11) and the domain processors it dispatches to (§4.12,
// component C12). It is grounded on the teacher's own dispatch layer: the
// generated *_mapping.go files under browser/ that route a JS method name
// to a Go method via a registry, adapted here from a goja.Value argument
// list to a bidiproto.Command's raw JSON params, and from synchronous
// return-or-panic to explicit (interface{}, error) returns that the
// Command Processor turns into wire responses.
package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/chromedevtools/bidi-server/internal/bidierror"
	"github.com/chromedevtools/bidi-server/internal/bidiproto"
	bidilog "github.com/chromedevtools/bidi-server/internal/log"
)

// Handler processes one command's params and returns the BiDi result
// object to send back, or an error (ideally a *bidierror.Error). channel is
// the command's top-level "channel" field (spec.md §4.3); only
// session.subscribe/unsubscribe read it, every other handler ignores it.
type Handler func(ctx context.Context, params json.RawMessage, channel string) (interface{}, error)

// Processor parses incoming commands, routes them to a registered domain
// handler by method name, and renders the handler's outcome as a
// bidiproto.SuccessResponse or ErrorResponse.
type Processor struct {
	logger   *bidilog.Logger
	verbose  bool
	handlers map[string]Handler

	// limiter guards against a misbehaving client flooding the command
	// loop; nil (the default) disables the guard entirely, since most
	// deployments front this server with their own session-level quotas.
	limiter *rate.Limiter
}

// New creates a Processor with no handlers registered; callers use
// Register to wire up domain processors (session, browsingContext, script,
// network, storage — spec.md §4.12).
func New(logger *bidilog.Logger, verbose bool) *Processor {
	return &Processor{logger: logger, verbose: verbose, handlers: make(map[string]Handler)}
}

// SetRateLimit enables the command-rate guard: at most burst commands may
// arrive instantaneously, refilling at ratePerSecond thereafter. Disabled
// by default (spec.md does not mandate one; this is additive hardening
// against a single client monopolizing the one underlying CDP connection).
func (p *Processor) SetRateLimit(ratePerSecond float64, burst int) {
	p.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
}

// Register wires method (e.g. "browsingContext.navigate") to handler.
func (p *Processor) Register(method string, handler Handler) {
	p.handlers[method] = handler
}

// Dispatch runs raw (one WebSocket text frame's bytes) through parsing,
// routing, and response rendering. It never returns an error itself: every
// failure mode, including a malformed frame that can't even be parsed for
// its id, is represented as a rendered ErrorResponse so the caller can
// always just write the result to the client.
func (p *Processor) Dispatch(ctx context.Context, raw []byte) interface{} {
	var cmd bidiproto.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return bidiproto.NewError(recoverID(raw), "", string(bidierror.InvalidArgument), err.Error(), p.stack(err))
	}

	if p.limiter != nil && !p.limiter.Allow() {
		err := bidierror.UnsupportedOperationf("command rate limit exceeded")
		return p.renderError(cmd, err)
	}

	handler, ok := p.handlers[cmd.Method]
	if !ok {
		err := bidierror.UnknownCommandf("no handler registered for %q", cmd.Method)
		return p.renderError(cmd, err)
	}

	result, err := handler(ctx, cmd.Params, cmd.Channel)
	if err != nil {
		return p.renderError(cmd, err)
	}
	return bidiproto.NewSuccess(cmd.ID, cmd.Channel, result)
}

func (p *Processor) renderError(cmd bidiproto.Command, err error) bidiproto.ErrorResponse {
	be := bidierror.FromError(err)
	id := cmd.ID
	return bidiproto.NewError(&id, cmd.Channel, string(be.Code), be.Message, p.stack(err))
}

func (p *Processor) stack(err error) string {
	if !p.verbose {
		return ""
	}
	return fmt.Sprintf("%+v", err)
}

// recoverID scans a malformed frame with gjson (rather than failing the
// whole parse) to recover the client's id, if present, so even a
// structurally broken command still gets an error correlated back to it
// (spec.md §7 error taxonomy: the id is best-effort, not a hard
// requirement for which a missing id blocks a response entirely).
func recoverID(raw []byte) *int64 {
	res := gjson.GetBytes(raw, "id")
	if !res.Exists() || res.Type != gjson.Number {
		return nil
	}
	id := res.Int()
	return &id
}

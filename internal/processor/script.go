package processor

import (
	"context"
	"encoding/json"

	cdpa "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"

	"github.com/chromedevtools/bidi-server/internal/bidierror"
	"github.com/chromedevtools/bidi-server/internal/cdp"
	"github.com/chromedevtools/bidi-server/internal/preload"
	"github.com/chromedevtools/bidi-server/internal/realm"
)

// ScriptProcessor implements the script.* domain (spec.md §4.12): realm
// enumeration, evaluation, and preload-script registration. It is
// grounded on the teacher's ExecutionContext.eval (common/execution_context.go),
// narrowed to Runtime.evaluate with returnByValue against a resolved
// realm's execution context, without the teacher's forceCallable path,
// since this server reports raw CDP RemoteObjects back over the wire
// rather than materializing goja values.
type ScriptProcessor struct {
	Realms   *realm.Store
	Preloads *preload.Store
	Sessions func(realmID string) (*cdp.Session, bool)
}

// Register wires every script.* method into p.
func (sp *ScriptProcessor) Register(p *Processor) {
	p.Register("script.getRealms", sp.getRealms)
	p.Register("script.evaluate", sp.evaluate)
	p.Register("script.callFunction", sp.callFunction)
	p.Register("script.disown", sp.disown)
	p.Register("script.addPreloadScript", sp.addPreloadScript)
	p.Register("script.removePreloadScript", sp.removePreloadScript)
}

type getRealmsParams struct {
	Context string `json:"context,omitempty"`
	Type    string `json:"type,omitempty"`
	Sandbox string `json:"sandbox,omitempty"`
}

type realmInfo struct {
	Realm   string `json:"realm"`
	Origin  string `json:"origin"`
	Type    string `json:"type"`
	Context string `json:"context,omitempty"`
}

func (sp *ScriptProcessor) getRealms(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params getRealmsParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing script.getRealms params: %s", err)
	}

	var contexts []string
	if params.Context != "" {
		contexts = []string{params.Context}
	}

	realms := sp.Realms.List(contexts, realm.Kind(params.Type))
	infos := make([]realmInfo, 0, len(realms))
	for _, r := range realms {
		if params.Sandbox != "" && r.SandboxName != params.Sandbox {
			continue
		}
		info := realmInfo{Realm: r.ID, Origin: r.Origin, Type: string(r.Kind)}
		if owners := r.AssociatedBrowsingContexts(); len(owners) > 0 {
			info.Context = owners[0]
		}
		infos = append(infos, info)
	}
	return map[string]interface{}{"realms": infos}, nil
}

type evaluateParams struct {
	Expression   string `json:"expression"`
	Target       struct {
		Realm string `json:"realm"`
	} `json:"target"`
	AwaitPromise bool `json:"awaitPromise"`
}

func (sp *ScriptProcessor) evaluate(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params evaluateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing script.evaluate params: %s", err)
	}

	r, ok := sp.Realms.Get(params.Target.Realm)
	if !ok {
		return nil, bidierror.NoSuchScriptf("realm %q not found", params.Target.Realm)
	}
	session, ok := sp.Sessions(r.ID)
	if !ok {
		return nil, bidierror.NoSuchScriptf("realm %q has no attached CDP session", r.ID)
	}

	cmd := runtime.Evaluate(params.Expression).
		WithContextID(runtime.ExecutionContextID(r.Key.ExecutionContextID)).
		WithAwaitPromise(params.AwaitPromise).
		WithReturnByValue(true)

	result, exceptionDetails, err := cmd.Do(cdpa.WithExecutor(ctx, session))
	if err != nil {
		return nil, bidierror.Unknownf("evaluating script in realm %s: %s", r.ID, err)
	}
	if exceptionDetails != nil {
		return map[string]interface{}{
			"type":           "exception",
			"exceptionDetails": exceptionDetails,
			"realm":          r.ID,
		}, nil
	}
	return map[string]interface{}{
		"type":   "success",
		"result": result,
		"realm":  r.ID,
	}, nil
}

type callFunctionParams struct {
	FunctionDeclaration string            `json:"functionDeclaration"`
	This                json.RawMessage   `json:"this,omitempty"`
	Arguments           []json.RawMessage `json:"arguments,omitempty"`
	AwaitPromise        bool              `json:"awaitPromise"`
	Target              struct {
		Realm string `json:"realm"`
	} `json:"target"`
}

// callFunction backs script.callFunction by way of Runtime.callFunctionOn,
// the same primitive the teacher's ExecutionContext.eval uses for its
// forceCallable path (common/execution_context.go). Arguments and "this"
// are resolved from the BiDi local-value/remote-reference wire shape to
// CDP CallArguments: a {"handle": ...} reference becomes an ObjectID
// argument, anything else passes its "value" field through as the raw CDP
// argument value, which covers every JSON-primitive LocalValue but not
// BiDi's richer array/object/map local values.
func (sp *ScriptProcessor) callFunction(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params callFunctionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing script.callFunction params: %s", err)
	}

	r, ok := sp.Realms.Get(params.Target.Realm)
	if !ok {
		return nil, bidierror.NoSuchScriptf("realm %q not found", params.Target.Realm)
	}
	session, ok := sp.Sessions(r.ID)
	if !ok {
		return nil, bidierror.NoSuchScriptf("realm %q has no attached CDP session", r.ID)
	}

	args := make([]*runtime.CallArgument, 0, len(params.Arguments))
	for _, raw := range params.Arguments {
		arg, err := localValueToCallArgument(raw)
		if err != nil {
			return nil, bidierror.InvalidArgumentf("converting script.callFunction argument: %s", err)
		}
		args = append(args, arg)
	}

	cmd := runtime.CallFunctionOn(params.FunctionDeclaration).
		WithExecutionContextID(runtime.ExecutionContextID(r.Key.ExecutionContextID)).
		WithArguments(args).
		WithAwaitPromise(params.AwaitPromise).
		WithReturnByValue(true)

	if len(params.This) > 0 {
		thisArg, err := localValueToCallArgument(params.This)
		if err != nil {
			return nil, bidierror.InvalidArgumentf("converting script.callFunction this: %s", err)
		}
		if thisArg.ObjectID != "" {
			cmd = cmd.WithObjectID(thisArg.ObjectID)
		}
	}

	result, exceptionDetails, err := cmd.Do(cdpa.WithExecutor(ctx, session))
	if err != nil {
		return nil, bidierror.Unknownf("calling function in realm %s: %s", r.ID, err)
	}
	if exceptionDetails != nil {
		return map[string]interface{}{
			"type":             "exception",
			"exceptionDetails": exceptionDetails,
			"realm":            r.ID,
		}, nil
	}
	return map[string]interface{}{
		"type":   "success",
		"result": result,
		"realm":  r.ID,
	}, nil
}

// localValueToCallArgument converts one BiDi local-value or remote-reference
// argument to a CDP CallArgument.
func localValueToCallArgument(raw json.RawMessage) (*runtime.CallArgument, error) {
	var ref struct {
		Handle string          `json:"handle,omitempty"`
		Value  json.RawMessage `json:"value,omitempty"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, err
	}
	if ref.Handle != "" {
		return &runtime.CallArgument{ObjectID: runtime.RemoteObjectID(ref.Handle)}, nil
	}
	return &runtime.CallArgument{Value: easyjson.RawMessage(ref.Value)}, nil
}

type disownParams struct {
	Handles []string `json:"handles"`
	Target  struct {
		Realm string `json:"realm"`
	} `json:"target"`
}

// disown backs script.disown: it releases every named CDP remote object so
// the renderer can reclaim the handle, ignoring handles CDP no longer
// recognizes (already released, or from a realm that's gone) per the
// command's best-effort contract.
func (sp *ScriptProcessor) disown(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params disownParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing script.disown params: %s", err)
	}

	r, ok := sp.Realms.Get(params.Target.Realm)
	if !ok {
		return nil, bidierror.NoSuchScriptf("realm %q not found", params.Target.Realm)
	}
	session, ok := sp.Sessions(r.ID)
	if !ok {
		return nil, bidierror.NoSuchScriptf("realm %q has no attached CDP session", r.ID)
	}

	for _, handle := range params.Handles {
		_ = runtime.ReleaseObject(runtime.RemoteObjectID(handle)).Do(cdpa.WithExecutor(ctx, session))
	}
	return struct{}{}, nil
}

type addPreloadScriptParams struct {
	FunctionDeclaration string   `json:"functionDeclaration"`
	Sandbox              string   `json:"sandbox,omitempty"`
	Contexts             []string `json:"contexts,omitempty"`
	Channels             []string `json:"channels,omitempty"`
}

func (sp *ScriptProcessor) addPreloadScript(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params addPreloadScriptParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing script.addPreloadScript params: %s", err)
	}
	sc := sp.Preloads.Add(params.FunctionDeclaration, params.Sandbox, params.Contexts, params.Channels)
	return map[string]string{"script": sc.ID}, nil
}

type removePreloadScriptParams struct {
	Script string `json:"script"`
}

func (sp *ScriptProcessor) removePreloadScript(ctx context.Context, raw json.RawMessage, _ string) (interface{}, error) {
	var params removePreloadScriptParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, bidierror.InvalidArgumentf("parsing script.removePreloadScript params: %s", err)
	}
	if _, ok := sp.Preloads.Remove(params.Script); !ok {
		return nil, bidierror.NoSuchScriptf("preload script %q not found", params.Script)
	}
	return struct{}{}, nil
}

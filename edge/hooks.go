package edge

import "context"

// RequestHook transforms the result of the request phase. It may block; the
// orchestrator waits for it to return.
type RequestHook interface {
	TransformRequest(ctx context.Context, inv Invocation, res Result) (Result, error)
}

// ResponseHook transforms the response of the response phase.
type ResponseHook interface {
	TransformResponse(ctx context.Context, inv Invocation, resp *Response) (*Response, error)
}

// RequestHookFunc adapts a function to RequestHook.
type RequestHookFunc func(ctx context.Context, inv Invocation, res Result) (Result, error)

func (f RequestHookFunc) TransformRequest(ctx context.Context, inv Invocation, res Result) (Result, error) {
	return f(ctx, inv, res)
}

// ResponseHookFunc adapts a function to ResponseHook.
type ResponseHookFunc func(ctx context.Context, inv Invocation, resp *Response) (*Response, error)

func (f ResponseHookFunc) TransformResponse(ctx context.Context, inv Invocation, resp *Response) (*Response, error) {
	return f(ctx, inv, resp)
}

// Hooks bundles the optional user hooks. Nil members act as the identity.
type Hooks struct {
	Request  RequestHook
	Response ResponseHook
}

type identityHook struct{}

func (identityHook) TransformRequest(_ context.Context, _ Invocation, res Result) (Result, error) {
	return res, nil
}

func (identityHook) TransformResponse(_ context.Context, _ Invocation, resp *Response) (*Response, error) {
	return resp, nil
}

func (h Hooks) withDefaults() Hooks {
	if h.Request == nil {
		h.Request = identityHook{}
	}
	if h.Response == nil {
		h.Response = identityHook{}
	}
	return h
}

package app

import (
	"context"
	"net/http"

	"oidcedge/edge"
)

// HeaderHooks builds the configured header hooks. Request headers are set on
// forwarded requests; response headers are set on synthesized responses in
// the request phase and on origin responses in the response phase.
func HeaderHooks(cfg HooksConfig) edge.Hooks {
	var hooks edge.Hooks
	if len(cfg.RequestHeaders) > 0 || len(cfg.ResponseHeaders) > 0 {
		hooks.Request = edge.RequestHookFunc(func(_ context.Context, _ edge.Invocation, res edge.Result) (edge.Result, error) {
			if res.Response != nil {
				setHeaders(res.Response.Header, cfg.ResponseHeaders)
			} else if res.Request != nil {
				setHeaders(res.Request.Header, cfg.RequestHeaders)
			}
			return res, nil
		})
	}
	if len(cfg.ResponseHeaders) > 0 {
		hooks.Response = edge.ResponseHookFunc(func(_ context.Context, _ edge.Invocation, resp *edge.Response) (*edge.Response, error) {
			setHeaders(resp.Header, cfg.ResponseHeaders)
			return resp, nil
		})
	}
	return hooks
}

// ChainHooks runs the request and response hooks of each set in order. The
// first error stops the chain.
func ChainHooks(sets ...edge.Hooks) edge.Hooks {
	var requests []edge.RequestHook
	var responses []edge.ResponseHook
	for _, h := range sets {
		if h.Request != nil {
			requests = append(requests, h.Request)
		}
		if h.Response != nil {
			responses = append(responses, h.Response)
		}
	}

	var out edge.Hooks
	if len(requests) > 0 {
		out.Request = edge.RequestHookFunc(func(ctx context.Context, inv edge.Invocation, res edge.Result) (edge.Result, error) {
			var err error
			for _, h := range requests {
				if res, err = h.TransformRequest(ctx, inv, res); err != nil {
					return res, err
				}
			}
			return res, nil
		})
	}
	if len(responses) > 0 {
		out.Response = edge.ResponseHookFunc(func(ctx context.Context, inv edge.Invocation, resp *edge.Response) (*edge.Response, error) {
			var err error
			for _, h := range responses {
				if resp, err = h.TransformResponse(ctx, inv, resp); err != nil {
					return resp, err
				}
			}
			return resp, nil
		})
	}
	return out
}

func setHeaders(dst http.Header, values map[string]string) {
	if dst == nil {
		return
	}
	for name, value := range values {
		dst.Set(name, value)
	}
}

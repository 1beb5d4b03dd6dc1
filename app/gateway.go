package app

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"oidcedge/edge"
)

// Gateway runs the request phase in front of the origin and the response
// phase on the way back.
type Gateway struct {
	orch           *edge.Orchestrator
	proxy          *httputil.ReverseProxy
	exchangeHeader string
	metrics        *Metrics
	logger         *slog.Logger
}

type exchangeKey struct{}

// exchange links the two phases of one request. The forwarded request keeps
// the exchange header chunks, which never leave the gateway.
type exchange struct {
	inv edge.Invocation
	req *edge.Request
}

// NewGateway builds the reverse proxy to the origin.
func NewGateway(orch *edge.Orchestrator, cfg OriginConfig, exchangeHeader string, metrics *Metrics, logger *slog.Logger) (*Gateway, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("origin target is required")
	}
	targetURL, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid origin URL: %w", err)
	}
	timeout := parseDuration(cfg.Timeout, 30*time.Second)

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	g := &Gateway{
		orch:           orch,
		exchangeHeader: http.CanonicalHeaderKey(exchangeHeader),
		metrics:        metrics,
		logger:         logger,
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = transport

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Header.Del(g.exchangeHeader)

		// X-Forwarded-For is appended by the reverse proxy itself.
		req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req))
		req.Header.Set("X-Forwarded-Host", req.Host)

		if !cfg.PreserveHost {
			req.Host = targetURL.Host
		}
	}
	proxy.ModifyResponse = g.modifyResponse
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		g.logger.Error("proxy error",
			"target", cfg.Target,
			"error", err,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}
	g.proxy = proxy

	logger.Info("origin configured", "target", cfg.Target, "preserve_host", cfg.PreserveHost, "timeout", timeout.String())
	return g, nil
}

// ServeHTTP runs the request phase and either answers directly or forwards
// the rewritten request to the origin.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inv := edge.Invocation{
		ID:       RequestIDFromContext(ctx),
		Event:    edge.EventViewerRequest,
		Received: time.Now(),
		Method:   r.Method,
		Host:     r.Host,
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	req := &edge.Request{
		Method:      r.Method,
		URI:         r.URL.Path,
		Querystring: r.URL.RawQuery,
		Header:      r.Header.Clone(),
	}

	res, err := g.orch.HandleRequest(ctx, inv, req)
	if err != nil {
		g.logger.Error("request phase failed", "invocation_id", inv.ID, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveDecision(res.Outcome)
	}
	recordOutcome(ctx, res.Outcome)

	if res.ShortCircuit() {
		writeResponse(w, res.Response)
		return
	}
	if res.Request == nil {
		g.logger.Error("request phase returned neither request nor response", "invocation_id", inv.ID)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	out := r.Clone(context.WithValue(ctx, exchangeKey{}, &exchange{inv: inv, req: res.Request}))
	if res.Request.Method != "" {
		out.Method = res.Request.Method
	}
	out.URL.Path = res.Request.URI
	out.URL.RawPath = ""
	out.URL.RawQuery = res.Request.Querystring
	out.Header = res.Request.Header.Clone()
	out.Header.Del(g.exchangeHeader)

	g.proxy.ServeHTTP(w, out)
}

func (g *Gateway) modifyResponse(resp *http.Response) error {
	ex, ok := resp.Request.Context().Value(exchangeKey{}).(*exchange)
	if !ok {
		resp.Header.Del(g.exchangeHeader)
		return nil
	}
	inv := ex.inv
	inv.Event = edge.EventViewerResponse

	in := &edge.Response{
		Status:            resp.StatusCode,
		StatusDescription: http.StatusText(resp.StatusCode),
		Header:            resp.Header,
	}
	out, err := g.orch.HandleResponse(resp.Request.Context(), inv, ex.req, in)
	if err != nil {
		return fmt.Errorf("response phase: %w", err)
	}

	resp.Header = out.Header
	resp.Header.Del(g.exchangeHeader)
	if out.Status != 0 && out.Status != resp.StatusCode {
		desc := out.StatusDescription
		if desc == "" || desc == http.StatusText(resp.StatusCode) {
			desc = http.StatusText(out.Status)
		}
		resp.StatusCode = out.Status
		resp.Status = strconv.Itoa(out.Status) + " " + desc
	}
	if out.Body != nil {
		_ = resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(out.Body))
		resp.ContentLength = int64(len(out.Body))
		resp.Header.Set("Content-Length", strconv.Itoa(len(out.Body)))
	}
	return nil
}

func writeResponse(w http.ResponseWriter, resp *edge.Response) {
	for name, values := range resp.Header {
		w.Header()[name] = values
	}
	if len(resp.Body) > 0 {
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}

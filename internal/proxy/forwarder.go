// Package proxy relays admitted requests to the upstream LLM gateway.
//
// The forwarder is transparent: method, path, and headers pass through
// unchanged apart from the host identity, and upstream responses are relayed
// verbatim. Two behaviors sit on top of the relay. Chat completion requests
// get their model shorthand expanded into real body fields, with the body
// reified and the content length corrected. Requests that ask for a streamed
// response are flushed through incrementally with anti-buffering headers
// forced on the relayed response.
//
// Forwarding failures surface exactly once: a 500 when no response bytes have
// been written yet, an aborted connection when the upstream dies mid-stream.
// There are no retries and no overall request deadline; long completions are
// expected to hold the connection open.
package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"llmproxy/internal/models"
)

// Usage metadata lifted from buffered upstream responses. The audit layer
// reads these off the relayed response; clients see them too.
const (
	HeaderModel            = "X-Llmproxy-Model"
	HeaderPromptTokens     = "X-Llmproxy-Prompt-Tokens"
	HeaderCompletionTokens = "X-Llmproxy-Completion-Tokens"
	HeaderTotalTokens      = "X-Llmproxy-Total-Tokens"
)

type contextKey string

const ctxKeyStreaming contextKey = "streaming"

// Forwarder relays requests to a single fixed upstream host over TLS.
type Forwarder struct {
	upstream    *url.URL
	rewritePath string
	rp          *httputil.ReverseProxy
}

// NewForwarder builds a forwarder for the configured upstream. Only HTTPS
// targets are accepted; API keys must never travel in plaintext.
func NewForwarder(cfg models.UpstreamConfig) (*Forwarder, error) {
	if cfg.Scheme != "https" {
		return nil, fmt.Errorf("upstream must use https, got %q", cfg.Scheme)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("upstream host is required")
	}

	f := &Forwarder{
		upstream:    &url.URL{Scheme: cfg.Scheme, Host: cfg.Host},
		rewritePath: strings.TrimSuffix(cfg.PathPrefix, "/") + "/chat/completions",
	}

	f.rp = &httputil.ReverseProxy{
		Director:       f.director,
		ModifyResponse: f.modifyResponse,
		ErrorHandler:   f.errorHandler,
		Transport:      newTransport(cfg.InsecureSkipVerify),
		// Write through as bytes arrive. Buffered requests already carry a
		// reified body, so negative flushing costs them nothing and keeps
		// event streams moving.
		FlushInterval: -1,
	}

	return f, nil
}

// ServeHTTP implements http.Handler.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	streaming := isStreamingRequest(r)

	switch {
	case r.Method == http.MethodPost && r.URL.Path == f.rewritePath:
		body, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to read request body", models.ErrorCodeInternalError)
			return
		}

		rewritten, stream, err := expandModelShorthand(body)
		if err != nil {
			slog.Warn("Rejecting unparseable chat request body",
				"path", r.URL.Path,
				"error", err)
			writeError(w, http.StatusBadRequest, "Invalid JSON", models.ErrorCodeInvalidJSON)
			return
		}
		replaceBody(r, rewritten)
		streaming = streaming || stream

	case hasJSONBody(r):
		body, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to read request body", models.ErrorCodeInternalError)
			return
		}
		replaceBody(r, body)
		streaming = streaming || probeStream(body)
	}

	if streaming {
		r = r.WithContext(context.WithValue(r.Context(), ctxKeyStreaming, true))
	}

	f.rp.ServeHTTP(w, r)
}

// director rewrites the target while leaving path, query, and headers alone.
func (f *Forwarder) director(req *http.Request) {
	req.URL.Scheme = f.upstream.Scheme
	req.URL.Host = f.upstream.Host
	req.Host = f.upstream.Host
}

func (f *Forwarder) modifyResponse(res *http.Response) error {
	req := res.Request
	if req != nil && req.Context().Value(ctxKeyStreaming) != nil {
		// Keep intermediaries from buffering the event stream.
		res.Header.Set("Cache-Control", "no-cache")
		res.Header.Set("Connection", "keep-alive")
		return nil
	}

	if isStreamingResponse(res) {
		return nil
	}

	if res.StatusCode == http.StatusOK &&
		strings.Contains(res.Header.Get("Content-Type"), "application/json") &&
		res.Body != nil {
		if err := f.annotateUsage(res); err != nil {
			slog.Debug("No usage metadata in upstream response", "error", err)
		}
	}

	return nil
}

// annotateUsage reads a buffered JSON response, restores the body for the
// client, and surfaces model and token counts as response headers.
func (f *Forwarder) annotateUsage(res *http.Response) error {
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("reading upstream body: %w", err)
	}
	if err := res.Body.Close(); err != nil {
		return fmt.Errorf("closing upstream body: %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))

	var payload struct {
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("parsing upstream body: %w", err)
	}

	if payload.Model != "" {
		res.Header.Set(HeaderModel, payload.Model)
	}
	if payload.Usage.TotalTokens > 0 {
		res.Header.Set(HeaderPromptTokens, strconv.Itoa(payload.Usage.PromptTokens))
		res.Header.Set(HeaderCompletionTokens, strconv.Itoa(payload.Usage.CompletionTokens))
		res.Header.Set(HeaderTotalTokens, strconv.Itoa(payload.Usage.TotalTokens))
	}

	return nil
}

// errorHandler reaches only failures that happen before any response bytes
// are written; mid-stream failures abort the connection instead.
func (f *Forwarder) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("Upstream request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err)
	writeError(w, http.StatusInternalServerError, "Upstream request failed", models.ErrorCodeUpstreamError)
}

func newTransport(insecureSkipVerify bool) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: insecureSkipVerify},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	return body, r.Body.Close()
}

// replaceBody installs a reified body with a corrected content length.
func replaceBody(r *http.Request, body []byte) {
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
}

func hasJSONBody(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	return strings.Contains(r.Header.Get("Content-Type"), "application/json")
}

// isStreamingRequest detects the streaming intent visible before the body is
// read: an SSE accept header or an explicit query flag.
func isStreamingRequest(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	return r.URL.Query().Get("stream") == "true"
}

func isStreamingResponse(res *http.Response) bool {
	if strings.Contains(res.Header.Get("Content-Type"), "text/event-stream") {
		return true
	}
	for _, te := range res.TransferEncoding {
		if te == "chunked" {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(models.NewErrorResponse(message, code)); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"llmproxy/internal/api"
	"llmproxy/internal/audit"
	"llmproxy/internal/config"
	"llmproxy/internal/models"
	"llmproxy/internal/proxy"
	"llmproxy/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests that drive the entire relay end-to-end: router,
// middleware, limiter, forwarder, and a fake TLS gateway on the far side.

type upstreamCall struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

type fakeUpstream struct {
	srv   *httptest.Server
	mu    sync.Mutex
	calls []upstreamCall
}

// newFakeUpstream stands up a TLS server that records every request before
// handing it to respond. The proxy's transport skips certificate checks, so
// the self-signed test certificate is accepted.
func newFakeUpstream(t *testing.T, respond http.HandlerFunc) *fakeUpstream {
	t.Helper()

	u := &fakeUpstream{}
	u.srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.calls = append(u.calls, upstreamCall{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   body,
		})
		u.mu.Unlock()

		respond(w, r)
	}))
	t.Cleanup(u.srv.Close)

	return u
}

func (u *fakeUpstream) host() string {
	return strings.TrimPrefix(u.srv.URL, "https://")
}

func (u *fakeUpstream) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

func (u *fakeUpstream) call(i int) upstreamCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[i]
}

// gatewayRespond mimics the LLM gateway: completions carry usage metadata,
// everything else gets a generic JSON body.
func gatewayRespond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodPost && r.URL.Path == "/v1/chat/completions" {
		fmt.Fprint(w, `{"id":"cmpl-42","model":"gpt-4o","usage":{"prompt_tokens":9,"completion_tokens":12,"total_tokens":21}}`)
		return
	}
	fmt.Fprint(w, `{"object":"list","data":[]}`)
}

func newProxyEnv(t *testing.T, upstream *fakeUpstream, mutate func(*models.Config)) (*httptest.Server, audit.Store) {
	t.Helper()

	cfg := models.NewDefaultConfig()
	cfg.Upstream.Host = upstream.host()
	if mutate != nil {
		mutate(cfg)
	}

	forwarder, err := proxy.NewForwarder(cfg.Upstream)
	require.NoError(t, err)

	var limiter *ratelimit.Store
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewStore(cfg.RateLimit)
		t.Cleanup(limiter.Close)
	}

	store := audit.NewMemoryStore()

	handlers := api.NewHandlers(forwarder, limiter, store)
	router := api.SetupRoutes(handlers, cfg)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return server, store
}

func decodeError(t *testing.T, resp *http.Response) models.ErrorResponse {
	t.Helper()
	var body models.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestIntegration_FullProxyFlow(t *testing.T) {
	upstream := newFakeUpstream(t, gatewayRespond)
	server, store := newProxyEnv(t, upstream, nil)

	client := server.Client()

	// Step 1: a keyed GET is relayed transparently.
	req, err := http.NewRequest(http.MethodGet, server.URL+"/v1/models", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sk-integration-key")

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("X-Ratelimit-Limit-Minute"))
	assert.Equal(t, "59", resp.Header.Get("X-Ratelimit-Remaining-Minute"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	require.Equal(t, 1, upstream.callCount())
	seen := upstream.call(0)
	assert.Equal(t, http.MethodGet, seen.Method)
	assert.Equal(t, "/v1/models", seen.Path)
	assert.Equal(t, "Bearer sk-integration-key", seen.Header.Get("Authorization"))

	// Step 2: a chat completion with model shorthand reaches the gateway
	// with the shorthand expanded into real body fields.
	chatBody := `{"model":"openai/gpt-4o$temperature_0.7$mode_fast","messages":[{"role":"user","content":"hi"}]}`
	req, err = http.NewRequest(http.MethodPost, server.URL+"/v1/chat/completions", strings.NewReader(chatBody))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sk-integration-key")
	req.Header.Set("Content-Type", "application/json")

	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gpt-4o", resp.Header.Get(proxy.HeaderModel))
	assert.Equal(t, "21", resp.Header.Get(proxy.HeaderTotalTokens))

	require.Equal(t, 2, upstream.callCount())
	seen = upstream.call(1)

	var relayed map[string]any
	require.NoError(t, json.Unmarshal(seen.Body, &relayed))
	assert.Equal(t, "openai/gpt-4o", relayed["model"])
	assert.Equal(t, "0.7", relayed["temperature"])
	assert.Equal(t, "fast", relayed["mode"])
	assert.NotNil(t, relayed["messages"])
	assert.Equal(t, strconv.Itoa(len(seen.Body)), seen.Header.Get("Content-Length"))

	// Step 3: no credential means no relay.
	resp, err = client.Get(server.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, models.ErrorCodeMissingAPIKey, decodeError(t, resp).Code)
	assert.Equal(t, 2, upstream.callCount())

	// Step 4: paths outside the proxied prefix get the local 404 envelope.
	resp, err = client.Get(server.URL + "/api/other")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, models.ErrorCodeNotFound, decodeError(t, resp).Code)
	assert.Equal(t, 2, upstream.callCount())

	// Step 5: health reports the live subsystems.
	resp, err = client.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health models.HealthCheckResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, models.StatusHealthy, health.Status)
	assert.Contains(t, health.Components, "proxy")
	assert.Contains(t, health.Components, "rate_limiter")
	assert.Contains(t, health.Components, "audit")

	// Step 6: both relayed requests were accounted, the keyless one was not.
	summary, err := store.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Total)
	assert.Equal(t, int64(2), summary.Admitted)
	assert.Equal(t, int64(0), summary.Rejected)
	assert.Equal(t, int64(21), summary.TotalTokens)

	records, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "/v1/chat/completions", records[0].Path)
	assert.Equal(t, "gpt-4o", records[0].Model)
	assert.Equal(t, models.KeyFingerprint("sk-integration-key"), records[0].KeyFingerprint)
}

func TestIntegration_RateLimitExhaustion(t *testing.T) {
	upstream := newFakeUpstream(t, gatewayRespond)
	server, store := newProxyEnv(t, upstream, func(cfg *models.Config) {
		cfg.RateLimit.PerMinute = 2
	})

	client := server.Client()

	do := func() *http.Response {
		req, err := http.NewRequest(http.MethodGet, server.URL+"/v1/models", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer sk-exhaust-key")
		resp, err := client.Do(req)
		require.NoError(t, err)
		return resp
	}

	for i := 0; i < 2; i++ {
		resp := do()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := do()
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-Ratelimit-Remaining-Minute"))

	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
	assert.LessOrEqual(t, retryAfter, 60)

	body := decodeError(t, resp)
	assert.Equal(t, models.ErrorCodeRateLimited, body.Code)
	assert.Equal(t, "Too Many Requests", body.Message)

	// The rejected attempt never reached the gateway but was accounted.
	assert.Equal(t, 2, upstream.callCount())

	summary, err := store.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Total)
	assert.Equal(t, int64(2), summary.Admitted)
	assert.Equal(t, int64(1), summary.Rejected)
}

func TestIntegration_StreamingRelay(t *testing.T) {
	upstream := newFakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	})
	server, store := newProxyEnv(t, upstream, nil)

	chatBody := `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/chat/completions", strings.NewReader(chatBody))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sk-stream-key")
	req.Header.Set("Content-Type", "application/json")

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "data: {\"choices\"")
	assert.Contains(t, string(body), "data: [DONE]")

	records, err := store.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Stream)
}

func TestIntegration_UpstreamFailure(t *testing.T) {
	upstream := newFakeUpstream(t, gatewayRespond)
	// Point the forwarder at a port nothing listens on.
	server, store := newProxyEnv(t, upstream, func(cfg *models.Config) {
		cfg.Upstream.Host = "127.0.0.1:1"
	})

	req, err := http.NewRequest(http.MethodGet, server.URL+"/v1/models", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sk-failure-key")

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, models.ErrorCodeUpstreamError, decodeError(t, resp).Code)
	assert.Equal(t, 0, upstream.callCount())

	// The request was admitted before the relay failed; the record keeps the
	// final status.
	records, err := store.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Admitted)
	assert.Equal(t, http.StatusInternalServerError, records[0].Status)
}

func TestIntegration_ConcurrentRequests(t *testing.T) {
	upstream := newFakeUpstream(t, gatewayRespond)
	server, store := newProxyEnv(t, upstream, nil)

	client := server.Client()

	const numRequests = 10
	results := make(chan error, numRequests)

	chatBody := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	for i := 0; i < numRequests; i++ {
		go func(id int) {
			req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/chat/completions", bytes.NewReader(chatBody))
			if err != nil {
				results <- fmt.Errorf("request %d build failed: %v", id, err)
				return
			}
			req.Header.Set("Authorization", "Bearer sk-concurrent-key")
			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				results <- fmt.Errorf("request %d failed: %v", id, err)
				return
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				results <- fmt.Errorf("request %d got status %d", id, resp.StatusCode)
				return
			}

			results <- nil
		}(i)
	}

	// Wait for all requests to complete
	for i := 0; i < numRequests; i++ {
		err := <-results
		assert.NoError(t, err, "Concurrent request failed")
	}

	assert.Equal(t, numRequests, upstream.callCount())

	summary, err := store.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(numRequests), summary.Total)
	assert.Equal(t, int64(numRequests), summary.Admitted)
}

func TestIntegration_ConfigLoading(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "integration_config.yaml")

	configContent := `
server:
  port: 8081
  host: "127.0.0.1"
  read_timeout: 45s
  write_timeout: 0s
  idle_timeout: 90s

upstream:
  scheme: "https"
  host: "gateway.example.com"
  path_prefix: "/v1"

rate_limit:
  enabled: true
  per_minute: 120
  per_half_hour: 2000

audit:
  enabled: true
  type: "jsonl"
  path: "./integration_usage.jsonl"

logging:
  level: "debug"
  format: "text"

metrics:
  enabled: true
  port: 9091
`

	err := os.WriteFile(configFile, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := config.Load(configFile)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, time.Duration(0), cfg.Server.WriteTimeout)
	assert.Equal(t, 90*time.Second, cfg.Server.IdleTimeout)

	assert.Equal(t, "gateway.example.com", cfg.Upstream.Host)
	assert.Equal(t, "/v1", cfg.Upstream.PathPrefix)

	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 120, cfg.RateLimit.PerMinute)
	assert.Equal(t, 2000, cfg.RateLimit.PerHalfHour)

	assert.Equal(t, "jsonl", cfg.Audit.Type)
	assert.Equal(t, "./integration_usage.jsonl", cfg.Audit.Path)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9091, cfg.Metrics.Port)

	err = cfg.Validate()
	assert.NoError(t, err)
}

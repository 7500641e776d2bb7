package providerpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"conductor/internal/domain"
)

// Default connection pool settings optimized for provider traffic:
// few hosts, high concurrency, long-lived connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second

	defaultConnTimeout = 30 * time.Second
	defaultRespTimeout = 120 * time.Second
)

// newPooledTransport creates an http.Transport with connection pooling
// suitable for long-lived provider endpoints.
func newPooledTransport(connTimeout, respTimeout time.Duration) *http.Transport {
	if connTimeout == 0 {
		connTimeout = defaultConnTimeout
	}
	if respTimeout == 0 {
		respTimeout = defaultRespTimeout
	}
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		MaxConnsPerHost:       defaultMaxConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// HTTPClient is a generic JSON-over-HTTP provider client. The request and
// response bodies carry the opaque payload; only token accounting fields
// are interpreted by the core.
type HTTPClient struct {
	id       string
	endpoint string
	client   *http.Client
}

// NewHTTPClient creates a provider client for cfg.Endpoint with a pooled
// transport.
func NewHTTPClient(cfg domain.ProviderConfig) *HTTPClient {
	return &HTTPClient{
		id:       cfg.ID,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client: &http.Client{
			Transport: newPooledTransport(0, 0),
		},
	}
}

// ID implements domain.ProviderClient.
func (c *HTTPClient) ID() string { return c.id }

type invokeRequest struct {
	ActionID string         `json:"action_id"`
	Type     string         `json:"type"`
	Model    string         `json:"model,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

type invokeResponse struct {
	Output       any    `json:"output"`
	Model        string `json:"model,omitempty"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Invoke implements domain.ProviderClient.
func (c *HTTPClient) Invoke(ctx context.Context, req domain.ProviderRequest) (*domain.ProviderResponse, error) {
	body, err := json.Marshal(invokeRequest{
		ActionID: string(req.ActionID),
		Type:     req.Type,
		Model:    req.Model,
		Payload:  req.Payload,
	})
	if err != nil {
		return nil, domain.WrapOp("HTTPClient.Invoke: marshal", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, domain.WrapOp("HTTPClient.Invoke", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewDomainError("HTTPClient.Invoke", domain.ErrTimeout, c.id)
		}
		return nil, domain.NewDomainError("HTTPClient.Invoke", domain.ErrTransientProvider, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.mapHTTPError(resp)
	}

	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, domain.NewDomainError("HTTPClient.Invoke", domain.ErrTransientProvider,
			"decode response: "+err.Error())
	}
	return &domain.ProviderResponse{
		Output:       out.Output,
		Model:        out.Model,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
	}, nil
}

// mapHTTPError converts a non-200 response to the core error taxonomy.
func (c *HTTPClient) mapHTTPError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := fmt.Sprintf("%s: status %d: %s", c.id, resp.StatusCode, strings.TrimSpace(string(snippet)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.NewDomainError("HTTPClient.Invoke", domain.ErrRateLimited, detail)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return domain.NewDomainError("HTTPClient.Invoke", domain.ErrPermanentProvider, detail)
	case resp.StatusCode >= 500:
		return domain.NewDomainError("HTTPClient.Invoke", domain.ErrTransientProvider, detail)
	case resp.StatusCode >= 400:
		return domain.NewDomainError("HTTPClient.Invoke", domain.ErrPermanentProvider, detail)
	default:
		return domain.NewDomainError("HTTPClient.Invoke", domain.ErrTransientProvider, detail)
	}
}

// Ping implements domain.ProviderClient with a GET against /healthz.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/healthz", nil)
	if err != nil {
		return domain.WrapOp("HTTPClient.Ping", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return domain.NewDomainError("HTTPClient.Ping", domain.ErrTransientProvider, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.NewDomainError("HTTPClient.Ping", domain.ErrTransientProvider,
			fmt.Sprintf("%s: status %d", c.id, resp.StatusCode))
	}
	return nil
}

var _ domain.ProviderClient = (*HTTPClient)(nil)

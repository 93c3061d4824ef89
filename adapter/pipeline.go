package marketplace

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// PipelineConfig configures the request pipeline
type PipelineConfig struct {
	BaseURL    string
	HTTPClient HTTPDoer
}

// Pipeline wraps every outbound API call: it attaches the current access
// credential, detects session expiry and replays the call once after a
// coordinated refresh.
type Pipeline struct {
	baseURL     string
	client      HTTPDoer
	store       *TokenStore
	coordinator *RefreshCoordinator
	logger      zerolog.Logger
}

var _ Sender = (*Pipeline)(nil)

func NewPipeline(cfg PipelineConfig, store *TokenStore, coordinator *RefreshCoordinator, logger zerolog.Logger) *Pipeline {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Pipeline{
		baseURL:     cfg.BaseURL,
		client:      client,
		store:       store,
		coordinator: coordinator,
		logger:      logger.With().Str("component", "pipeline").Logger(),
	}
}

// Send issues spec. Only a 401 is handled here; every other failure is
// returned untouched.
func (p *Pipeline) Send(ctx context.Context, spec RequestSpec) (*Response, error) {
	pending := NewPendingRequest(spec)

	resp, usedToken, err := p.do(ctx, pending)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || pending.Retried {
		return p.classify(spec, resp)
	}

	// Nothing left to refresh: the session was never established or is
	// already torn down
	if p.store.AccessToken() == "" && p.store.RefreshToken() == "" {
		return p.classify(spec, resp)
	}

	pending.Retried = true

	// A 401 for a credential that has since been replaced needs no refresh
	if current := p.store.AccessToken(); current != "" && current != usedToken {
		p.logger.Debug().Str("request_id", pending.ID).Msg("stale credential, replaying with current token")
	} else if _, err := p.coordinator.Await(ctx, pending); err != nil {
		return nil, err
	}

	resp, _, err = p.do(ctx, pending)
	if err != nil {
		return nil, err
	}
	return p.classify(spec, resp)
}

// Get issues a GET request
func (p *Pipeline) Get(ctx context.Context, path string) (*Response, error) {
	return p.Send(ctx, RequestSpec{Method: http.MethodGet, Path: path})
}

// Post issues a POST request with a JSON body
func (p *Pipeline) Post(ctx context.Context, path string, body interface{}) (*Response, error) {
	return p.Send(ctx, RequestSpec{Method: http.MethodPost, Path: path, Body: body})
}

// Patch issues a PATCH request with a JSON body
func (p *Pipeline) Patch(ctx context.Context, path string, body interface{}) (*Response, error) {
	return p.Send(ctx, RequestSpec{Method: http.MethodPatch, Path: path, Body: body})
}

// Delete issues a DELETE request
func (p *Pipeline) Delete(ctx context.Context, path string) (*Response, error) {
	return p.Send(ctx, RequestSpec{Method: http.MethodDelete, Path: path})
}

// DoJSON sends spec through s and decodes the body into T
func DoJSON[T any](ctx context.Context, s Sender, spec RequestSpec) (*T, error) {
	resp, err := s.Send(ctx, spec)
	if err != nil {
		return nil, err
	}
	var out T
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one attempt and reports which access token it carried
func (p *Pipeline) do(ctx context.Context, pending *PendingRequest) (*Response, string, error) {
	spec := pending.Spec
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	u, err := spec.resolveURL(p.baseURL)
	if err != nil {
		return nil, "", err
	}
	body, isJSON, err := spec.bodyReader()
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for k, vs := range spec.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if isJSON && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", pending.ID)

	usedToken := ""
	if tok, err := p.store.Token(); err == nil {
		tok.SetAuthHeader(req)
		usedToken = tok.AccessToken
	}

	httpResp, err := p.client.Do(req)
	if err != nil {
		return nil, usedToken, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, usedToken, fmt.Errorf("failed to read response body: %w", err)
	}

	p.logger.Debug().
		Str("request_id", pending.ID).
		Str("method", method).
		Str("url", u).
		Int("status", httpResp.StatusCode).
		Bool("retried", pending.Retried).
		Msg("request completed")

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, usedToken, nil
}

func (p *Pipeline) classify(spec RequestSpec, resp *Response) (*Response, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	u, _ := spec.resolveURL(p.baseURL)
	return resp, &HTTPError{
		Method:     method,
		URL:        u,
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
	}
}

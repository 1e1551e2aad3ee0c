package olympus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Request describes one pipeline call. Body is JSON-encoded when non-nil.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    any
	Headers http.Header
}

// Response is a completed 2xx call. Error statuses never reach the caller as a
// Response; they come back as *Error.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// Client is the authenticated request pipeline. It attaches the stored access
// token to every call, and on a 401 drives a single shared refresh before
// retrying the failed call exactly once.
//
// Construct with NewClient; a Client is safe for concurrent use.
type Client struct {
	cfg    Config
	store  CredentialStore
	http   *http.Client
	logger zerolog.Logger

	// refresh collapses concurrent 401s into one in-flight refresh call.
	refresh singleflight.Group
}

func NewClient(cfg Config, store CredentialStore, logger zerolog.Logger) *Client {
	cfg = cfg.withDefaults()

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		cfg:    cfg,
		store:  store,
		http:   httpClient,
		logger: logger.With().Str("component", "olympus.client").Logger(),
	}
}

// Login exchanges user credentials for a token pair and persists it.
func (c *Client) Login(ctx context.Context, email, password string) error {
	resp, err := c.Execute(ctx, Request{
		Method: http.MethodPost,
		Path:   "/api/v1/auth/login",
		Body:   map[string]string{"email": email, "password": password},
	})
	if err != nil {
		return err
	}

	var tokens Credentials
	if err := resp.Decode(&tokens); err != nil {
		return err
	}
	c.store.SetCredentials(tokens.AccessToken, tokens.RefreshToken)
	c.logger.Info().Str("access_token", maskToken(tokens.AccessToken)).Msg("logged in")
	return nil
}

// Logout clears the stored credentials. The platform session itself expires
// server-side.
func (c *Client) Logout() {
	c.store.Clear()
}

// Execute runs one request through the pipeline. On a 401 it joins the shared
// refresh operation and, if the refresh succeeds, retries the original request
// once with the new token. A second 401 on the retry is surfaced as-is; it
// never triggers another refresh for the same logical call.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return finish(resp)
	}

	c.logger.Debug().Str("path", req.Path).Msg("unauthorized, joining token refresh")
	if err := c.refreshCredentials(ctx); err != nil {
		return nil, err
	}

	retry, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return finish(retry)
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Execute(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Execute(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.Execute(ctx, Request{Method: http.MethodPut, Path: path, Body: body})
}

// Patch issues a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return c.Execute(ctx, Request{Method: http.MethodPatch, Path: path, Body: body})
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Execute(ctx, Request{Method: http.MethodDelete, Path: path})
}

// finish converts remaining error statuses; 2xx passes through.
func finish(resp *Response) (*Response, error) {
	if resp.StatusCode >= 400 {
		return nil, classifyStatus(resp.StatusCode, resp.Body)
	}
	return resp, nil
}

// do performs a single HTTP round trip with the current access token attached.
func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	endpoint := c.cfg.BaseURL + req.Path
	if len(req.Query) > 0 {
		endpoint += "?" + req.Query.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, &Error{Kind: ErrUnknown, Message: "encode request body", cause: err}
		}
		bodyReader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, endpoint, bodyReader)
	if err != nil {
		return nil, &Error{Kind: ErrUnknown, Message: "build request", cause: err}
	}

	for key, values := range req.Headers {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	if token, ok := c.store.AccessToken(); ok {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classifyTransport(err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

// refreshCredentials joins (or starts) the shared refresh operation. Whatever
// the outcome, every concurrent caller observes the same result.
func (c *Client) refreshCredentials(ctx context.Context) error {
	_, err, _ := c.refresh.Do("refresh", func() (any, error) {
		return nil, c.doRefresh(ctx)
	})
	return err
}

// doRefresh calls the refresh endpoint with the stored refresh token. Success
// persists the new access token (and a rotated refresh token when the server
// sends one). Any failure invalidates the session: credentials are cleared and
// ErrSessionInvalid is surfaced.
//
// The refresh runs detached from the triggering caller's cancellation so one
// cancelled request cannot abort a refresh other callers are waiting on.
func (c *Client) doRefresh(ctx context.Context) error {
	refreshToken, ok := c.store.RefreshToken()
	if !ok {
		c.store.Clear()
		return &Error{Kind: ErrUnauthorized, Message: "no refresh token stored", cause: ErrSessionInvalid}
	}

	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return &Error{Kind: ErrUnknown, Message: "encode refresh request", cause: err}
	}

	httpReq, err := http.NewRequestWithContext(refreshCtx, http.MethodPost,
		c.cfg.BaseURL+c.cfg.RefreshPath, bytes.NewReader(payload))
	if err != nil {
		return &Error{Kind: ErrUnknown, Message: "build refresh request", cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		c.store.Clear()
		c.logger.Warn().Err(err).Msg("token refresh failed, session invalidated")
		return &Error{Kind: classifyTransport(err).Kind, Message: "token refresh failed", cause: ErrSessionInvalid}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		c.store.Clear()
		return &Error{Kind: ErrUnknown, Message: "read refresh response", cause: ErrSessionInvalid}
	}

	if httpResp.StatusCode != http.StatusOK {
		c.store.Clear()
		c.logger.Warn().Int("status", httpResp.StatusCode).Msg("token refresh rejected, session invalidated")
		return &Error{
			Kind:       ErrUnauthorized,
			StatusCode: httpResp.StatusCode,
			Message:    "token refresh rejected",
			cause:      ErrSessionInvalid,
		}
	}

	var tokens Credentials
	if err := json.Unmarshal(body, &tokens); err != nil || tokens.AccessToken == "" {
		c.store.Clear()
		return &Error{Kind: ErrUnknown, Message: "malformed refresh response", cause: ErrSessionInvalid}
	}

	if tokens.RefreshToken != "" {
		c.store.SetCredentials(tokens.AccessToken, tokens.RefreshToken)
	} else {
		c.store.SetAccessToken(tokens.AccessToken)
	}

	c.logger.Debug().Str("access_token", maskToken(tokens.AccessToken)).Msg("access token refreshed")
	return nil
}

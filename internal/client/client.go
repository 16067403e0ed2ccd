package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/npezzotti/go-timeclock/internal/types"
)

// Client is a typed client for the timeclock HTTP API. The session cookie
// set by Login is kept in the client's cookie jar.
type Client struct {
	URL        *url.URL
	HTTPClient *http.Client
}

func New(serverURL string) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	return &Client{
		URL: u,
		HTTPClient: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
	}, nil
}

// Error is a non-2xx response from the server.
type Error struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an API error with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Request sends a JSON request to path. body is marshaled when non-nil.
func (c *Client) Request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	u, err := c.URL.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse path: %w", err)
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	return res, nil
}

// ReadBodyAsError converts an error response into an *Error.
func ReadBodyAsError(res *http.Response) error {
	apiErr := &Error{StatusCode: res.StatusCode}

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read error body: %w", err)
	}
	if err := json.Unmarshal(b, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = http.StatusText(res.StatusCode)
	}
	apiErr.StatusCode = res.StatusCode

	return apiErr
}

func do[T any](ctx context.Context, c *Client, method, path string, body any, want int) (T, error) {
	var v T

	res, err := c.Request(ctx, method, path, body)
	if err != nil {
		return v, err
	}
	defer res.Body.Close()

	if res.StatusCode != want {
		return v, ReadBodyAsError(res)
	}

	if err := json.NewDecoder(res.Body).Decode(&v); err != nil {
		return v, fmt.Errorf("decode response: %w", err)
	}

	return v, nil
}

func doNoContent(ctx context.Context, c *Client, method, path string, body any) error {
	res, err := c.Request(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		return ReadBodyAsError(res)
	}

	return nil
}

func (c *Client) Health(ctx context.Context) error {
	res, err := c.Request(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return ReadBodyAsError(res)
	}

	return nil
}

func (c *Client) Register(ctx context.Context, req types.RegisterRequest) (types.User, error) {
	return do[types.User](ctx, c, http.MethodPost, "/api/auth/register", req, http.StatusCreated)
}

func (c *Client) Login(ctx context.Context, email, password string) (types.User, error) {
	return do[types.User](ctx, c, http.MethodPost, "/api/auth/login",
		types.LoginRequest{Email: email, Password: password}, http.StatusOK)
}

func (c *Client) Logout(ctx context.Context) error {
	return doNoContent(ctx, c, http.MethodGet, "/api/auth/logout", nil)
}

func (c *Client) Session(ctx context.Context) (types.User, error) {
	return do[types.User](ctx, c, http.MethodGet, "/api/auth/session", nil, http.StatusOK)
}

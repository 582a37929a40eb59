package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/haukened/blockmirror/internal/mirror/domain"
)

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 64 << 10

// xrpcError is the XRPC error envelope.
type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// query issues an XRPC GET and decodes the JSON body into out.
func (c *Client) query(ctx context.Context, method string, params url.Values, out any) error {
	u := c.base.JoinPath("xrpc", method)
	u.RawQuery = params.Encode()
	return c.do(ctx, method, http.MethodGet, u.String(), nil, out)
}

// procedure issues an XRPC POST with a JSON body. out may be nil.
func (c *Client) procedure(ctx context.Context, method string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf(errEncodeFailed, method, err)
	}
	u := c.base.JoinPath("xrpc", method)
	return c.do(ctx, method, http.MethodPost, u.String(), body, out)
}

func (c *Client) do(ctx context.Context, method, verb, target string, body []byte, out any) error {
	ctx, cancel := c.ensureContextDeadline(ctx)
	if cancel != nil {
		defer cancel()
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, verb, target, rdr)
	if err != nil {
		return fmt.Errorf(errRequestFailed, method, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf(errRequestFailed, method, transportError(ctx, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr := c.statusError(resp)
		c.logger.Debug(map[string]any{"method": method, "status": resp.StatusCode, "error": rerr}, "remote_call_failed")
		return fmt.Errorf(errRequestFailed, method, rerr)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf(errDecodeFailed, method, transportError(ctx, err))
	}
	return nil
}

// transportError keeps context errors visible to callers and marks every
// other network failure transient.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrTransient, err)
}

// statusError maps a non-2xx response onto the error taxonomy.
func (c *Client) statusError(resp *http.Response) error {
	var env xrpcError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &env)
	}
	msg := env.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	if resp.StatusCode == http.StatusTooManyRequests || env.Error == "RateLimitExceeded" {
		return &domain.RateLimitError{RetryAfter: c.retryAfter(resp.Header)}
	}
	rerr := &domain.RemoteError{Status: resp.StatusCode, Code: env.Error, Message: msg}
	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		env.Error == "AuthRequired", env.Error == "ExpiredToken", env.Error == "InvalidToken":
		rerr.Kind = domain.ErrAuthentication
	case resp.StatusCode == http.StatusNotFound,
		env.Error == "NotFound", env.Error == "ListNotFound", env.Error == "RecordNotFound":
		rerr.Kind = domain.ErrNotFound
	case resp.StatusCode >= 500:
		rerr.Kind = domain.ErrTransient
	}
	return rerr
}

// retryAfter reads Retry-After (seconds or HTTP date), falling back to the
// ratelimit-reset epoch header some services send instead.
func (c *Client) retryAfter(h http.Header) time.Duration {
	now := c.clock.Now()
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil && t.After(now) {
			return t.Sub(now)
		}
	}
	if v := h.Get("RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if t := time.Unix(epoch, 0); t.After(now) {
				return t.Sub(now)
			}
		}
	}
	return 0
}

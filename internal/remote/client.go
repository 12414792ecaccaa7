// Package remote is the HTTP client for the records API.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"backend-pawwalk/internal/apperr"
	"backend-pawwalk/internal/syncengine"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type errorBody struct {
	Error string `json:"error"`
}

// Client talks to one record resource, e.g. /walks. Retries are left to the
// caller's retry policy.
type Client[T any] struct {
	http     *resty.Client
	resource string
	logger   *zap.Logger
}

func NewClient[T any](baseURL, resource, token string, timeout time.Duration, logger *zap.Logger) *Client[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &Client[T]{http: c, resource: resource, logger: logger.With(zap.String("resource", resource))}
}

func (c *Client[T]) Create(ctx context.Context, rec T) (T, error) {
	var out T
	req, err := c.request(ctx, rec)
	if err != nil {
		return out, err
	}
	resp, err := req.SetResult(&out).Post("/" + c.resource)
	if err := c.check("create", resp, err); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (c *Client[T]) Fetch(ctx context.Context, id string) (T, error) {
	var out T
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(c.path(id))
	if err := c.check("fetch", resp, err); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Update replaces the stored record. On 409 the server's copy is returned
// with an error wrapping apperr.ErrConflict.
func (c *Client[T]) Update(ctx context.Context, id string, rec T) (T, error) {
	var out T
	req, err := c.request(ctx, rec)
	if err != nil {
		return out, err
	}
	resp, err := req.SetResult(&out).Put(c.path(id))
	if resp != nil && resp.StatusCode() == http.StatusConflict {
		var stored T
		if uerr := json.Unmarshal(resp.Body(), &stored); uerr == nil {
			return stored, fmt.Errorf("update %s %s: %w", c.resource, id, apperr.ErrConflict)
		}
	}
	if err := c.check("update", resp, err); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (c *Client[T]) request(ctx context.Context, rec T) (*resty.Request, error) {
	key, err := syncengine.Checksum(rec)
	if err != nil {
		return nil, fmt.Errorf("idempotency key: %w", err)
	}
	return c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", key).
		SetBody(rec), nil
}

func (c *Client[T]) path(id string) string {
	return "/" + c.resource + "/" + url.PathEscape(id)
}

// check maps transport failures and status codes onto the apperr taxonomy.
func (c *Client[T]) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		c.logger.Warn("remote call failed", zap.String("op", op), zap.Error(err))
		return apperr.Wrap(
			fmt.Errorf("%s %s: %w: %v", op, c.resource, apperr.ErrRemoteUnavailable, err),
			apperr.CategoryNetworkTransient, "transport", true,
		)
	}

	status := resp.StatusCode()
	if status < 300 {
		return nil
	}
	msg := resp.Status()
	var body errorBody
	if jerr := json.Unmarshal(resp.Body(), &body); jerr == nil && body.Error != "" {
		msg = body.Error
	}

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", op, c.resource, apperr.ErrNotFound)
	case status == http.StatusConflict:
		return fmt.Errorf("%s %s: %w", op, c.resource, apperr.ErrConflict)
	case status == http.StatusTooManyRequests, status >= 500:
		return apperr.Wrap(
			fmt.Errorf("%s %s: %w: %s", op, c.resource, apperr.ErrRemoteUnavailable, msg),
			apperr.CategoryNetworkTransient, fmt.Sprintf("http_%d", status), true,
		)
	}
	c.logger.Error("remote rejected request", zap.String("op", op), zap.Int("status", status), zap.String("error", msg))
	return apperr.Wrap(
		fmt.Errorf("%s %s: %s", op, c.resource, msg),
		apperr.CategoryNetworkPermanent, fmt.Sprintf("http_%d", status), false,
	)
}

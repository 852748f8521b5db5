// Package accountclient reads subscription and usage records from billing-service over
// HTTP. Records are fetched fresh on every call so gating never runs on stale state.
package accountclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/captionforge/captionforge/libs/httpx"
	"github.com/captionforge/captionforge/libs/plans"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

// ErrUnavailable wraps transport failures and 5xx answers from billing.
var ErrUnavailable = errors.New("billing service unavailable")

// StatusError is a non-2xx answer that billing explained with an error body.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("billing: %d %s", e.Code, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

type subscriptionBody struct {
	Plan   string `json:"plan"`
	Status string `json:"status"`
}

// FetchSubscription returns nil with no error when the account never subscribed.
func (c *Client) FetchSubscription(ctx context.Context, accountID string) (*entitlements.Subscription, error) {
	var body *subscriptionBody
	if err := c.get(ctx, "/api/v1/billing/subscription", accountID, &body); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	return &entitlements.Subscription{
		Plan:   body.Plan,
		Status: entitlements.Status(body.Status),
	}, nil
}

type usageBody struct {
	CaptionsUsed int       `json:"captions_used"`
	ResetDate    time.Time `json:"reset_date"`
}

func (c *Client) FetchUsage(ctx context.Context, accountID string) (*entitlements.Usage, error) {
	var body *usageBody
	if err := c.get(ctx, "/api/v1/billing/usage", accountID, &body); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	return &entitlements.Usage{CaptionsUsed: body.CaptionsUsed, ResetDate: body.ResetDate}, nil
}

// Snapshot fetches both records concurrently. A record that cannot be fetched comes back
// nil, which the resolver treats as most restrictive.
func (c *Client) Snapshot(ctx context.Context, accountID string) (*entitlements.Subscription, *entitlements.Usage) {
	var (
		sub   *entitlements.Subscription
		usage *entitlements.Usage
		g     errgroup.Group
	)
	g.Go(func() error {
		s, err := c.FetchSubscription(ctx, accountID)
		if err != nil {
			c.logger.Warn("subscription fetch failed; gating as free", "err", err, "account_id", accountID)
			return nil
		}
		sub = s
		return nil
	})
	g.Go(func() error {
		u, err := c.FetchUsage(ctx, accountID)
		if err != nil {
			c.logger.Warn("usage fetch failed; gating as exhausted", "err", err, "account_id", accountID)
			return nil
		}
		usage = u
		return nil
	})
	_ = g.Wait()
	return sub, usage
}

// CheckoutSession is billing's answer to a checkout request.
type CheckoutSession struct {
	SessionID    string      `json:"session_id"`
	URL          string      `json:"url"`
	Plan         plans.ID    `json:"plan"`
	BillingCycle plans.Cycle `json:"billing_cycle"`
	Amount       int         `json:"amount"`
}

// CreateCheckoutSession asks billing for a hosted checkout URL for plan and cycle.
func (c *Client) CreateCheckoutSession(ctx context.Context, accountID string, plan plans.ID, cycle plans.Cycle) (CheckoutSession, error) {
	payload, err := json.Marshal(map[string]string{
		"plan":          string(plan),
		"billing_cycle": string(cycle),
	})
	if err != nil {
		return CheckoutSession{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+"/api/v1/billing/checkout", accountID, bytes.NewReader(payload))
	if err != nil {
		return CheckoutSession{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out CheckoutSession
	if err := c.do(req, &out); err != nil {
		return CheckoutSession{}, err
	}
	if out.URL == "" {
		return CheckoutSession{}, errors.New("billing: checkout response has no url")
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path, accountID string, out any) error {
	u := c.baseURL + path + "?account_id=" + url.QueryEscape(accountID)
	req, err := c.newRequest(ctx, http.MethodGet, u, accountID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, u, accountID string, body io.Reader) (*http.Request, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, errors.New("account id is required")
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(httpx.HeaderAccountID, accountID)
	httpx.PropagateRequestID(req)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := http.StatusText(resp.StatusCode)
		var eb httpx.ErrorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		serr := &StatusError{Code: resp.StatusCode, Message: msg}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %w", ErrUnavailable, serr)
		}
		return serr
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("billing: decode %s: %w", req.URL.Path, err)
	}
	return nil
}

package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/stopbot/gostop/pkg/ratelimit"
)

// Client wraps the brokerage order REST API: token auth, rate limiting
// and retry policy live here so the venue adapter stays thin.
type Client struct {
	http    *resty.Client
	limiter *ratelimit.Manager
}

func NewClient(baseURL, token string, ratePerSec int) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp.StatusCode() == http.StatusTooManyRequests {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if d, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return d, nil
					}
				}
				return 5 * time.Second, nil
			}
			return 0, nil
		}).
		// Retrying a failed order POST would double-submit; only reads
		// and cancels are retried at this layer.
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if resp == nil || resp.Request == nil {
				return false
			}
			return resp.Request.Method != http.MethodPost
		})

	return &Client{
		http:    httpClient,
		limiter: ratelimit.NewManager(ratePerSec),
	}
}

// orderDTO is the wire form of one order record.
type orderDTO struct {
	OrderID      string          `json:"order_id"`
	Symbol       string          `json:"symbol"`
	Type         string          `json:"type"`
	Side         string          `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Status       string          `json:"status"`
	FilledQty    decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Reason       string          `json:"reason,omitempty"`
}

type placeOrderRequest struct {
	Symbol       string          `json:"symbol"`
	Type         string          `json:"type"`
	Side         string          `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	TriggerPrice decimal.Decimal `json:"trigger_price,omitempty"`
	ClientID     string          `json:"client_id"`
}

type updateOrderRequest struct {
	Quantity     decimal.Decimal `json:"quantity"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
}

type positionDTO struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgEntry    decimal.Decimal `json:"avg_entry_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// apiError is the venue's error envelope. Message carries the rejection
// text the classifier inspects.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RejectionError is a non-2xx order response. The message is surfaced
// verbatim so the rejection classifier can match on it.
type RejectionError struct {
	StatusCode int
	Message    string
}

func (e *RejectionError) Error() string {
	return e.Message
}

func decodeError(resp *resty.Response) error {
	var apiErr apiError
	if err := json.Unmarshal(resp.Body(), &apiErr); err == nil && apiErr.Message != "" {
		return &RejectionError{StatusCode: resp.StatusCode(), Message: apiErr.Message}
	}
	return &RejectionError{StatusCode: resp.StatusCode(), Message: string(resp.Body())}
}

func (c *Client) PlaceOrder(ctx context.Context, req *placeOrderRequest) (*orderDTO, error) {
	if err := c.limiter.Wait(ctx, "orders:post"); err != nil {
		return nil, errors.Wrap(err, "rate limit wait")
	}
	var out orderDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/v1/orders")
	if err != nil {
		return nil, errors.Wrapf(err, "place %s order %s", req.Type, req.Symbol)
	}
	if !resp.IsSuccess() {
		return nil, decodeError(resp)
	}
	return &out, nil
}

func (c *Client) UpdateOrder(ctx context.Context, orderID string, req *updateOrderRequest) (*orderDTO, error) {
	if err := c.limiter.Wait(ctx, "orders:update"); err != nil {
		return nil, errors.Wrap(err, "rate limit wait")
	}
	var out orderDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Put("/v1/orders/" + orderID)
	if err != nil {
		return nil, errors.Wrapf(err, "update order %s", orderID)
	}
	if !resp.IsSuccess() {
		return nil, decodeError(resp)
	}
	return &out, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.limiter.Wait(ctx, "orders:cancel"); err != nil {
		return errors.Wrap(err, "rate limit wait")
	}
	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/v1/orders/" + orderID)
	if err != nil {
		return errors.Wrapf(err, "cancel order %s", orderID)
	}
	// Canceling an already-terminal order is not an error worth surfacing.
	if !resp.IsSuccess() && resp.StatusCode() != http.StatusNotFound {
		return decodeError(resp)
	}
	return nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*orderDTO, error) {
	if err := c.limiter.Wait(ctx, "orders:get"); err != nil {
		return nil, errors.Wrap(err, "rate limit wait")
	}
	var out orderDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/orders/" + orderID)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %s", orderID)
	}
	if !resp.IsSuccess() {
		return nil, decodeError(resp)
	}
	return &out, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]positionDTO, error) {
	if err := c.limiter.Wait(ctx, "positions:get"); err != nil {
		return nil, errors.Wrap(err, "rate limit wait")
	}
	var out []positionDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/positions")
	if err != nil {
		return nil, errors.Wrap(err, "get positions")
	}
	if !resp.IsSuccess() {
		return nil, decodeError(resp)
	}
	return out, nil
}

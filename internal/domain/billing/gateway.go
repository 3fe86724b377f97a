package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"github.com/labflow/labflow/internal/platform/apperror"
)

// PaymentRef identifies a payment accepted by the gateway.
type PaymentRef string

// Receipt is the gateway's confirmation that a collection is complete.
type Receipt struct {
	Number     string     `json:"number"`
	PaymentRef PaymentRef `json:"payment_ref"`
	Total      string     `json:"total"`
	IssuedAt   time.Time  `json:"issued_at"`
}

// Gateway is the external billing system.
type Gateway interface {
	SubmitPayment(ctx context.Context, req *SubmissionRequest) (PaymentRef, error)
	CompleteCollection(ctx context.Context, ref PaymentRef) (*Receipt, error)
}

// GatewayConfig configures the HTTP gateway client.
type GatewayConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RPS caps outgoing calls per second; zero disables throttling.
	RPS float64
}

// HTTPGateway talks to the billing gateway over HTTP using fasthttp.
type HTTPGateway struct {
	cfg     GatewayConfig
	client  *fasthttp.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func NewHTTPGateway(cfg GatewayConfig, logger zerolog.Logger) *HTTPGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return &HTTPGateway{
		cfg: cfg,
		client: &fasthttp.Client{
			Name:                   "labflow-billing",
			ReadTimeout:            cfg.Timeout,
			WriteTimeout:           cfg.Timeout,
			DisablePathNormalizing: true,
		},
		limiter: limiter,
		logger:  logger.With().Str("component", "billing_gateway").Logger(),
	}
}

type submitResponse struct {
	PaymentRef string `json:"payment_ref"`
}

// SubmitPayment posts the submission. A retried identical submission
// carries the same idempotency key and is not charged twice; a changed
// submission for the same encounter gets a new key.
func (g *HTTPGateway) SubmitPayment(ctx context.Context, req *SubmissionRequest) (PaymentRef, error) {
	key, err := req.IdempotencyKey()
	if err != nil {
		return "", err
	}
	var out submitResponse
	if err := g.do(ctx, "submitPayment", "/payments", key, req, &out); err != nil {
		return "", err
	}
	if out.PaymentRef == "" {
		return "", apperror.Network("submitPayment", errors.New("gateway returned empty payment reference"))
	}
	return PaymentRef(out.PaymentRef), nil
}

func (g *HTTPGateway) CompleteCollection(ctx context.Context, ref PaymentRef) (*Receipt, error) {
	if ref == "" {
		return nil, apperror.Validation("completeCollection", "payment reference is required")
	}
	var out Receipt
	path := "/payments/" + url.PathEscape(string(ref)) + "/complete"
	if err := g.do(ctx, "completeCollection", path, string(ref), nil, &out); err != nil {
		return nil, err
	}
	if out.PaymentRef == "" {
		out.PaymentRef = ref
	}
	return &out, nil
}

func (g *HTTPGateway) do(ctx context.Context, op, path, idemKey string, body, out interface{}) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return apperror.FromContext(op, err)
	}

	timeout := g.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return apperror.Network(op, context.DeadlineExceeded)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(strings.TrimRight(g.cfg.BaseURL, "/") + path)
	req.URI().DisablePathNormalizing = true
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-Api-Key", g.cfg.APIKey)
	req.Header.Set("Idempotency-Key", idemKey)
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		req.SetBody(payload)
	}

	start := time.Now()
	err := g.client.DoTimeout(req, resp, timeout)
	if err != nil {
		g.logger.Warn().Err(err).Str("op", op).Dur("latency", time.Since(start)).Msg("gateway call failed")
		if errors.Is(err, fasthttp.ErrTimeout) {
			return apperror.Network(op, context.DeadlineExceeded)
		}
		return apperror.Network(op, err)
	}

	status := resp.StatusCode()
	g.logger.Debug().Str("op", op).Int("status", status).Dur("latency", time.Since(start)).Msg("gateway call")

	switch {
	case status == http.StatusConflict:
		return apperror.Conflict(op, "gateway rejected the request: %s", strings.TrimSpace(string(resp.Body())))
	case status >= 400 && status < 500:
		return apperror.Validation(op, "gateway rejected the request (%d): %s", status, strings.TrimSpace(string(resp.Body())))
	case status >= 500:
		return apperror.Network(op, fmt.Errorf("gateway status %d", status))
	}

	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return apperror.Network(op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

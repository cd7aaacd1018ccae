package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"order_pipeline/internal/config"
	"order_pipeline/internal/core"
	apperrors "order_pipeline/pkg/errors"
	pkghttp "order_pipeline/pkg/http"

	"github.com/shopspring/decimal"
)

// tokenSigner attaches the session's auth material to outgoing
// requests. Token rotation swaps the bearer without rebuilding the
// client.
type tokenSigner struct {
	mu     sync.RWMutex
	apiKey string
	access string
}

func (s *tokenSigner) SignRequest(req *http.Request) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}
	if s.access != "" {
		req.Header.Set("Authorization", "Bearer "+s.access)
	}
	return nil
}

func (s *tokenSigner) setCredentials(apiKey, access string) {
	s.mu.Lock()
	s.apiKey = apiKey
	s.access = access
	s.mu.Unlock()
}

func (s *tokenSigner) currentAPIKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.apiKey
}

// HTTPBroker implements core.IBroker against the broker's REST surface.
// Order events arrive over a cursor-based long poll feeding Events().
type HTTPBroker struct {
	client *pkghttp.Client
	signer *tokenSigner
	logger core.ILogger

	events    chan core.BrokerEvent
	cancel    context.CancelFunc
	pumpOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewHTTPBroker builds a binding for one session. The event pump
// starts lazily on the first Events call.
func NewHTTPBroker(cfg *config.BrokerConfig, logger core.ILogger) *HTTPBroker {
	signer := &tokenSigner{}
	return &HTTPBroker{
		client: pkghttp.NewClient(cfg.BaseURL, cfg.SubmitTimeout(), signer),
		signer: signer,
		logger: logger.WithField("component", "http_broker"),
		events: make(chan core.BrokerEvent, 64),
		done:   make(chan struct{}),
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresInSec int64  `json:"expires_in"`
}

func (t tokenResponse) toTokens() core.Tokens {
	return core.Tokens{
		Access:    t.AccessToken,
		Refresh:   t.RefreshToken,
		ExpiresAt: time.Now().Add(time.Duration(t.ExpiresInSec) * time.Second),
	}
}

func (b *HTTPBroker) Authenticate(ctx context.Context, creds core.Credentials, totpCode string) (core.Tokens, error) {
	body := map[string]string{
		"api_key":   creds.APIKey,
		"client_id": creds.ClientID,
		"password":  creds.Password,
		"totp":      totpCode,
	}
	raw, err := b.client.Post(ctx, "/api/v1/session/token", body)
	if err != nil {
		return core.Tokens{}, classify(err)
	}
	var resp tokenResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return core.Tokens{}, apperrors.Wrap(apperrors.ErrTransient, err, "malformed token response")
	}
	tokens := resp.toTokens()
	b.signer.setCredentials(creds.APIKey, tokens.Access)
	return tokens, nil
}

func (b *HTTPBroker) RefreshTokens(ctx context.Context, tokens core.Tokens) (core.Tokens, error) {
	raw, err := b.client.Post(ctx, "/api/v1/session/refresh", map[string]string{
		"refresh_token": tokens.Refresh,
	})
	if err != nil {
		return core.Tokens{}, classify(err)
	}
	var resp tokenResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return core.Tokens{}, apperrors.Wrap(apperrors.ErrTransient, err, "malformed token response")
	}
	fresh := resp.toTokens()
	b.signer.setCredentials(b.signer.currentAPIKey(), fresh.Access)
	return fresh, nil
}

type placeOrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	OrderType     string          `json:"order_type"`
	ProductType   string          `json:"product_type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	TriggerPrice  decimal.Decimal `json:"trigger_price,omitempty"`
}

type placeOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// PlaceOrder submits one order. The idempotency key travels as the
// client order id so the broker folds duplicate submissions.
func (b *HTTPBroker) PlaceOrder(ctx context.Context, order *core.Order, idempotencyKey string) (string, error) {
	req := placeOrderRequest{
		ClientOrderID: idempotencyKey,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		OrderType:     string(order.OrderType),
		ProductType:   string(order.ProductType),
		Quantity:      order.Quantity,
		Price:         order.Price,
		TriggerPrice:  order.TriggerPrice,
	}
	raw, err := b.client.Post(ctx, "/api/v1/orders", req)
	if err != nil {
		return "", classify(err)
	}
	var resp placeOrderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", apperrors.Wrap(apperrors.ErrTransient, err, "malformed order response")
	}
	if resp.OrderID == "" {
		return "", apperrors.E(apperrors.ErrTransient, "broker returned no order id")
	}
	return resp.OrderID, nil
}

func (b *HTTPBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := b.client.Delete(ctx, "/api/v1/orders/"+brokerOrderID, nil)
	if err != nil {
		return classify(err)
	}
	return nil
}

// Events starts the long-poll pump on first use and returns its
// channel.
func (b *HTTPBroker) Events() <-chan core.BrokerEvent {
	b.pumpOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		go b.pollEvents(ctx)
	})
	return b.events
}

func (b *HTTPBroker) Close() error {
	b.closeOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		close(b.done)
	})
	return nil
}

type eventPage struct {
	Cursor string             `json:"cursor"`
	Events []core.BrokerEvent `json:"events"`
}

// pollEvents tails the broker's event feed. Errors back off and retry;
// the cursor survives transient failures so no events are skipped.
func (b *HTTPBroker) pollEvents(ctx context.Context) {
	defer close(b.events)
	cursor := ""
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := b.client.Get(ctx, "/api/v1/events", map[string]string{
			"cursor":  cursor,
			"wait_ms": strconv.Itoa(25000),
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("event poll failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		var page eventPage
		if err := json.Unmarshal(raw, &page); err != nil {
			b.logger.Warn("malformed event page", "error", err)
			continue
		}
		if page.Cursor != "" {
			cursor = page.Cursor
		}
		for _, ev := range page.Events {
			select {
			case b.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// classify maps transport failures onto the shared taxonomy. 4xx means
// the broker understood and refused; everything else is retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Timeout("broker", err)
	}
	var apiErr *pkghttp.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized:
			return apperrors.Wrap(apperrors.ErrTransient, err, "auth token rejected").WithField("auth", "stale")
		case apiErr.StatusCode == http.StatusRequestTimeout || apiErr.StatusCode == http.StatusTooManyRequests:
			return apperrors.Wrap(apperrors.ErrTransient, err, "broker throttled request")
		case apiErr.StatusCode >= 500:
			return apperrors.Wrap(apperrors.ErrTransient, err, "broker unavailable")
		default:
			return apperrors.Wrap(apperrors.ErrBrokerReject, err, "broker refused: %s", rejectReason(apiErr))
		}
	}
	return apperrors.Wrap(apperrors.ErrTransient, err, "broker transport failure")
}

// rejectReason pulls the human message out of an error body, falling
// back to the raw payload.
func rejectReason(apiErr *pkghttp.APIError) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(apiErr.Body, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return fmt.Sprintf("status %d", apiErr.StatusCode)
}

// isAuthStale reports whether the failure names a rejected bearer
// token, which forces a re-authentication before the next attempt.
func isAuthStale(err error) bool {
	var te *apperrors.TaggedError
	return errors.As(err, &te) && te.Field("auth") == "stale"
}

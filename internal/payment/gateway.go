package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrGatewayUnavailable is retryable: timeouts, connection failures, 5xx.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected is terminal: the gateway refused the intent.
	ErrGatewayRejected = errors.New("payment gateway rejected intent")
)

// Intent is the external reference for a payment the buyer completes on the
// gateway's side.
type Intent struct {
	Reference string `json:"reference"`
}

// Gateway is the only trust boundary with the payment provider: it creates
// intents and nothing more. "Payment succeeded" is never taken from here or
// from any client; confirmations are verified by signature instead.
type Gateway interface {
	CreateIntent(ctx context.Context, orderID string, amountCents int, currency string) (Intent, error)
}

// HTTPGateway talks to the provider's REST API with a bounded timeout.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	log     *logrus.Logger
}

func NewHTTPGateway(baseURL string, timeout time.Duration, log *logrus.Logger) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

type intentRequest struct {
	OrderID     string `json:"order_id"`
	AmountCents int    `json:"amount_cents"`
	Currency    string `json:"currency"`
}

func (g *HTTPGateway) CreateIntent(ctx context.Context, orderID string, amountCents int, currency string) (Intent, error) {
	body, err := json.Marshal(intentRequest{OrderID: orderID, AmountCents: amountCents, Currency: currency})
	if err != nil {
		return Intent{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/intents", bytes.NewReader(body))
	if err != nil {
		return Intent{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		g.log.WithError(err).WithField("order_id", orderID).Warn("gateway unreachable")
		return Intent{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return Intent{}, fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Intent{}, fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, resp.StatusCode, msg)
	}

	var in Intent
	if err := json.NewDecoder(resp.Body).Decode(&in); err != nil {
		return Intent{}, fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
	}
	if in.Reference == "" {
		return Intent{}, fmt.Errorf("%w: empty intent reference", ErrGatewayRejected)
	}
	return in, nil
}

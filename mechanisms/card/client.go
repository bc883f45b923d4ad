// Package card verifies card-processor payment intents against an x402
// payment requirement. Only a terminal "succeeded" intent with matching
// amount and currency is accepted.
package card

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PaymentIntent is the processor's view of one card payment.
type PaymentIntent struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Amount   int64             `json:"amount"` // minor units
	Currency string            `json:"currency"`
	Created  int64             `json:"created"` // unix seconds
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StatusSucceeded is the only intent status the verifier accepts.
const StatusSucceeded = "succeeded"

// ProcessorClient fetches payment intents. HTTPProcessorClient talks to the
// real processor; tests substitute a fake.
type ProcessorClient interface {
	GetIntent(ctx context.Context, intentID string) (*PaymentIntent, error)
}

// ErrIntentNotFound is returned when the processor has no record of an id.
type ErrIntentNotFound struct {
	IntentID string
}

func (e *ErrIntentNotFound) Error() string {
	return fmt.Sprintf("payment intent %s not found", e.IntentID)
}

// HTTPProcessorClient queries the processor's REST API with a secret key.
type HTTPProcessorClient struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// NewHTTPProcessorClient creates a client for the processor API.
func NewHTTPProcessorClient(baseURL, secretKey string, timeout time.Duration) *HTTPProcessorClient {
	return &HTTPProcessorClient{
		baseURL:    baseURL,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetIntent fetches one payment intent by id.
func (c *HTTPProcessorClient) GetIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/payment_intents/%s", c.baseURL, intentID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create intent request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment intent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &ErrIntentNotFound{IntentID: intentID}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("processor returned %s for intent %s", resp.Status, intentID)
	}

	var intent PaymentIntent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return nil, fmt.Errorf("failed to decode payment intent: %w", err)
	}
	return &intent, nil
}

var _ ProcessorClient = (*HTTPProcessorClient)(nil)

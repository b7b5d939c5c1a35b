package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPPublisher hands payloads to an external anchoring service, which
// returns a Result.
type HTTPPublisher struct {
	Endpoint string // e.g. "http://127.0.0.1:8403/anchor"
	Operator string // operator address, forwarded for the service's records
	client   *http.Client
}

// NewHTTPPublisher creates a publisher pointing at endpoint.
func NewHTTPPublisher(endpoint, operator string) *HTTPPublisher {
	return &HTTPPublisher{
		Endpoint: endpoint,
		Operator: operator,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type publishRequest struct {
	Payload
	Operator string `json:"operator"`
}

// Publish posts the payload to the anchoring service.
func (h *HTTPPublisher) Publish(ctx context.Context, p Payload) (*Result, error) {
	body, err := json.Marshal(publishRequest{Payload: p, Operator: h.Operator})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP post: %w", err)
	}
	defer resp.Body.Close()

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if result.Action == "" {
		result.Action = ActionDone
	}
	return &result, nil
}

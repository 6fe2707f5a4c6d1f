package finality

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPThresholdService calls a remote margin service. The wire contract is a
// POST of the parameter map returning {"margin": <float>}; anything else is
// a fault and the ThresholdClient wrapping this service degrades to its safe
// default.
type HTTPThresholdService struct {
	url    string
	client *http.Client
}

// NewHTTPThresholdService targets url. A nil client uses http.DefaultClient;
// per-call deadlines come from the caller's context.
func NewHTTPThresholdService(url string, client *http.Client) *HTTPThresholdService {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPThresholdService{url: url, client: client}
}

func (s *HTTPThresholdService) ComputeThreshold(ctx context.Context, params map[string]float64) (float64, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("finality: threshold service returned %d", resp.StatusCode)
	}

	var out struct {
		Margin float64 `json:"margin"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("finality: decode threshold response: %w", err)
	}
	return out.Margin, nil
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RetellDialer places calls through the Retell REST API.
type RetellDialer struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewRetellDialer builds a dialer. baseURL may be empty (production endpoint).
func NewRetellDialer(apiKey, baseURL string) *RetellDialer {
	if baseURL == "" {
		baseURL = "https://api.retellai.com"
	}
	return &RetellDialer{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (d *RetellDialer) Name() string { return "retell" }

type retellCreateCallRequest struct {
	FromNumber             string         `json:"from_number"`
	ToNumber               string         `json:"to_number"`
	OverrideAgentID        string         `json:"override_agent_id,omitempty"`
	RetellLLMDynamicVars   map[string]any `json:"retell_llm_dynamic_variables,omitempty"`
	Metadata               CallMetadata   `json:"metadata"`
}

type retellCreateCallResponse struct {
	CallID string `json:"call_id"`
}

func (d *RetellDialer) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if req.ToNumber == "" {
		return PlaceCallResult{}, fmt.Errorf("provider: to_number is required")
	}
	if d.apiKey == "" {
		return PlaceCallResult{}, fmt.Errorf("provider: api key not configured")
	}

	body, err := json.Marshal(retellCreateCallRequest{
		FromNumber:           req.FromNumber,
		ToNumber:             req.ToNumber,
		OverrideAgentID:      req.AgentID,
		RetellLLMDynamicVars: req.Variables,
		Metadata:             req.Metadata,
	})
	if err != nil {
		return PlaceCallResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v2/create-phone-call", bytes.NewReader(body))
	if err != nil {
		return PlaceCallResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return PlaceCallResult{}, fmt.Errorf("provider: place call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return PlaceCallResult{}, fmt.Errorf("provider: place call rejected: status %d: %s", resp.StatusCode, msg)
	}

	var out retellCreateCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PlaceCallResult{}, fmt.Errorf("provider: decode response: %w", err)
	}
	if out.CallID == "" {
		return PlaceCallResult{}, fmt.Errorf("provider: response missing call_id")
	}
	return PlaceCallResult{CallID: out.CallID}, nil
}

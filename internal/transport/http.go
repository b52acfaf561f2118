package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"MinionArmy/internal/config"
	"MinionArmy/internal/models"
	"MinionArmy/pkg/circuitbreaker"
)

// A2AClient talks to the HTTP message-routing server: register the agent
// card, fire-and-forget sends, and drain-style polling. Outbound requests go
// through a circuit breaker so a dead router degrades to fast failures
// instead of piling up blocked goroutines.
type A2AClient struct {
	baseURL    string
	agentID    string
	httpClient *http.Client
	breaker    circuitbreaker.CircuitBreaker
}

// NewA2AClient creates a client bound to one minion's identity.
func NewA2AClient(baseURL, agentID string, cbCfg config.CircuitBreakerConfig) (*A2AClient, error) {
	c := &A2AClient{
		baseURL: baseURL,
		agentID: agentID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	if cbCfg.Enabled {
		timeout, err := time.ParseDuration(cbCfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid circuit breaker timeout: %w", err)
		}
		c.breaker = circuitbreaker.New(cbCfg.FailureThreshold, cbCfg.SuccessThreshold, timeout)
	}
	return c, nil
}

// Register submits the agent card to POST /register. Idempotent on the
// server side.
func (c *A2AClient) Register(ctx context.Context, card *models.AgentCard) error {
	body, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshal agent card: %w", err)
	}
	return c.post(ctx, "/register", body)
}

// Send wraps the payload into the wire envelope and POSTs it to /send.
func (c *A2AClient) Send(ctx context.Context, recipientID, messageType string, payload any) error {
	msg, err := Envelope(c.agentID, messageType, payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(struct {
		RecipientID string            `json:"recipientId"`
		Message     models.RawMessage `json:"message"`
	}{RecipientID: recipientID, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}
	return c.post(ctx, "/send", body)
}

// Poll fetches and clears the agent's mailbox from GET /poll/:id.
func (c *A2AClient) Poll(ctx context.Context, agentID string) ([]models.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/poll/"+agentID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: poll: %v", models.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: poll: status %d", models.ErrTransport, resp.StatusCode)
	}
	var out struct {
		Messages []models.RawMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode poll response: %v", models.ErrTransport, err)
	}
	return out.Messages, nil
}

// Close is a no-op for the HTTP client.
func (c *A2AClient) Close() error { return nil }

func (c *A2AClient) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrTransport, path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %d", models.ErrTransport, path, resp.StatusCode)
	}
	return nil
}

// do executes the request, routed through the circuit breaker when one is
// configured. Server-side 5xx counts as a breaker failure.
func (c *A2AClient) do(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.httpClient.Do(req)
	}

	var resp *http.Response
	_, breakerErr := c.breaker.Execute(func() (interface{}, error) {
		var err error
		resp, err = c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			code := resp.StatusCode
			resp.Body.Close()
			resp = nil
			return nil, fmt.Errorf("server error: received status code %d", code)
		}
		return resp, nil
	})
	if breakerErr != nil {
		return nil, breakerErr
	}
	return resp, nil
}

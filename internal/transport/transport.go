// Package transport defines the message transport consumed by the minion
// runtime and its concrete implementations. The transport is unreliable,
// at-most-once and unordered; reliability for tracked requests lives in the
// M2M engine, not here.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"MinionArmy/internal/models"
)

// Transport routes typed messages between minions.
type Transport interface {
	// Register submits the agent card to the router. Idempotent.
	Register(ctx context.Context, card *models.AgentCard) error

	// Send delivers a typed payload to one recipient, fire-and-forget from
	// the caller's perspective.
	Send(ctx context.Context, recipientID, messageType string, payload any) error

	// Poll fetches messages addressed to agentID since the last poll.
	Poll(ctx context.Context, agentID string) ([]models.RawMessage, error)

	// Close releases transport resources.
	Close() error
}

// Envelope wraps a payload into the wire RawMessage, stamping senderId and
// timestamp into the content when the payload does not already carry them.
func Envelope(senderID, messageType string, payload any) (models.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.RawMessage{}, fmt.Errorf("marshal payload: %w", err)
	}

	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return models.RawMessage{}, fmt.Errorf("payload is not an object: %w", err)
	}
	now := float64(time.Now().UnixNano()) / 1e9
	if v, ok := content["senderId"]; !ok || v == "" {
		content["senderId"] = senderID
	}
	if _, ok := content["timestamp"]; !ok {
		content["timestamp"] = now
	}
	raw, err = json.Marshal(content)
	if err != nil {
		return models.RawMessage{}, fmt.Errorf("re-marshal payload: %w", err)
	}

	return models.RawMessage{
		SenderID:    senderID,
		MessageType: messageType,
		Content:     raw,
		Timestamp:   now,
	}, nil
}

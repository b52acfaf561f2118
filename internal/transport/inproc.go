package transport

import (
	"context"
	"fmt"
	"sync"

	"MinionArmy/internal/models"
)

// InProcBus is a thread-safe in-process message router. Several minion
// runtimes inside one process share a bus; tests use it as the fake router.
// Minions talk to it through per-agent clients from ForAgent.
type InProcBus struct {
	mu        sync.Mutex
	cards     map[string]*models.AgentCard
	mailboxes map[string][]models.RawMessage

	// SendHook, when set, is consulted before each delivery; returning an
	// error simulates a transport failure. Test-only knob.
	SendHook func(senderID, recipientID, messageType string) error
}

// NewInProcBus creates an empty in-process bus.
func NewInProcBus() *InProcBus {
	return &InProcBus{
		cards:     make(map[string]*models.AgentCard),
		mailboxes: make(map[string][]models.RawMessage),
	}
}

// ForAgent returns a Transport bound to the given sender identity.
func (b *InProcBus) ForAgent(agentID string) Transport {
	return &inProcClient{bus: b, agentID: agentID}
}

// Cards returns a snapshot of registered agent cards.
func (b *InProcBus) Cards() []*models.AgentCard {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.AgentCard, 0, len(b.cards))
	for _, c := range b.cards {
		out = append(out, c)
	}
	return out
}

// Deliver places a pre-built message into a mailbox directly, bypassing the
// send path. Used by tests to simulate externally injected traffic.
func (b *InProcBus) Deliver(recipientID string, msg models.RawMessage) {
	b.mu.Lock()
	b.mailboxes[recipientID] = append(b.mailboxes[recipientID], msg)
	b.mu.Unlock()
}

type inProcClient struct {
	bus     *InProcBus
	agentID string
}

// Register stores the card. Re-registration overwrites.
func (c *inProcClient) Register(_ context.Context, card *models.AgentCard) error {
	if card == nil || card.ID == "" {
		return fmt.Errorf("%w: agent card missing id", models.ErrTransport)
	}
	c.bus.mu.Lock()
	c.bus.cards[card.ID] = card
	c.bus.mu.Unlock()
	return nil
}

// Send appends the enveloped message to the recipient's mailbox.
func (c *inProcClient) Send(_ context.Context, recipientID, messageType string, payload any) error {
	c.bus.mu.Lock()
	hook := c.bus.SendHook
	c.bus.mu.Unlock()
	if hook != nil {
		if err := hook(c.agentID, recipientID, messageType); err != nil {
			return fmt.Errorf("%w: %v", models.ErrTransport, err)
		}
	}

	msg, err := Envelope(c.agentID, messageType, payload)
	if err != nil {
		return err
	}

	c.bus.mu.Lock()
	c.bus.mailboxes[recipientID] = append(c.bus.mailboxes[recipientID], msg)
	c.bus.mu.Unlock()
	return nil
}

// Poll drains and returns the agent's mailbox.
func (c *inProcClient) Poll(_ context.Context, agentID string) ([]models.RawMessage, error) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	msgs := c.bus.mailboxes[agentID]
	c.bus.mailboxes[agentID] = nil
	return msgs, nil
}

// Close is a no-op for the in-process bus.
func (c *inProcClient) Close() error { return nil }

package transport

import (
	"context"
	"encoding/json"
	"testing"

	"MinionArmy/internal/models"
)

func TestEnvelopeStampsSenderAndTimestamp(t *testing.T) {
	msg, err := Envelope("alpha", models.TypeUserBroadcastDirective, map[string]string{"directive": "x"})
	if err != nil {
		t.Fatalf("Envelope() error = %v", err)
	}
	if msg.SenderID != "alpha" || msg.Timestamp <= 0 {
		t.Errorf("envelope = sender %q ts %f, want stamped alpha", msg.SenderID, msg.Timestamp)
	}

	var content map[string]any
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		t.Fatal(err)
	}
	if content["senderId"] != "alpha" {
		t.Errorf("content senderId = %v, want stamped into the payload", content["senderId"])
	}
	if _, ok := content["timestamp"]; !ok {
		t.Error("content timestamp was not stamped")
	}
}

func TestEnvelopeKeepsExplicitSender(t *testing.T) {
	msg, err := Envelope("relay", models.TypeM2MTaskDelegation, map[string]any{
		"senderId": "origin",
		"taskId":   "t1",
	})
	if err != nil {
		t.Fatalf("Envelope() error = %v", err)
	}

	var content map[string]any
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		t.Fatal(err)
	}
	if content["senderId"] != "origin" {
		t.Errorf("content senderId = %v, an explicit payload sender must win", content["senderId"])
	}
	// The envelope itself still names the actual transport-level sender.
	if msg.SenderID != "relay" {
		t.Errorf("envelope sender = %q, want relay", msg.SenderID)
	}
}

func TestEnvelopeRejectsNonObjectPayload(t *testing.T) {
	if _, err := Envelope("alpha", "x", "bare string"); err == nil {
		t.Error("Envelope() accepted a non-object payload")
	}
}

func TestInProcSendPollDrains(t *testing.T) {
	bus := NewInProcBus()
	alpha := bus.ForAgent("alpha")
	beta := bus.ForAgent("beta")
	ctx := context.Background()

	if err := alpha.Send(ctx, "beta", models.TypeUserBroadcastDirective, map[string]string{"directive": "hi"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msgs, err := beta.Poll(ctx, "beta")
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].SenderID != "alpha" {
		t.Fatalf("Poll() = %v, want one message from alpha", msgs)
	}

	msgs, _ = beta.Poll(ctx, "beta")
	if len(msgs) != 0 {
		t.Errorf("second Poll() = %d messages, want drained mailbox", len(msgs))
	}
}

func TestInProcRegisterRequiresID(t *testing.T) {
	bus := NewInProcBus()
	if err := bus.ForAgent("alpha").Register(context.Background(), &models.AgentCard{}); err == nil {
		t.Error("Register() accepted a card without an id")
	}
}

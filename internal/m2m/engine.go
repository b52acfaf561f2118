// Package m2m implements the minion-to-minion request/response protocol on
// top of the unreliable message transport: tracked requests with bounded
// retry, timeout sweeps, NACK semantics and duplicate-delivery suppression.
package m2m

import (
	"context"
	"sync"
	"time"

	"MinionArmy/internal/models"
	"MinionArmy/internal/transport"
	"MinionArmy/pkg/logger"
	"MinionArmy/pkg/util"

	"github.com/google/uuid"
)

// PendingRequest tracks one outstanding tracked M2M request. Exactly one
// live entry exists per request id; it is removed when a correlated
// response/NACK arrives or when retries are exhausted.
type PendingRequest struct {
	RequestID   string
	Timestamp   time.Time
	RetriesLeft int
	Timeout     time.Duration
	RecipientID string
	MessageType string
	TraceID     string

	// payload is resent verbatim on retry.
	payload any
}

// cachedReply remembers the reply sent for a handled request so a duplicate
// delivery of the same request elicits the same reply.
type cachedReply struct {
	messageType string
	payload     any
}

// FailureHandler is invoked when a tracked request terminally fails
// (retries exhausted or non-retryable NACK).
type FailureHandler func(req *PendingRequest, reasonCode, details string)

// ResponseHandler receives correlated response payloads
// (data_response, capability_response, tool_invocation_response,
// task_status_update) after the pending entry has been cleared.
type ResponseHandler func(messageType string, content []byte)

// Handlers wires the engine's inbound request handling to the owning
// runtime's capabilities.
type Handlers struct {
	// AcceptDelegation enqueues a delegated task locally. A non-nil error
	// rejects the delegation with a rejected status update.
	AcceptDelegation func(d *models.TaskDelegation) error

	// ProvideData resolves a data_request key.
	ProvideData func(key string) (any, error)

	// Capabilities lists this minion's capability identifiers.
	Capabilities func() []string

	// InvokeTool fulfills a tool_invocation_request. Nil means tool
	// invocation is unsupported on this minion.
	InvokeTool func(ctx context.Context, toolName string, args map[string]any) (any, error)

	// OnResponse receives correlated response payloads. Optional.
	OnResponse ResponseHandler

	// OnRequestFailed is notified of terminal tracked-request failures.
	// Optional.
	OnRequestFailed FailureHandler

	// OnInfoBroadcast receives m2m_info_broadcast payloads. Optional.
	OnInfoBroadcast func(b *models.InfoBroadcast)
}

// Engine originates tracked M2M requests and dispatches incoming M2M
// messages. The pending map is guarded by a single mutex; the sweep is
// driven externally by the runtime's loop tick.
type Engine struct {
	selfID             string
	transport          transport.Transport
	maxRetries         int
	defaultTimeout     time.Duration
	maxDelegationDepth int
	handlers           Handlers
	log                *logger.Logger

	mu      sync.Mutex
	pending map[string]*PendingRequest

	// seen maps recently handled request ids to the reply they produced.
	// Sender-side retries surface the same request again when an ack is
	// lost in transit; the cached reply is replayed so a retry gets the
	// same answer instead of silence.
	seen *util.LRUCache[string, *cachedReply]

	// now is injectable for tests.
	now func() time.Time
}

// Config carries the engine's tunables.
type Config struct {
	SelfID             string
	MaxRetries         int           // default 3
	DefaultTimeout     time.Duration // default 60s
	MaxDelegationDepth int           // default 5
}

// NewEngine creates an engine bound to one minion identity.
func NewEngine(cfg Config, tr transport.Transport, handlers Handlers, log *logger.Logger) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.MaxDelegationDepth <= 0 {
		cfg.MaxDelegationDepth = 5
	}
	seen, _ := util.NewWithConfig[string, *cachedReply](util.CacheConfig{
		Capacity: 2048,
		TTL:      10 * time.Minute,
	})
	return &Engine{
		selfID:             cfg.SelfID,
		transport:          tr,
		maxRetries:         cfg.MaxRetries,
		defaultTimeout:     cfg.DefaultTimeout,
		maxDelegationDepth: cfg.MaxDelegationDepth,
		handlers:           handlers,
		log:                log,
		pending:            make(map[string]*PendingRequest),
		seen:               seen,
		now:                time.Now,
	}
}

// SetClock replaces the engine's time source. Test-only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) header(recipientID string) models.M2MHeader {
	return models.M2MHeader{
		SenderID:    e.selfID,
		RecipientID: recipientID,
		Version:     models.M2MSchemaVersion,
		TraceID:     uuid.NewString(),
	}
}

// DelegateTask sends a m2m_task_delegation and tracks it. Returns the task
// id used for correlation.
func (e *Engine) DelegateTask(ctx context.Context, recipientID, description, priority string, delegationDepth, timeoutSeconds int) (string, error) {
	payload := &models.TaskDelegation{
		M2MHeader:       e.header(recipientID),
		TaskID:          uuid.NewString(),
		TaskDescription: description,
		Priority:        priority,
		DelegationDepth: delegationDepth,
		TimeoutSeconds:  timeoutSeconds,
	}
	return payload.TaskID, e.originate(ctx, recipientID, models.TypeM2MTaskDelegation, payload.TaskID, payload.TraceID, payload, timeoutSeconds)
}

// RequestData sends a m2m_data_request and tracks it.
func (e *Engine) RequestData(ctx context.Context, recipientID, dataKey string, timeoutSeconds int) (string, error) {
	payload := &models.DataRequest{
		M2MHeader: e.header(recipientID),
		RequestID: uuid.NewString(),
		DataKey:   dataKey,
	}
	return payload.RequestID, e.originate(ctx, recipientID, models.TypeM2MDataRequest, payload.RequestID, payload.TraceID, payload, timeoutSeconds)
}

// QueryCapabilities sends a m2m_capability_query and tracks it.
func (e *Engine) QueryCapabilities(ctx context.Context, recipientID, filter string, timeoutSeconds int) (string, error) {
	payload := &models.CapabilityQuery{
		M2MHeader: e.header(recipientID),
		QueryID:   uuid.NewString(),
		Filter:    filter,
	}
	return payload.QueryID, e.originate(ctx, recipientID, models.TypeM2MCapabilityQuery, payload.QueryID, payload.TraceID, payload, timeoutSeconds)
}

// RequestToolInvocation sends a m2m_tool_invocation_request and tracks it.
func (e *Engine) RequestToolInvocation(ctx context.Context, recipientID, toolName string, args map[string]any, timeoutSeconds int) (string, error) {
	payload := &models.ToolInvocationRequest{
		M2MHeader:    e.header(recipientID),
		InvocationID: uuid.NewString(),
		ToolName:     toolName,
		Arguments:    args,
	}
	return payload.InvocationID, e.originate(ctx, recipientID, models.TypeM2MToolInvocationRequest, payload.InvocationID, payload.TraceID, payload, timeoutSeconds)
}

// originate sends the payload and registers the pending entry on success.
func (e *Engine) originate(ctx context.Context, recipientID, messageType, requestID, traceID string, payload any, timeoutSeconds int) error {
	if err := e.transport.Send(ctx, recipientID, messageType, payload); err != nil {
		e.log.WithRequest(requestID).WithError(models.ErrInfo(err)).Error("failed to send tracked m2m request")
		return err
	}

	timeout := e.defaultTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}

	e.mu.Lock()
	e.pending[requestID] = &PendingRequest{
		RequestID:   requestID,
		Timestamp:   e.now(),
		RetriesLeft: e.maxRetries,
		Timeout:     timeout,
		RecipientID: recipientID,
		MessageType: messageType,
		TraceID:     traceID,
		payload:     payload,
	}
	e.mu.Unlock()

	e.log.WithRequest(requestID).WithPayload(map[string]interface{}{
		"recipient": recipientID,
		"type":      messageType,
	}).Debug("tracked m2m request sent")
	return nil
}

// PendingCount returns the number of outstanding tracked requests.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Sweep scans pending requests for timeouts. Expired requests with retries
// left are resent verbatim with a fresh timestamp; exhausted ones are
// removed and surfaced through OnRequestFailed. Driven once per runtime
// loop tick.
func (e *Engine) Sweep(ctx context.Context) {
	now := e.now()

	e.mu.Lock()
	var toRetry, toFail []*PendingRequest
	for id, req := range e.pending {
		if now.Before(req.Timestamp.Add(req.Timeout)) {
			continue
		}
		if req.RetriesLeft > 0 {
			req.RetriesLeft--
			req.Timestamp = now
			toRetry = append(toRetry, req)
		} else {
			delete(e.pending, id)
			toFail = append(toFail, req)
		}
	}
	e.mu.Unlock()

	for _, req := range toRetry {
		e.log.WithRequest(req.RequestID).WithPayload(map[string]interface{}{
			"retries_left": req.RetriesLeft,
		}).Warn("m2m request timed out, resending")
		if err := e.transport.Send(ctx, req.RecipientID, req.MessageType, req.payload); err != nil {
			e.log.WithRequest(req.RequestID).WithError(models.ErrInfo(err)).Warn("m2m resend failed")
		}
	}
	for _, req := range toFail {
		e.log.WithRequest(req.RequestID).Error("m2m request failed terminally: retries exhausted")
		if e.handlers.OnRequestFailed != nil {
			e.handlers.OnRequestFailed(req, models.ReasonTimeout, "retries exhausted after repeated timeout")
		}
	}
}

// retryNow resends a pending request immediately in response to a retryable
// NACK. Returns false when the request has no retries left.
func (e *Engine) retryNow(ctx context.Context, requestID string) bool {
	e.mu.Lock()
	req, ok := e.pending[requestID]
	if !ok || req.RetriesLeft <= 0 {
		e.mu.Unlock()
		return false
	}
	req.RetriesLeft--
	req.Timestamp = e.now()
	e.mu.Unlock()

	if err := e.transport.Send(ctx, req.RecipientID, req.MessageType, req.payload); err != nil {
		e.log.WithRequest(requestID).WithError(models.ErrInfo(err)).Warn("m2m retry send failed")
	}
	return true
}

// resolve removes a pending request, returning it if present.
func (e *Engine) resolve(requestID string) (*PendingRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.pending[requestID]
	if ok {
		delete(e.pending, requestID)
	}
	return req, ok
}

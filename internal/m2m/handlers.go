package m2m

import (
	"context"
	"encoding/json"
	"fmt"

	"MinionArmy/internal/models"
)

// IsM2MType reports whether a message type is handled by the engine.
func IsM2MType(messageType string) bool {
	switch messageType {
	case models.TypeM2MTaskDelegation, models.TypeM2MTaskStatusUpdate,
		models.TypeM2MDataRequest, models.TypeM2MDataResponse,
		models.TypeM2MCapabilityQuery, models.TypeM2MCapabilityResponse,
		models.TypeM2MToolInvocationRequest, models.TypeM2MToolInvocationResp,
		models.TypeM2MNegativeAck, models.TypeM2MInfoBroadcast:
		return true
	}
	return false
}

// HandleMessage dispatches one incoming M2M message. Request types are
// validated and answered (or NACKed); response types are correlated against
// pending requests; NACKs drive the retry-or-fail path. A duplicate
// delivery of a request is not re-executed; the reply recorded for the
// first delivery is sent again, so sender retries after a lost ack still
// get answered.
func (e *Engine) HandleMessage(ctx context.Context, msg models.RawMessage) {
	if id := correlationID(msg); id != "" && isRequestType(msg.MessageType) {
		if prev, dup := e.seen.Get(msg.MessageType + ":" + id); dup {
			e.log.WithRequest(id).Debug("duplicate m2m delivery, replaying reply")
			if prev != nil {
				if err := e.transport.Send(ctx, msg.SenderID, prev.messageType, prev.payload); err != nil {
					e.log.WithRequest(id).WithError(models.ErrInfo(err)).Warn("failed to replay reply")
				}
			}
			return
		}
		e.seen.Put(msg.MessageType+":"+id, nil)
	}

	switch msg.MessageType {
	case models.TypeM2MTaskDelegation:
		e.handleDelegation(ctx, msg)
	case models.TypeM2MDataRequest:
		e.handleDataRequest(ctx, msg)
	case models.TypeM2MCapabilityQuery:
		e.handleCapabilityQuery(ctx, msg)
	case models.TypeM2MToolInvocationRequest:
		e.handleToolInvocation(ctx, msg)
	case models.TypeM2MTaskStatusUpdate,
		models.TypeM2MDataResponse,
		models.TypeM2MCapabilityResponse,
		models.TypeM2MToolInvocationResp:
		e.handleResponse(msg)
	case models.TypeM2MNegativeAck:
		e.handleNack(ctx, msg)
	case models.TypeM2MInfoBroadcast:
		e.handleInfoBroadcast(msg)
	default:
		e.log.WithPayload(map[string]interface{}{"type": msg.MessageType}).Warn("unrecognized m2m message type")
	}
}

func isRequestType(messageType string) bool {
	switch messageType {
	case models.TypeM2MTaskDelegation, models.TypeM2MDataRequest,
		models.TypeM2MCapabilityQuery, models.TypeM2MToolInvocationRequest:
		return true
	}
	return false
}

// correlationID extracts the id embedded in the payload for the given
// message type (taskId / requestId / queryId / invocationId).
func correlationID(msg models.RawMessage) string {
	var probe struct {
		TaskID            string `json:"taskId"`
		RequestID         string `json:"requestId"`
		QueryID           string `json:"queryId"`
		InvocationID      string `json:"invocationId"`
		OriginalMessageID string `json:"originalMessageId"`
	}
	if err := json.Unmarshal(msg.Content, &probe); err != nil {
		return ""
	}
	switch msg.MessageType {
	case models.TypeM2MTaskDelegation, models.TypeM2MTaskStatusUpdate:
		return probe.TaskID
	case models.TypeM2MDataRequest, models.TypeM2MDataResponse:
		return probe.RequestID
	case models.TypeM2MCapabilityQuery, models.TypeM2MCapabilityResponse:
		return probe.QueryID
	case models.TypeM2MToolInvocationRequest, models.TypeM2MToolInvocationResp:
		return probe.InvocationID
	case models.TypeM2MNegativeAck:
		return probe.OriginalMessageID
	}
	return ""
}

// reply answers a request-type message, recording the reply under the
// request's dedupe key so a duplicate delivery replays it verbatim.
func (e *Engine) reply(ctx context.Context, msg models.RawMessage, messageType string, payload any) {
	if id := correlationID(msg); id != "" && isRequestType(msg.MessageType) {
		e.seen.Put(msg.MessageType+":"+id, &cachedReply{messageType: messageType, payload: payload})
	}
	if err := e.transport.Send(ctx, msg.SenderID, messageType, payload); err != nil {
		e.log.WithPayload(map[string]interface{}{"type": messageType}).WithError(models.ErrInfo(err)).Warn("failed to send m2m reply")
	}
}

// sendNack rejects a received request with a m2m_negative_acknowledgement.
func (e *Engine) sendNack(ctx context.Context, msg models.RawMessage, originalMessageID, reasonCode, details string) {
	nack := &models.NegativeAck{
		SenderID:          e.selfID,
		RecipientID:       msg.SenderID,
		Version:           models.M2MSchemaVersion,
		OriginalMessageID: originalMessageID,
		ReasonCode:        reasonCode,
		Details:           details,
	}
	e.reply(ctx, msg, models.TypeM2MNegativeAck, nack)
}

func (e *Engine) handleDelegation(ctx context.Context, msg models.RawMessage) {
	var d models.TaskDelegation
	if err := json.Unmarshal(msg.Content, &d); err != nil || d.TaskID == "" || d.TaskDescription == "" {
		e.sendNack(ctx, msg, d.TaskID, models.ReasonInvalidRequest, "task delegation missing taskId or taskDescription")
		return
	}
	if d.SenderID == "" {
		d.SenderID = msg.SenderID
	}

	// Unbounded recursive delegation chains are cut here, not at the
	// sender: the receiving minion enforces the depth limit.
	if d.DelegationDepth >= e.maxDelegationDepth {
		e.log.WithTask(d.TaskID).Warn("delegation rejected: max delegation depth exceeded")
		e.reply(ctx, msg, models.TypeM2MTaskStatusUpdate, e.statusUpdate(msg.SenderID, d.TaskID, "rejected", "Max delegation depth exceeded", ""))
		return
	}

	if e.handlers.AcceptDelegation == nil {
		e.reply(ctx, msg, models.TypeM2MTaskStatusUpdate, e.statusUpdate(msg.SenderID, d.TaskID, "rejected", "delegation not supported", ""))
		return
	}
	if err := e.handlers.AcceptDelegation(&d); err != nil {
		e.log.WithTask(d.TaskID).WithError(models.ErrInfo(err)).Warn("delegation rejected by runtime")
		e.reply(ctx, msg, models.TypeM2MTaskStatusUpdate, e.statusUpdate(msg.SenderID, d.TaskID, "rejected", err.Error(), ""))
		return
	}
	e.reply(ctx, msg, models.TypeM2MTaskStatusUpdate, e.statusUpdate(msg.SenderID, d.TaskID, "accepted", "", ""))
}

// SendStatusUpdate reports delegated-task progress back to the delegating
// minion. Used by the runtime when a delegated task finishes. The cached
// reply for the originating delegation is refreshed, so a delegation
// retried after the task finished replays the final status, not the stale
// acceptance.
func (e *Engine) SendStatusUpdate(ctx context.Context, recipientID, taskID, status, details, result string) {
	upd := e.statusUpdate(recipientID, taskID, status, details, result)
	e.seen.Put(models.TypeM2MTaskDelegation+":"+taskID, &cachedReply{
		messageType: models.TypeM2MTaskStatusUpdate,
		payload:     upd,
	})
	if err := e.transport.Send(ctx, recipientID, models.TypeM2MTaskStatusUpdate, upd); err != nil {
		e.log.WithTask(taskID).WithError(models.ErrInfo(err)).Warn("failed to send task status update")
	}
}

func (e *Engine) statusUpdate(recipientID, taskID, status, details, result string) *models.TaskStatusUpdate {
	return &models.TaskStatusUpdate{
		M2MHeader: e.header(recipientID),
		TaskID:    taskID,
		Status:    status,
		Details:   details,
		Result:    result,
	}
}

func (e *Engine) handleDataRequest(ctx context.Context, msg models.RawMessage) {
	var req models.DataRequest
	if err := json.Unmarshal(msg.Content, &req); err != nil || req.RequestID == "" || req.DataKey == "" {
		e.sendNack(ctx, msg, req.RequestID, models.ReasonInvalidRequest, "data request missing requestId or dataKey")
		return
	}

	resp := &models.DataResponse{
		M2MHeader: e.header(msg.SenderID),
		RequestID: req.RequestID,
	}
	if e.handlers.ProvideData == nil {
		resp.Status = "error"
		resp.Error = "data requests not supported"
	} else if data, err := e.handlers.ProvideData(req.DataKey); err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
	} else {
		raw, err := json.Marshal(data)
		if err != nil {
			resp.Status = "error"
			resp.Error = fmt.Sprintf("marshal data: %v", err)
		} else {
			resp.Status = "success"
			resp.Data = raw
		}
	}
	e.reply(ctx, msg, models.TypeM2MDataResponse, resp)
}

func (e *Engine) handleCapabilityQuery(ctx context.Context, msg models.RawMessage) {
	var q models.CapabilityQuery
	if err := json.Unmarshal(msg.Content, &q); err != nil || q.QueryID == "" {
		e.sendNack(ctx, msg, q.QueryID, models.ReasonInvalidRequest, "capability query missing queryId")
		return
	}

	var caps []string
	if e.handlers.Capabilities != nil {
		caps = e.handlers.Capabilities()
	}
	resp := &models.CapabilityResponse{
		M2MHeader:    e.header(msg.SenderID),
		QueryID:      q.QueryID,
		Capabilities: caps,
	}
	e.reply(ctx, msg, models.TypeM2MCapabilityResponse, resp)
}

func (e *Engine) handleToolInvocation(ctx context.Context, msg models.RawMessage) {
	var req models.ToolInvocationRequest
	if err := json.Unmarshal(msg.Content, &req); err != nil || req.InvocationID == "" || req.ToolName == "" {
		e.sendNack(ctx, msg, req.InvocationID, models.ReasonInvalidRequest, "tool invocation missing invocationId or toolName")
		return
	}

	resp := &models.ToolInvocationResponse{
		M2MHeader:    e.header(msg.SenderID),
		InvocationID: req.InvocationID,
	}
	if e.handlers.InvokeTool == nil {
		resp.Status = "error"
		resp.Error = "tool invocation not supported"
	} else if result, err := e.handlers.InvokeTool(ctx, req.ToolName, req.Arguments); err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Status = "error"
			resp.Error = fmt.Sprintf("marshal tool result: %v", err)
		} else {
			resp.Status = "success"
			resp.Result = raw
		}
	}
	e.reply(ctx, msg, models.TypeM2MToolInvocationResp, resp)
}

// handleResponse correlates a response-type message against the pending map
// and clears the matched entry.
func (e *Engine) handleResponse(msg models.RawMessage) {
	id := correlationID(msg)
	if id == "" {
		e.log.WithPayload(map[string]interface{}{"type": msg.MessageType}).Warn("response without correlation id dropped")
		return
	}

	// Delegated tasks produce several status updates over their life
	// (accepted, then completed/failed); the pending entry clears on the
	// first one, later ones flow straight to the response handler.
	if _, ok := e.resolve(id); ok {
		e.log.WithRequest(id).Debug("tracked m2m request resolved")
	}
	if e.handlers.OnResponse != nil {
		e.handlers.OnResponse(msg.MessageType, msg.Content)
	}
}

// handleNack treats a NACK as a failure signal: a retryable reason code
// with retries remaining follows the timeout retry path, anything else is
// a terminal failure.
func (e *Engine) handleNack(ctx context.Context, msg models.RawMessage) {
	var nack models.NegativeAck
	if err := json.Unmarshal(msg.Content, &nack); err != nil || nack.OriginalMessageID == "" {
		e.log.Warn("malformed NACK dropped")
		return
	}

	retryable := nack.ReasonCode == models.ReasonOverloaded || nack.ReasonCode == models.ReasonTimeout
	if retryable && e.retryNow(ctx, nack.OriginalMessageID) {
		e.log.WithRequest(nack.OriginalMessageID).WithPayload(map[string]interface{}{
			"reason_code": nack.ReasonCode,
		}).Warn("retryable NACK received, resending")
		return
	}

	req, ok := e.resolve(nack.OriginalMessageID)
	if !ok {
		e.log.WithRequest(nack.OriginalMessageID).Debug("NACK for unknown request ignored")
		return
	}
	e.log.WithRequest(nack.OriginalMessageID).WithPayload(map[string]interface{}{
		"reason_code": nack.ReasonCode,
		"details":     nack.Details,
	}).Error("m2m request failed terminally: NACK")
	if e.handlers.OnRequestFailed != nil {
		e.handlers.OnRequestFailed(req, nack.ReasonCode, nack.Details)
	}
}

func (e *Engine) handleInfoBroadcast(msg models.RawMessage) {
	var b models.InfoBroadcast
	if err := json.Unmarshal(msg.Content, &b); err != nil {
		e.log.Warn("malformed info broadcast dropped")
		return
	}
	if e.handlers.OnInfoBroadcast != nil {
		e.handlers.OnInfoBroadcast(&b)
	}
}

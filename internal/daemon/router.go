package daemon

import (
	"context"
	"fmt"
	"strconv"

	"github.com/afk-tools/claude-afk/internal/protocol"
	"github.com/afk-tools/claude-afk/internal/state"
	"github.com/afk-tools/claude-afk/internal/telegram"
	"github.com/afk-tools/claude-afk/internal/transcript"
)

const contextLineMaxLen = 300

func (d *Daemon) handleRequest(ctx context.Context, conn *hookConn, req *protocol.Request) {
	switch req.Type {
	case protocol.TypeEnableAFK:
		d.store.EnableAFK(req.SessionID)
		d.logger.Info("afk enabled", "session", req.SessionID)
		conn.WriteJSON(protocol.NewResponse(req.RequestID, protocol.StatusEnabled))

	case protocol.TypeDisableAFK:
		d.store.DisableAFK(req.SessionID)
		d.logger.Info("afk disabled", "session", req.SessionID)
		conn.WriteJSON(protocol.NewResponse(req.RequestID, protocol.StatusDisabled))

	case protocol.TypeStatus:
		conn.WriteJSON(d.statusResponse(req.RequestID))

	case protocol.TypePermissionRequest:
		d.handlePermission(ctx, conn, req)

	case protocol.TypeStopRequest:
		d.handleStop(ctx, conn, req)

	default:
		conn.WriteJSON(protocol.NewErrorResponse(req.RequestID, "unknown request type"))
	}
}

func (d *Daemon) statusResponse(requestID string) *protocol.Response {
	resp := protocol.NewResponse(requestID, protocol.StatusReport)
	resp.DaemonRunning = true
	resp.TelegramConfigured = d.tg.Configured()
	resp.ChatIDConfigured = d.store.PairedChatID() != 0
	resp.AFKSessions = d.store.AFKSessions()
	resp.PendingRequests = d.store.Count()
	resp.AlwaysEnabled = d.cfg.AlwaysEnabled
	resp.BulkApprovalTools = d.cfg.BulkApprovalTools
	resp.SessionWhitelists = d.store.Whitelists()
	return resp
}

// handlePermission routes a blocked permission hook: gate on AFK and
// configuration, auto-approve whitelisted tools, collapse retries, then send
// the prompt and park the caller. The reply is delivered later by whichever
// resolution path wins.
func (d *Daemon) handlePermission(ctx context.Context, conn *hookConn, req *protocol.Request) {
	if !d.store.IsAFKEnabled(req.SessionID) && !d.cfg.AlwaysEnabled {
		conn.WriteJSON(protocol.NewResponse(req.RequestID, protocol.StatusNotEnabled))
		return
	}
	// alwaysEnabled bypasses the AFK gate only; with no paired chat the
	// safe answer is still pass-through.
	if !d.tg.Configured() || d.store.PairedChatID() == 0 {
		conn.WriteJSON(protocol.NewResponse(req.RequestID, protocol.StatusNotConfigured))
		return
	}

	if d.store.IsWhitelisted(req.SessionID, req.ToolName) {
		resp := protocol.NewResponse(req.RequestID, protocol.StatusApproved)
		resp.BulkApproved = true
		conn.WriteJSON(resp)
		return
	}

	retryCount := 0
	if existing, ok := d.store.FindBySessionToolCommand(req.SessionID, req.ToolName, req.Message); ok {
		newCount, _ := d.store.IncrementRetry(existing.MessageID)
		if newCount >= d.cfg.MaxRetries {
			if _, prev, claimed := d.claim(existing.MessageID); claimed {
				d.deleteRemoteMessage(ctx, existing.MessageID)
				d.answerSupersededWaiter(prev)
			}
			d.logger.Info("retry limit reached", "session", req.SessionID, "tool", req.ToolName)
			conn.WriteJSON(protocol.NewResponse(req.RequestID, protocol.StatusTimeoutFinal))
			return
		}
		// The new request supersedes the old prompt; the earlier waiter is
		// released on its timeout status and the retry count carries over.
		retryCount = newCount
		if _, prev, claimed := d.claim(existing.MessageID); claimed {
			d.deleteRemoteMessage(ctx, existing.MessageID)
			d.answerSupersededWaiter(prev)
		}
	}

	contextLine := promptContextLine(req.TranscriptPath)

	command := req.Message
	toolUseID := ""
	if use := transcript.LastToolUse(req.TranscriptPath); use != nil {
		toolUseID = use.ID
		if formatted := transcript.FormatToolInput(use.Name, use.Input); formatted != "" {
			command = formatted
		}
	}

	slug, token := d.store.RegisterSession(req.SessionID, req.CWD)

	bulkAllowed := d.cfg.IsBulkApprovalTool(req.ToolName)
	prompt := composePermissionPrompt(slug, token, contextLine, req.ToolName, command, bulkAllowed)

	msgID, err := d.tg.SendMessage(ctx, d.store.PairedChatID(), prompt, true)
	if err != nil {
		d.logger.Error("prompt send failed", "session", req.SessionID, "error", err)
		conn.WriteJSON(protocol.NewErrorResponse(req.RequestID, "failed to reach approval channel"))
		return
	}
	messageID := strconv.FormatInt(msgID, 10)

	pending := &state.PendingRequest{
		MessageID:      messageID,
		SessionID:      req.SessionID,
		Kind:           state.KindPermission,
		ToolName:       req.ToolName,
		CommandText:    req.Message,
		ToolUseID:      toolUseID,
		TranscriptPath: req.TranscriptPath,
		ProjectDir:     req.CWD,
		TerminalID:     req.TerminalID,
		FirstSeenAt:    d.now(),
		CorrelationID:  req.RequestID,
		RetryCount:     retryCount,
	}
	d.park(messageID, &parkedReply{
		conn:        conn,
		requestID:   req.RequestID,
		sessionID:   req.SessionID,
		toolName:    req.ToolName,
		bulkAllowed: bulkAllowed,
		kind:        state.KindPermission,
	})
	d.store.Insert(pending)
	d.armRequestTimeout(ctx, messageID, d.cfg.PermissionTimeoutDuration())

	d.logger.Info("permission prompt sent",
		"session", req.SessionID,
		"tool", req.ToolName,
		"message_id", messageID,
		"retry", retryCount,
	)
	// No reply now — the caller is woken by the reply dispatcher, the
	// resolution watcher, or the timeout.
}

// answerSupersededWaiter releases the hook blocked on a prompt that a newer
// retry replaced.
func (d *Daemon) answerSupersededWaiter(p *parkedReply) {
	if p == nil || p.conn.Closed() {
		return
	}
	p.conn.WriteJSON(protocol.NewResponse(p.requestID, protocol.StatusTimeoutRetry))
}

// handleStop routes a task-completion hook: send the notification, record the
// transcript position, park the caller for follow-up instructions.
func (d *Daemon) handleStop(ctx context.Context, conn *hookConn, req *protocol.Request) {
	if !d.store.IsAFKEnabled(req.SessionID) && !d.cfg.AlwaysEnabled {
		conn.WriteJSON(protocol.NewResponse(req.RequestID, protocol.StatusNotEnabled))
		return
	}
	if !d.tg.Configured() || d.store.PairedChatID() == 0 {
		conn.WriteJSON(protocol.NewResponse(req.RequestID, protocol.StatusNotConfigured))
		return
	}

	contextLine := promptContextLine(req.TranscriptPath)
	slug, token := d.store.RegisterSession(req.SessionID, req.CWD)

	prompt := composeStopPrompt(slug, token, contextLine)
	msgID, err := d.tg.SendMessage(ctx, d.store.PairedChatID(), prompt, true)
	if err != nil {
		d.logger.Error("stop notification send failed", "session", req.SessionID, "error", err)
		conn.WriteJSON(protocol.NewErrorResponse(req.RequestID, "failed to reach approval channel"))
		return
	}
	messageID := strconv.FormatInt(msgID, 10)

	pending := &state.PendingRequest{
		MessageID:         messageID,
		SessionID:         req.SessionID,
		Kind:              state.KindStop,
		TranscriptPath:    req.TranscriptPath,
		ProjectDir:        req.CWD,
		TerminalID:        req.TerminalID,
		LastScannedOffset: transcript.LineCount(req.TranscriptPath),
		FirstSeenAt:       d.now(),
		CorrelationID:     req.RequestID,
	}
	d.park(messageID, &parkedReply{
		conn:      conn,
		requestID: req.RequestID,
		sessionID: req.SessionID,
		kind:      state.KindStop,
	})
	d.store.Insert(pending)
	d.armRequestTimeout(ctx, messageID, d.cfg.StopTimeoutDuration())

	d.logger.Info("stop notification sent", "session", req.SessionID, "message_id", messageID)
}

// promptContextLine picks the most recent assistant text, falling back to the
// user's own last prompt.
func promptContextLine(transcriptPath string) string {
	if text := transcript.LastAssistantText(transcriptPath, contextLineMaxLen); text != "" {
		return text
	}
	if text := transcript.LastUserText(transcriptPath, contextLineMaxLen); text != "" {
		return "User: " + text
	}
	return ""
}

func composePermissionPrompt(slug, token, contextLine, toolName, command string, bulkAllowed bool) string {
	header := fmt.Sprintf("[%s] #%s", telegram.EscapeMarkdown(slug), telegram.EscapeMarkdown(token))
	body := header + "\n\n"
	if contextLine != "" {
		body += telegram.EscapeMarkdown(contextLine) + "\n\n"
	}
	body += fmt.Sprintf("*Permission:* %s\n%s\n\n", telegram.EscapeMarkdown(toolName), telegram.EscapeMarkdown(command))
	if bulkAllowed {
		body += "Reply: yes / no / all"
	} else {
		body += "Reply: yes / no"
	}
	return body
}

func composeStopPrompt(slug, token, contextLine string) string {
	header := fmt.Sprintf("[%s] #%s", telegram.EscapeMarkdown(slug), telegram.EscapeMarkdown(token))
	body := header + "\n\n"
	if contextLine != "" {
		body += telegram.EscapeMarkdown(contextLine) + "\n\n"
	}
	body += "Task complete. Reply with follow-up instructions or ignore to stop."
	return body
}

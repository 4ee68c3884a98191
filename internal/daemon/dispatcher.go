package daemon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/afk-tools/claude-afk/internal/protocol"
	"github.com/afk-tools/claude-afk/internal/state"
	"github.com/afk-tools/claude-afk/internal/telegram"
	"github.com/afk-tools/claude-afk/internal/transcript"
)

const (
	longPollTimeout    = 30 * time.Second
	maxConflictStreak  = 3
	maxInstructionsLen = 2000
)

// pollLoop drives Telegram update polling. The overlap guard makes a tick a
// no-op while a long poll is still in flight.
func (d *Daemon) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollIntervalDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !d.pollBusy.CompareAndSwap(false, true) {
			continue
		}
		go func() {
			defer d.pollBusy.Store(false)
			d.pollOnce(ctx)
		}()
	}
}

// pollOnce fetches updates, filters stale ones, and processes each message.
func (d *Daemon) pollOnce(ctx context.Context) {
	updates, err := d.tg.GetUpdates(ctx, d.updateOffset, longPollTimeout)
	if err != nil {
		if errors.Is(err, telegram.ErrNotConfigured) || ctx.Err() != nil {
			return
		}
		if telegram.IsConflict(err) {
			d.conflictStreak++
			d.logger.Warn("getUpdates conflict", "streak", d.conflictStreak)
			if d.conflictStreak >= maxConflictStreak {
				// Another daemon owns the long-poll slot; cede it.
				d.sendToChat(ctx, "Another claude-afk daemon is polling this bot; shutting down.", false)
				d.logger.Error("repeated getUpdates conflicts, self-terminating")
				d.cancelRun()
			}
			return
		}
		d.conflictStreak = 0
		d.logger.Warn("getUpdates failed", "error", err)
		return
	}
	d.conflictStreak = 0

	staleCutoff := int64(d.cfg.StaleUpdateThreshold)
	for _, u := range updates {
		if u.UpdateID >= d.updateOffset {
			d.updateOffset = u.UpdateID + 1
		}
		msg := u.Message
		if msg == nil {
			continue
		}
		if msg.Date > 0 && d.now().Unix()-msg.Date > staleCutoff {
			d.logger.Info("dropping stale update", "update_id", u.UpdateID, "age_s", d.now().Unix()-msg.Date)
			continue
		}
		d.routeReply(ctx, msg)
	}
}

// routeReply handles one inbound chat message: pairing, chat filtering, then
// reply-targeted or single-pending verdict routing.
func (d *Daemon) routeReply(ctx context.Context, msg *telegram.Message) {
	text := strings.TrimSpace(msg.Text)

	if text == "/start" && d.store.PairedChatID() == 0 {
		if d.store.SetPairedChatID(msg.Chat.ID) {
			d.logger.Info("paired with chat", "chat_id", msg.Chat.ID)
			d.sendToChat(ctx, "Paired. Permission prompts and task notifications will arrive here.", false)
		}
		return
	}

	chatID := d.store.PairedChatID()
	if chatID == 0 || msg.Chat.ID != chatID {
		return
	}

	if msg.ReplyTo != nil {
		target := strconv.FormatInt(msg.ReplyTo.MessageID, 10)
		if pending, ok := d.store.LookupByMessageID(target); ok {
			d.applyVerdict(ctx, pending, target, msg, false)
		} else {
			// Reply to a prompt that was already resolved another way.
			d.sendToChat(ctx, "Already handled locally.", false)
		}
		return
	}

	if d.cfg.AllowSinglePendingFallback {
		if pending, ok := d.store.Single(); ok {
			d.applyVerdict(ctx, pending, pending.MessageID, msg, true)
			return
		}
	}

	if d.store.Count() > 0 {
		d.sendToChat(ctx, "Please reply directly to a notification message.", false)
	}
}

// normalizeVerdict maps reply text to "yes", "no" or "all"; empty means
// unrecognized.
func normalizeVerdict(text string) string {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes", "y":
		return "yes"
	case "no", "n":
		return "no"
	case "all", "yes all", "y all", "always":
		return "all"
	}
	return ""
}

// applyVerdict resolves a pending request from a chat reply. Invalid replies
// leave the pending in place and ask for a correction.
func (d *Daemon) applyVerdict(ctx context.Context, pending *state.PendingRequest, messageID string, msg *telegram.Message, fallback bool) {
	if pending.Kind == state.KindStop {
		d.applyStopVerdict(ctx, messageID, msg, fallback)
		return
	}

	verdict := normalizeVerdict(msg.Text)
	bulkAllowed := d.cfg.IsBulkApprovalTool(pending.ToolName)
	if verdict == "" || (verdict == "all" && !bulkAllowed) {
		if bulkAllowed {
			d.sendToChat(ctx, "Reply 'yes', 'no', or 'all'.", false)
		} else {
			d.sendToChat(ctx, "Reply 'yes' or 'no'.", false)
		}
		return
	}

	req, parked, ok := d.claim(messageID)
	if !ok {
		return // another resolution path won
	}

	if parked == nil {
		// The hook behind this prompt predates the current daemon.
		d.sendToChat(ctx, "Already handled.", false)
		d.deleteRemoteMessage(ctx, messageID)
		d.tg.DeleteMessage(ctx, msg.Chat.ID, msg.MessageID)
		return
	}

	if verdict == "all" {
		d.store.AddToWhitelist(req.SessionID, req.ToolName)
		d.sendToChat(ctx, fmt.Sprintf("Auto-approving %s for this session.", req.ToolName), false)
	}

	var resp *protocol.Response
	switch verdict {
	case "no":
		resp = protocol.NewResponse(parked.requestID, protocol.StatusDenied)
		resp.Message = "User denied"
	case "all":
		resp = protocol.NewResponse(parked.requestID, protocol.StatusApproved)
		resp.BulkApproved = true
	default:
		resp = protocol.NewResponse(parked.requestID, protocol.StatusApproved)
	}

	d.logger.Info("verdict from chat",
		"message_id", messageID,
		"session", req.SessionID,
		"verdict", verdict,
	)

	if fallback && parked.conn.Closed() {
		// Single-pending fallback with a dead hook: keep the bookkeeping,
		// tell the user where the response went.
		d.deleteRemoteMessage(ctx, messageID)
		d.sendToChat(ctx, "Response recorded, session no longer active.", false)
		return
	}

	if parked.conn.Closed() || parked.conn.WriteJSON(resp) != nil {
		d.reportUndeliverable(ctx, req)
	}
}

// applyStopVerdict carries the reply text back as follow-up instructions.
func (d *Daemon) applyStopVerdict(ctx context.Context, messageID string, msg *telegram.Message, fallback bool) {
	req, parked, ok := d.claim(messageID)
	if !ok {
		return
	}

	if parked == nil {
		d.sendToChat(ctx, "Already handled.", false)
		d.deleteRemoteMessage(ctx, messageID)
		d.tg.DeleteMessage(ctx, msg.Chat.ID, msg.MessageID)
		return
	}

	instructions := truncateInstructions(msg.Text)

	resp := protocol.NewResponse(parked.requestID, protocol.StatusContinue)
	resp.Instructions = instructions

	d.logger.Info("follow-up instructions from chat", "message_id", messageID, "session", req.SessionID)

	if fallback && parked.conn.Closed() {
		d.deleteRemoteMessage(ctx, messageID)
		d.sendToChat(ctx, "Response recorded, session no longer active.", false)
		return
	}

	if parked.conn.Closed() || parked.conn.WriteJSON(resp) != nil {
		d.reportUndeliverable(ctx, req)
	}
}

// truncateInstructions caps follow-up text with a visible truncation note.
func truncateInstructions(text string) string {
	runes := []rune(text)
	if len(runes) <= maxInstructionsLen {
		return text
	}
	return fmt.Sprintf("%s… [truncated, %d chars total]", string(runes[:maxInstructionsLen]), len(runes))
}

// reportUndeliverable handles a verdict whose hook channel died: check the
// transcript for a local resolution before declaring the session gone.
func (d *Daemon) reportUndeliverable(ctx context.Context, req *state.PendingRequest) {
	resolved := false
	switch req.Kind {
	case state.KindPermission:
		if req.ToolUseID != "" {
			resolved = transcript.FindToolResult(req.TranscriptPath, req.ToolUseID, 0).Found
		}
	case state.KindStop:
		resolved = transcript.FindUserText(req.TranscriptPath, req.LastScannedOffset).Found
	}

	if resolved {
		d.sendToChat(ctx, "Already handled locally.", false)
	} else {
		d.sendToChat(ctx, "Unable to deliver response — session may have ended.", false)
	}
}

package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/afk-tools/claude-afk/internal/protocol"
	"github.com/afk-tools/claude-afk/internal/state"
	"github.com/afk-tools/claude-afk/internal/terminal"
	"github.com/afk-tools/claude-afk/internal/transcript"
)

// Sub-agent transcripts are only checked while they are being written.
const siblingFreshness = 10 * time.Second

// scanLoop drives the resolution watcher: transcript scans, socket liveness
// and terminal-binding checks. Guarded against overlapping ticks.
func (d *Daemon) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ScanIntervalDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !d.scanBusy.CompareAndSwap(false, true) {
			continue
		}
		d.scanOnce(ctx)
		d.scanBusy.Store(false)
	}
}

func (d *Daemon) scanOnce(ctx context.Context) {
	for _, sessionID := range d.store.SessionsWithPending() {
		for _, req := range d.store.ListBySession(sessionID) {
			d.checkRequest(ctx, req)
		}

		// Session liveness: the terminal binding must still name this
		// session. A rebound or missing terminal means the host restarted.
		remaining := d.store.ListBySession(sessionID)
		if len(remaining) == 0 {
			continue
		}
		terminalID := remaining[0].TerminalID
		if terminalID == "" {
			continue
		}
		binding, ok := terminal.LoadBinding(terminalID)
		if !ok || binding.SessionID != sessionID {
			d.expireSession(ctx, sessionID)
		}
	}
}

// checkRequest looks for an out-of-band resolution of one pending request.
func (d *Daemon) checkRequest(ctx context.Context, req *state.PendingRequest) {
	// A dropped hook stream means the request was resolved in the host UI or
	// the hook process died; either way the prompt is obsolete.
	if p := d.peekParked(req.MessageID); p != nil && p.conn.Closed() {
		d.resolveLocally(ctx, req.MessageID, "socket_closed")
		return
	}

	// The mtime gate only skips rescanning the main transcript; sub-agent
	// transcripts carry their own freshness check below.
	skipMain := false
	if d.cfg.TranscriptPolling.EnableMtimeOptimization {
		if mt, ok := transcript.Mtime(req.TranscriptPath); ok {
			d.mu.Lock()
			last, seen := d.lastMtime[req.MessageID]
			d.lastMtime[req.MessageID] = mt
			d.mu.Unlock()
			skipMain = seen && mt.Equal(last)
		}
	}

	switch req.Kind {
	case state.KindPermission:
		if req.ToolUseID == "" {
			return
		}
		if !skipMain {
			scan := transcript.FindToolResult(req.TranscriptPath, req.ToolUseID, req.LastScannedOffset)
			if scan.Found {
				d.resolveLocally(ctx, req.MessageID, permissionResolution(scan.IsError))
				return
			}
			d.store.AdvanceOffset(req.MessageID, scan.OffsetAfter)
		}
		// Nested tool invocations resolve in sub-agent transcripts; only
		// freshly written ones are worth scanning.
		for _, sib := range transcript.SiblingAgentTranscripts(req.TranscriptPath) {
			mt, ok := transcript.Mtime(sib)
			if !ok || d.now().Sub(mt) > siblingFreshness {
				continue
			}
			if sibScan := transcript.FindToolResult(sib, req.ToolUseID, 0); sibScan.Found {
				d.resolveLocally(ctx, req.MessageID, permissionResolution(sibScan.IsError))
				return
			}
		}

	case state.KindStop:
		if skipMain {
			return
		}
		scan := transcript.FindUserText(req.TranscriptPath, req.LastScannedOffset)
		if scan.Found {
			d.resolveLocally(ctx, req.MessageID, "local_followup")
			return
		}
		d.store.AdvanceOffset(req.MessageID, scan.OffsetAfter)
	}
}

func permissionResolution(isError bool) string {
	if isError {
		return "denied"
	}
	return "approved"
}

// resolveLocally is the cleanup for transcript- and socket-detected
// resolutions: wake the hook if it is still there, retract the prompt,
// drop the pending.
func (d *Daemon) resolveLocally(ctx context.Context, messageID, resolution string) {
	req, p, ok := d.claim(messageID)
	if !ok {
		return
	}

	d.logger.Info("resolved locally",
		"message_id", messageID,
		"session", req.SessionID,
		"resolution", resolution,
	)

	if p != nil && !p.conn.Closed() {
		resp := protocol.NewResponse(p.requestID, protocol.StatusResolvedLocally)
		resp.Resolution = resolution
		p.conn.WriteJSON(resp)
	}

	d.deleteRemoteMessage(ctx, messageID)
}

// expireSession declares a host session gone: retract all its prompts, drop
// its pendings and tell the user once.
func (d *Daemon) expireSession(ctx context.Context, sessionID string) {
	removed := d.store.RemoveSession(sessionID)
	if len(removed) == 0 {
		return
	}

	d.logger.Info("session expired", "session", sessionID, "dropped", len(removed))

	for _, req := range removed {
		d.deleteRemoteMessage(ctx, req.MessageID)
		p := d.popParked(req.MessageID)
		if p == nil {
			continue
		}
		if p.timer != nil {
			p.timer.Stop()
		}
		if !p.conn.Closed() {
			resp := protocol.NewResponse(p.requestID, protocol.StatusResolvedLocally)
			resp.Resolution = "session_ended"
			p.conn.WriteJSON(resp)
		}
	}

	label := sessionID
	if token, ok := d.store.SessionToken(sessionID); ok {
		label = "#" + token
	}
	d.sendToChat(ctx, fmt.Sprintf("Session %s ended.", label), false)
}

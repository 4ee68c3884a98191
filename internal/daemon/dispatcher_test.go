package daemon

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afk-tools/claude-afk/internal/protocol"
	"github.com/afk-tools/claude-afk/internal/telegram"
)

// parkPermission runs one permission request through the router and returns
// the hook plus the prompt's message id.
func parkPermission(t *testing.T, d *Daemon, requestID, sessionID, tool, command string) (*testHook, string) {
	t.Helper()
	h := newTestHook(t)
	d.handleRequest(context.Background(), h.conn, permissionReq(requestID, sessionID, tool, command))
	pendings := d.store.ListBySession(sessionID)
	require.NotEmpty(t, pendings, "permission request should be pending")
	return h, pendings[len(pendings)-1].MessageID
}

func TestPairing(t *testing.T) {
	ft := newFakeTelegram(t)
	d := newTestDaemon(t, ft)
	ctx := context.Background()

	d.routeReply(ctx, chatMessage(42, "/start"))
	assert.Equal(t, int64(42), d.store.PairedChatID())
	assert.Contains(t, ft.lastSent(t).Text, "Paired")

	// A second /start from another chat is ignored.
	d.routeReply(ctx, chatMessage(99, "/start"))
	assert.Equal(t, int64(42), d.store.PairedChatID())
}

func TestForeignChatIgnored(t *testing.T) {
	ft := newFakeTelegram(t)
	d := newTestDaemon(t, ft)
	d.store.SetPairedChatID(42)
	d.store.EnableAFK("sess-1")

	h, _ := parkPermission(t, d, "r1", "sess-1", "Bash", "ls")
	before := len(ft.sentMessages())

	d.routeReply(context.Background(), replyMessage(99, 1, "yes"))

	h.expectNoResponse(t)
	assert.Equal(t, 1, d.store.Count())
	assert.Len(t, ft.sentMessages(), before)
}

func TestReplyVerdicts(t *testing.T) {
	t.Run("yes approves", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.store.SetPairedChatID(42)
		d.store.EnableAFK("sess-1")

		h, msgID := parkPermission(t, d, "r1", "sess-1", "Bash", "ls")
		d.routeReply(context.Background(), replyMessage(42, 1, "yes"))
		_ = msgID

		resp := h.expectResponse(t)
		assert.Equal(t, protocol.StatusApproved, resp.Status)
		assert.Equal(t, "r1", resp.RequestID)
		assert.False(t, resp.BulkApproved)
		assert.Zero(t, d.store.Count())
	})

	t.Run("no denies", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.store.SetPairedChatID(42)
		d.store.EnableAFK("sess-1")

		h, _ := parkPermission(t, d, "r1", "sess-1", "Bash", "ls")
		d.routeReply(context.Background(), replyMessage(42, 1, "n"))

		resp := h.expectResponse(t)
		assert.Equal(t, protocol.StatusDenied, resp.Status)
		assert.Equal(t, "User denied", resp.Message)
	})

	t.Run("all approves and whitelists", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.store.SetPairedChatID(42)
		d.store.EnableAFK("sess-1")

		h, _ := parkPermission(t, d, "r1", "sess-1", "Bash", "ls")
		d.routeReply(context.Background(), replyMessage(42, 1, "all"))

		resp := h.expectResponse(t)
		assert.Equal(t, protocol.StatusApproved, resp.Status)
		assert.True(t, resp.BulkApproved)
		assert.True(t, d.store.IsWhitelisted("sess-1", "Bash"))
		assert.Contains(t, ft.lastSent(t).Text, "Auto-approving Bash")
	})

	t.Run("all refused for non-bulk tools", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.store.SetPairedChatID(42)
		d.store.EnableAFK("sess-1")

		h, _ := parkPermission(t, d, "r1", "sess-1", "WebFetch", "https://example.com")
		d.routeReply(context.Background(), replyMessage(42, 1, "all"))

		h.expectNoResponse(t)
		assert.Equal(t, 1, d.store.Count(), "pending stays live")
		assert.Contains(t, ft.lastSent(t).Text, "Reply 'yes' or 'no'.")
	})

	t.Run("gibberish asks for a correction", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.store.SetPairedChatID(42)
		d.store.EnableAFK("sess-1")

		h, _ := parkPermission(t, d, "r1", "sess-1", "Bash", "ls")
		d.routeReply(context.Background(), replyMessage(42, 1, "maybe"))

		h.expectNoResponse(t)
		assert.Equal(t, 1, d.store.Count())
		assert.Contains(t, ft.lastSent(t).Text, "Reply 'yes', 'no', or 'all'.")

		// The correction did not consume the prompt; a real verdict still works.
		d.routeReply(context.Background(), replyMessage(42, 1, "yes"))
		assert.Equal(t, protocol.StatusApproved, h.expectResponse(t).Status)
	})
}

func TestReplyToResolvedPrompt(t *testing.T) {
	ft := newFakeTelegram(t)
	d := newTestDaemon(t, ft)
	d.store.SetPairedChatID(42)

	d.routeReply(context.Background(), replyMessage(42, 777, "yes"))
	assert.Contains(t, ft.lastSent(t).Text, "Already handled locally.")
}

func TestSinglePendingFallback(t *testing.T) {
	t.Run("bare reply routes to the only pending", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.store.SetPairedChatID(42)
		d.store.EnableAFK("sess-1")

		h, _ := parkPermission(t, d, "r1", "sess-1", "Bash", "ls")
		d.routeReply(context.Background(), chatMessage(42, "yes"))

		assert.Equal(t, protocol.StatusApproved, h.expectResponse(t).Status)
	})

	t.Run("ambiguous with several pending", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.store.SetPairedChatID(42)
		d.store.EnableAFK("sess-1")

		h1, _ := parkPermission(t, d, "r1", "sess-1", "Bash", "ls")
		h2, _ := parkPermission(t, d, "r2", "sess-1", "Edit", "main.go")

		d.routeReply(context.Background(), chatMessage(42, "yes"))

		h1.expectNoResponse(t)
		h2.expectNoResponse(t)
		assert.Contains(t, ft.lastSent(t).Text, "reply directly")
	})

	t.Run("disabled by config", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.cfg.AllowSinglePendingFallback = false
		d.store.SetPairedChatID(42)
		d.store.EnableAFK("sess-1")

		h, _ := parkPermission(t, d, "r1", "sess-1", "Bash", "ls")
		d.routeReply(context.Background(), chatMessage(42, "yes"))

		h.expectNoResponse(t)
		assert.Equal(t, 1, d.store.Count())
	})
}

func TestStopFlow(t *testing.T) {
	ft := newFakeTelegram(t)
	d := newTestDaemon(t, ft)
	d.store.SetPairedChatID(42)
	d.store.EnableAFK("sess-1")
	ctx := context.Background()

	h := newTestHook(t)
	d.handleRequest(ctx, h.conn, &protocol.Request{
		Type:      protocol.TypeStopRequest,
		RequestID: "r1",
		SessionID: "sess-1",
		CWD:       "/home/user/proj",
	})

	assert.Contains(t, ft.lastSent(t).Text, "Task complete.")

	d.routeReply(ctx, replyMessage(42, 1, "also run the linter"))

	resp := h.expectResponse(t)
	assert.Equal(t, protocol.StatusContinue, resp.Status)
	assert.Equal(t, "also run the linter", resp.Instructions)
	assert.Zero(t, d.store.Count())
}

func TestNormalizeVerdict(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"yes", "yes"}, {"Y", "yes"}, {" YES ", "yes"},
		{"no", "no"}, {"n", "no"},
		{"all", "all"}, {"yes all", "all"}, {"always", "all"},
		{"maybe", ""}, {"", ""}, {"approve", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeVerdict(tt.in), "input %q", tt.in)
	}
}

func TestTruncateInstructions(t *testing.T) {
	assert.Equal(t, "short", truncateInstructions("short"))

	long := strings.Repeat("x", maxInstructionsLen+50)
	got := truncateInstructions(long)
	assert.Contains(t, got, "[truncated, 2050 chars total]")
	assert.True(t, strings.HasPrefix(got, strings.Repeat("x", 100)))
}

func TestPollStaleReplies(t *testing.T) {
	t.Run("stale reply is dropped but the offset advances", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.store.SetPairedChatID(42)
		d.store.EnableAFK("sess-1")

		h, msgID := parkPermission(t, d, "r1", "sess-1", "Bash", "ls")
		promptID, err := strconv.ParseInt(msgID, 10, 64)
		require.NoError(t, err)

		reply := replyMessage(42, promptID, "yes")
		reply.Date = time.Now().Add(-20 * time.Minute).Unix()
		ft.queueUpdate(telegram.Update{UpdateID: 1, Message: reply})

		d.pollOnce(context.Background())

		h.expectNoResponse(t)
		assert.Equal(t, 1, d.store.Count(), "stale verdict must not resolve the pending")
		assert.Equal(t, int64(2), d.updateOffset, "stale updates are still consumed")
	})

	t.Run("fresh reply resolves through the poll path", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.store.SetPairedChatID(42)
		d.store.EnableAFK("sess-1")

		h, msgID := parkPermission(t, d, "r1", "sess-1", "Bash", "ls")
		promptID, err := strconv.ParseInt(msgID, 10, 64)
		require.NoError(t, err)

		ft.queueUpdate(telegram.Update{UpdateID: 7, Message: replyMessage(42, promptID, "yes")})

		d.pollOnce(context.Background())

		resp := h.expectResponse(t)
		assert.Equal(t, protocol.StatusApproved, resp.Status)
		assert.Zero(t, d.store.Count())
		assert.Equal(t, int64(8), d.updateOffset)
	})
}

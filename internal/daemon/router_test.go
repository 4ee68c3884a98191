package daemon

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afk-tools/claude-afk/internal/protocol"
)

func TestEnableDisable(t *testing.T) {
	ft := newFakeTelegram(t)
	d := newTestDaemon(t, ft)
	ctx := context.Background()

	h := newTestHook(t)
	go d.handleRequest(ctx, h.conn, &protocol.Request{
		Type: protocol.TypeEnableAFK, RequestID: "r1", SessionID: "sess-1",
	})
	resp := h.expectResponse(t)
	assert.Equal(t, protocol.StatusEnabled, resp.Status)
	assert.Equal(t, "r1", resp.RequestID)
	assert.True(t, d.store.IsAFKEnabled("sess-1"))

	go d.handleRequest(ctx, h.conn, &protocol.Request{
		Type: protocol.TypeDisableAFK, RequestID: "r2", SessionID: "sess-1",
	})
	resp = h.expectResponse(t)
	assert.Equal(t, protocol.StatusDisabled, resp.Status)
	assert.False(t, d.store.IsAFKEnabled("sess-1"))
}

func TestStatusRequest(t *testing.T) {
	ft := newFakeTelegram(t)
	d := newTestDaemon(t, ft)
	d.store.SetPairedChatID(42)
	d.store.EnableAFK("sess-1")

	h := newTestHook(t)
	go d.handleRequest(context.Background(), h.conn, &protocol.Request{
		Type: protocol.TypeStatus, RequestID: "r1",
	})

	resp := h.expectResponse(t)
	assert.Equal(t, protocol.StatusReport, resp.Status)
	assert.True(t, resp.DaemonRunning)
	assert.True(t, resp.TelegramConfigured)
	assert.True(t, resp.ChatIDConfigured)
	assert.Equal(t, []string{"sess-1"}, resp.AFKSessions)
}

func TestPermissionGates(t *testing.T) {
	t.Run("not enabled", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.store.SetPairedChatID(42)

		h := newTestHook(t)
		go d.handleRequest(context.Background(), h.conn, permissionReq("r1", "sess-1", "Bash", "ls"))

		assert.Equal(t, protocol.StatusNotEnabled, h.expectResponse(t).Status)
		assert.Empty(t, ft.sentMessages())
	})

	t.Run("enabled but unpaired", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.store.EnableAFK("sess-1")

		h := newTestHook(t)
		go d.handleRequest(context.Background(), h.conn, permissionReq("r1", "sess-1", "Bash", "ls"))

		assert.Equal(t, protocol.StatusNotConfigured, h.expectResponse(t).Status)
	})

	t.Run("alwaysEnabled bypasses the AFK gate but not pairing", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.cfg.AlwaysEnabled = true

		h := newTestHook(t)
		go d.handleRequest(context.Background(), h.conn, permissionReq("r1", "sess-1", "Bash", "ls"))

		assert.Equal(t, protocol.StatusNotConfigured, h.expectResponse(t).Status)
	})

	t.Run("whitelisted tool approves immediately", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.store.SetPairedChatID(42)
		d.store.EnableAFK("sess-1")
		d.store.AddToWhitelist("sess-1", "Bash")

		h := newTestHook(t)
		go d.handleRequest(context.Background(), h.conn, permissionReq("r1", "sess-1", "Bash", "ls"))

		resp := h.expectResponse(t)
		assert.Equal(t, protocol.StatusApproved, resp.Status)
		assert.True(t, resp.BulkApproved)
		assert.Empty(t, ft.sentMessages())
	})
}

func TestPermissionPrompt(t *testing.T) {
	t.Run("sends prompt and parks the hook", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.store.SetPairedChatID(42)
		d.store.EnableAFK("sess-1")

		h := newTestHook(t)
		d.handleRequest(context.Background(), h.conn, permissionReq("r1", "sess-1", "Bash", "make test"))

		h.expectNoResponse(t)

		msg := ft.lastSent(t)
		assert.Equal(t, int64(42), msg.ChatID)
		assert.Contains(t, msg.Text, "*Permission:* Bash")
		assert.Contains(t, msg.Text, "make test")
		assert.Contains(t, msg.Text, "Reply: yes / no / all")

		pending, ok := d.store.LookupByMessageID("1")
		require.True(t, ok)
		assert.Equal(t, "sess-1", pending.SessionID)
		assert.Equal(t, "Bash", pending.ToolName)
		require.NotNil(t, d.peekParked("1"))
	})

	t.Run("non-bulk tool omits the all option", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.store.SetPairedChatID(42)
		d.store.EnableAFK("sess-1")

		h := newTestHook(t)
		d.handleRequest(context.Background(), h.conn, permissionReq("r1", "sess-1", "WebFetch", "https://example.com"))

		msg := ft.lastSent(t)
		assert.Contains(t, msg.Text, "Reply: yes / no")
		assert.NotContains(t, msg.Text, "all")
	})

	t.Run("prompt header carries project token", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.store.SetPairedChatID(42)
		d.store.EnableAFK("sess-1")

		h := newTestHook(t)
		d.handleRequest(context.Background(), h.conn, permissionReq("r1", "sess-1", "Bash", "ls"))

		msg := ft.lastSent(t)
		assert.True(t, strings.HasPrefix(msg.Text, "[proj] #proj-"), "got %q", msg.Text)
	})

	t.Run("send failure yields error status", func(t *testing.T) {
		ft := newFakeTelegram(t)
		ft.setFailSend(true)
		d := newTestDaemon(t, ft)
		d.store.SetPairedChatID(42)
		d.store.EnableAFK("sess-1")

		h := newTestHook(t)
		go d.handleRequest(context.Background(), h.conn, permissionReq("r1", "sess-1", "Bash", "ls"))

		resp := h.expectResponse(t)
		assert.Equal(t, protocol.StatusError, resp.Status)
		assert.Contains(t, resp.Message, "approval channel")
		assert.Zero(t, d.store.Count())
	})
}

func TestRetryCollapse(t *testing.T) {
	ft := newFakeTelegram(t)
	d := newTestDaemon(t, ft)
	d.store.SetPairedChatID(42)
	d.store.EnableAFK("sess-1")
	ctx := context.Background()

	// First attempt parks.
	h1 := newTestHook(t)
	d.handleRequest(ctx, h1.conn, permissionReq("r1", "sess-1", "Bash", "make test"))
	require.Equal(t, 1, d.store.Count())

	// Identical retry supersedes: old waiter released, old prompt deleted,
	// new prompt carries the retry count.
	h2 := newTestHook(t)
	d.handleRequest(ctx, h2.conn, permissionReq("r2", "sess-1", "Bash", "make test"))

	assert.Equal(t, protocol.StatusTimeoutRetry, h1.expectResponse(t).Status)
	assert.Contains(t, ft.deletedIDs(), int64(1))
	require.Equal(t, 1, d.store.Count())

	pending, ok := d.store.LookupByMessageID("2")
	require.True(t, ok)
	assert.Equal(t, 1, pending.RetryCount)

	// Second retry.
	h3 := newTestHook(t)
	d.handleRequest(ctx, h3.conn, permissionReq("r3", "sess-1", "Bash", "make test"))
	assert.Equal(t, protocol.StatusTimeoutRetry, h2.expectResponse(t).Status)

	// Third retry hits the limit: final status, nothing pending, no new prompt.
	h4 := newTestHook(t)
	go d.handleRequest(ctx, h4.conn, permissionReq("r4", "sess-1", "Bash", "make test"))

	assert.Equal(t, protocol.StatusTimeoutFinal, h4.expectResponse(t).Status)
	assert.Equal(t, protocol.StatusTimeoutRetry, h3.expectResponse(t).Status)
	assert.Zero(t, d.store.Count())
	assert.Len(t, ft.sentMessages(), 3, "no prompt for the final attempt")
}

func TestRetryTripleScopedToSessionAndCommand(t *testing.T) {
	ft := newFakeTelegram(t)
	d := newTestDaemon(t, ft)
	d.store.SetPairedChatID(42)
	d.store.EnableAFK("sess-1")
	d.store.EnableAFK("sess-2")
	ctx := context.Background()

	h1 := newTestHook(t)
	d.handleRequest(ctx, h1.conn, permissionReq("r1", "sess-1", "Bash", "make test"))

	// A different command and a different session both get their own prompts.
	h2 := newTestHook(t)
	d.handleRequest(ctx, h2.conn, permissionReq("r2", "sess-1", "Bash", "make build"))
	h3 := newTestHook(t)
	d.handleRequest(ctx, h3.conn, permissionReq("r3", "sess-2", "Bash", "make test"))

	h1.expectNoResponse(t)
	assert.Equal(t, 3, d.store.Count())
}

func TestRequestTimeout(t *testing.T) {
	t.Run("expired permission prompt", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.cfg.PermissionTimeout = 0
		d.store.SetPairedChatID(42)
		d.store.EnableAFK("sess-1")

		h := newTestHook(t)
		d.handleRequest(context.Background(), h.conn, permissionReq("r1", "sess-1", "Bash", "make deploy"))

		resp := h.expectResponse(t)
		assert.Equal(t, protocol.StatusTimeoutRetry, resp.Status)
		assert.Equal(t, "r1", resp.RequestID)

		// The claim ran before the reply was written: nothing pending, no
		// parked residue, prompt retracted.
		assert.Zero(t, d.store.Count())
		assert.Nil(t, d.peekParked("1"))
		assert.Contains(t, ft.deletedIDs(), int64(1))
	})

	t.Run("expired stop notification", func(t *testing.T) {
		ft := newFakeTelegram(t)
		d := newTestDaemon(t, ft)
		d.cfg.StopFollowupTimeout = 0
		d.store.SetPairedChatID(42)
		d.store.EnableAFK("sess-1")

		h := newTestHook(t)
		d.handleRequest(context.Background(), h.conn, &protocol.Request{
			Type:      protocol.TypeStopRequest,
			RequestID: "r1",
			SessionID: "sess-1",
			CWD:       "/home/user/proj",
		})

		resp := h.expectResponse(t)
		assert.Equal(t, protocol.StatusTimeoutRetry, resp.Status)
		assert.Zero(t, d.store.Count())
		assert.Contains(t, ft.deletedIDs(), int64(1))
	})
}

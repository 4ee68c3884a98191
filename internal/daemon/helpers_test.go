package daemon

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/afk-tools/claude-afk/internal/config"
	"github.com/afk-tools/claude-afk/internal/protocol"
	"github.com/afk-tools/claude-afk/internal/state"
	"github.com/afk-tools/claude-afk/internal/telegram"
)

// fakeTelegram is an httptest Bot API recording everything the daemon sends.
type fakeTelegram struct {
	srv *httptest.Server

	mu       sync.Mutex
	sent     []sentMessage
	deleted  []int64
	updates  []telegram.Update
	nextID   int64
	failSend bool
}

type sentMessage struct {
	ChatID    int64
	Text      string
	MessageID int64
}

func newFakeTelegram(t *testing.T) *fakeTelegram {
	ft := &fakeTelegram{}
	ft.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ft.mu.Lock()
		defer ft.mu.Unlock()

		switch r.URL.Path {
		case "/sendMessage":
			if ft.failSend {
				json.NewEncoder(w).Encode(map[string]any{
					"ok": false, "error_code": 400, "description": "Bad Request",
				})
				return
			}
			var payload struct {
				ChatID int64  `json:"chat_id"`
				Text   string `json:"text"`
			}
			json.NewDecoder(r.Body).Decode(&payload)
			ft.nextID++
			ft.sent = append(ft.sent, sentMessage{ChatID: payload.ChatID, Text: payload.Text, MessageID: ft.nextID})
			json.NewEncoder(w).Encode(map[string]any{
				"ok": true, "result": map[string]any{"message_id": ft.nextID},
			})
		case "/deleteMessage":
			var payload struct {
				MessageID int64 `json:"message_id"`
			}
			json.NewDecoder(r.Body).Decode(&payload)
			ft.deleted = append(ft.deleted, payload.MessageID)
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": true})
		case "/getUpdates":
			res := ft.updates
			if res == nil {
				res = []telegram.Update{}
			}
			ft.updates = nil
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": res})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ft.srv.Close)
	return ft
}

func (ft *fakeTelegram) sentMessages() []sentMessage {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]sentMessage(nil), ft.sent...)
}

func (ft *fakeTelegram) lastSent(t *testing.T) sentMessage {
	t.Helper()
	msgs := ft.sentMessages()
	if len(msgs) == 0 {
		t.Fatal("no messages sent")
	}
	return msgs[len(msgs)-1]
}

func (ft *fakeTelegram) deletedIDs() []int64 {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]int64(nil), ft.deleted...)
}

// queueUpdate makes the next getUpdates poll return u.
func (ft *fakeTelegram) queueUpdate(u telegram.Update) {
	ft.mu.Lock()
	ft.updates = append(ft.updates, u)
	ft.mu.Unlock()
}

func (ft *fakeTelegram) setFailSend(fail bool) {
	ft.mu.Lock()
	ft.failSend = fail
	ft.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestDaemon builds a daemon wired to a fake Telegram backend, without
// running the accept or polling loops.
func newTestDaemon(t *testing.T, ft *fakeTelegram) *Daemon {
	t.Helper()
	cfg := config.DefaultConfig()
	store := state.New(filepath.Join(t.TempDir(), "state.json"), discardLogger())
	tg := telegram.NewWithBaseURL(ft.srv.URL)
	return New(cfg, store, tg, "", "", discardLogger())
}

// testHook is one simulated hook client over an in-memory pipe. The client
// side drains replies into a channel so daemon-side writes never block.
type testHook struct {
	conn      *hookConn
	client    net.Conn
	responses chan *protocol.Response
}

func newTestHook(t *testing.T) *testHook {
	t.Helper()
	server, client := net.Pipe()
	h := &testHook{
		conn:      newHookConn(server),
		client:    client,
		responses: make(chan *protocol.Response, 16),
	}
	go func() {
		sc := bufio.NewScanner(client)
		for sc.Scan() {
			var resp protocol.Response
			if json.Unmarshal(sc.Bytes(), &resp) == nil {
				h.responses <- &resp
			}
		}
	}()
	t.Cleanup(func() {
		client.Close()
		h.conn.Close()
	})
	return h
}

func (h *testHook) expectResponse(t *testing.T) *protocol.Response {
	t.Helper()
	select {
	case resp := <-h.responses:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
		return nil
	}
}

func (h *testHook) expectNoResponse(t *testing.T) {
	t.Helper()
	select {
	case resp := <-h.responses:
		t.Fatalf("unexpected response: %+v", resp)
	case <-time.After(100 * time.Millisecond):
	}
}

func permissionReq(requestID, sessionID, tool, message string) *protocol.Request {
	return &protocol.Request{
		Type:      protocol.TypePermissionRequest,
		RequestID: requestID,
		SessionID: sessionID,
		ToolName:  tool,
		Message:   message,
		CWD:       "/home/user/proj",
	}
}

func chatMessage(chatID int64, text string) *telegram.Message {
	return &telegram.Message{
		MessageID: 9000,
		Chat:      telegram.Chat{ID: chatID},
		Date:      time.Now().Unix(),
		Text:      text,
	}
}

func replyMessage(chatID, replyToID int64, text string) *telegram.Message {
	msg := chatMessage(chatID, text)
	msg.ReplyTo = &telegram.Message{MessageID: replyToID, Chat: telegram.Chat{ID: chatID}}
	return msg
}

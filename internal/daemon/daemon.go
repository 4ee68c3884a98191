// Package daemon implements the singleton coordination daemon bridging
// short-lived hook processes with a Telegram approval channel. Hook clients
// connect over a local socket and block on one request/response exchange;
// background loops reconcile Telegram replies, transcript-detected local
// resolutions and socket closures into exactly one verdict per hook.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/afk-tools/claude-afk/internal/config"
	"github.com/afk-tools/claude-afk/internal/protocol"
	"github.com/afk-tools/claude-afk/internal/state"
	"github.com/afk-tools/claude-afk/internal/telegram"
)

// parkedReply is the in-memory handle on a blocked hook. It lives only in
// memory, as a write-through companion to the persisted PendingRequest: every
// resolution path that removes the pending also pops this entry.
type parkedReply struct {
	conn        *hookConn
	requestID   string
	sessionID   string
	toolName    string
	bulkAllowed bool
	kind        state.RequestKind
	timer       *time.Timer
}

type Daemon struct {
	cfg        *config.Config
	socketPath string
	lockPath   string
	listener   net.Listener
	logger     *slog.Logger
	store      *state.Store
	tg         *telegram.Client

	mu     sync.Mutex
	parked map[string]*parkedReply // messageID → blocked hook
	conns  map[string]*hookConn

	updateOffset   int64
	conflictStreak int

	// Overlap guards: a tick is a no-op while the previous one runs.
	pollBusy atomic.Bool
	scanBusy atomic.Bool

	// mtime cache for the transcript-scan optimization.
	lastMtime map[string]time.Time

	cancelRun context.CancelFunc
	now       func() time.Time
}

func New(cfg *config.Config, store *state.Store, tg *telegram.Client, socketPath, lockPath string, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Daemon{
		cfg:        cfg,
		socketPath: socketPath,
		lockPath:   lockPath,
		logger:     logger,
		store:      store,
		tg:         tg,
		parked:     make(map[string]*parkedReply),
		conns:      make(map[string]*hookConn),
		lastMtime:  make(map[string]time.Time),
		now:        time.Now,
	}
}

// Run acquires the singleton lock, recovers persisted state, starts the
// background loops and serves hook connections until ctx is canceled or the
// daemon self-terminates on a Telegram long-poll conflict.
func (d *Daemon) Run(ctx context.Context) error {
	lock, err := AcquireLock(d.lockPath)
	if err != nil {
		return fmt.Errorf("singleton gate: %w", err)
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(ctx)
	d.cancelRun = cancel
	defer cancel()

	d.recoverOrphans(ctx)

	socketDir := filepath.Dir(d.socketPath)
	if err := config.EnsureDir(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	// Remove stale socket only if it cannot be connected to
	if conn, err := net.DialTimeout("unix", d.socketPath, 200*time.Millisecond); err == nil {
		conn.Close()
		return fmt.Errorf("another daemon is already listening on %s", d.socketPath)
	}
	os.Remove(d.socketPath)

	d.listener, err = net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := os.Chmod(d.socketPath, 0600); err != nil {
		d.listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	d.logger.Info("daemon started",
		"socket", d.socketPath,
		"telegram_configured", d.tg.Configured(),
		"paired", d.store.PairedChatID() != 0,
	)

	go d.pollLoop(ctx)
	if d.cfg.TranscriptPolling.Enabled {
		go d.scanLoop(ctx)
	}

	go func() {
		<-ctx.Done()
		d.listener.Close()
	}()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				d.shutdown()
				return nil
			}
			d.logger.Error("accept error", "error", err)
			continue
		}
		go d.handleConnection(ctx, conn)
	}
}

// shutdown closes every live hook connection — blocked hooks see EOF and fall
// through to the host's own prompt — and removes the socket.
func (d *Daemon) shutdown() {
	d.logger.Info("shutting down")

	d.mu.Lock()
	for _, c := range d.conns {
		c.Close()
	}
	for id, p := range d.parked {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(d.parked, id)
	}
	d.mu.Unlock()

	os.Remove(d.socketPath)
}

// recoverOrphans notifies the paired user about prompts that survived a
// previous daemon's death, then clears them. The hooks behind them are gone.
func (d *Daemon) recoverOrphans(ctx context.Context) {
	orphans := d.store.TakeOrphans()
	if len(orphans) == 0 {
		return
	}
	d.logger.Info("clearing orphaned pending requests", "count", len(orphans))

	chatID := d.store.PairedChatID()
	if chatID == 0 || !d.tg.Configured() {
		return
	}
	for _, req := range orphans {
		desc := string(req.Kind)
		if req.ToolName != "" {
			desc = req.ToolName + ": " + req.CommandText
		}
		text := fmt.Sprintf("Daemon restarted; previous request expired: %s. Please re-run if still needed.", desc)
		if _, err := d.tg.SendMessage(ctx, chatID, text, false); err != nil {
			d.logger.Warn("orphan notice failed", "message_id", req.MessageID, "error", err)
		}
		d.deleteRemoteMessage(ctx, req.MessageID)
	}
}

func (d *Daemon) handleConnection(ctx context.Context, netConn net.Conn) {
	conn := newHookConn(netConn)

	d.mu.Lock()
	d.conns[conn.ID] = conn
	d.mu.Unlock()

	defer func() {
		conn.Close()
		d.mu.Lock()
		delete(d.conns, conn.ID)
		d.mu.Unlock()
	}()

	for {
		line, err := conn.ReadLine()
		if err != nil {
			conn.markClosed()
			return
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			conn.WriteJSON(protocol.NewErrorResponse("", "invalid request JSON"))
			continue
		}
		if err := protocol.Validate(&req); err != nil {
			conn.WriteJSON(protocol.NewErrorResponse(req.RequestID, err.Error()))
			continue
		}

		d.handleRequest(ctx, conn, &req)
	}
}

// park stores the blocked hook's reply handle keyed by the prompt message id.
// Callers park before inserting the pending and arm the timeout after, so no
// resolution path can ever claim a pending whose parked entry is missing.
func (d *Daemon) park(messageID string, p *parkedReply) {
	d.mu.Lock()
	d.parked[messageID] = p
	d.mu.Unlock()
}

// armRequestTimeout starts the per-request timer. A no-op when another
// resolution path already claimed the request.
func (d *Daemon) armRequestTimeout(ctx context.Context, messageID string, timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.parked[messageID]
	if !ok {
		return
	}
	p.timer = time.AfterFunc(timeout, func() {
		d.timeoutRequest(ctx, messageID)
	})
}

// popParked removes and returns the parked reply, nil if absent.
func (d *Daemon) popParked(messageID string) *parkedReply {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.parked[messageID]
	delete(d.parked, messageID)
	return p
}

// peekParked returns the parked reply without removing it.
func (d *Daemon) peekParked(messageID string) *parkedReply {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parked[messageID]
}

// claim atomically resolves the race between the four resolution paths:
// whichever removes the pending first owns delivery, every other path
// observes absence and no-ops. Stops the request timer.
func (d *Daemon) claim(messageID string) (*state.PendingRequest, *parkedReply, bool) {
	req, ok := d.store.RemoveByMessageID(messageID)
	if !ok {
		return nil, nil, false
	}
	p := d.popParked(messageID)
	if p != nil && p.timer != nil {
		p.timer.Stop()
	}
	d.mu.Lock()
	delete(d.lastMtime, messageID)
	d.mu.Unlock()
	return req, p, true
}

// timeoutRequest is the per-request timeout path.
func (d *Daemon) timeoutRequest(ctx context.Context, messageID string) {
	req, p, ok := d.claim(messageID)
	if !ok {
		return
	}
	d.logger.Info("request timed out", "message_id", messageID, "session", req.SessionID)
	d.deleteRemoteMessage(ctx, messageID)

	if p != nil && !p.conn.Closed() {
		resp := protocol.NewResponse(p.requestID, protocol.StatusTimeoutRetry)
		p.conn.WriteJSON(resp)
	}
}

// deleteRemoteMessage best-effort deletes the prompt in the paired chat.
// Telegram refuses deletes outside its window; never fatal.
func (d *Daemon) deleteRemoteMessage(ctx context.Context, messageID string) {
	chatID := d.store.PairedChatID()
	if chatID == 0 || !d.tg.Configured() {
		return
	}
	var id int64
	if _, err := fmt.Sscanf(messageID, "%d", &id); err != nil {
		return
	}
	if err := d.tg.DeleteMessage(ctx, chatID, id); err != nil {
		d.logger.Debug("delete message failed", "message_id", messageID, "error", err)
	}
}

// sendToChat sends a notice to the paired chat, logging failures.
func (d *Daemon) sendToChat(ctx context.Context, text string, markdown bool) {
	chatID := d.store.PairedChatID()
	if chatID == 0 || !d.tg.Configured() {
		return
	}
	if _, err := d.tg.SendMessage(ctx, chatID, text, markdown); err != nil {
		d.logger.Warn("chat notice failed", "error", err)
	}
}

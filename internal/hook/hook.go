// Package hook implements the short-lived shim the host runs on permission
// and task-completion events. It forwards one request to the daemon over the
// local socket, blocks for the verdict, and prints the host's hook output.
// Every failure is fail-open: the shim prints nothing and exits zero, so the
// host falls back to its own prompt UI.
package hook

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/afk-tools/claude-afk/internal/config"
	"github.com/afk-tools/claude-afk/internal/protocol"
	"github.com/afk-tools/claude-afk/internal/terminal"
	"github.com/afk-tools/claude-afk/internal/transcript"
)

// Event is the host's hook event payload, read from stdin.
type Event struct {
	SessionID      string         `json:"session_id"`
	TranscriptPath string         `json:"transcript_path"`
	CWD            string         `json:"cwd"`
	HookEventName  string         `json:"hook_event_name"`
	ToolName       string         `json:"tool_name,omitempty"`
	ToolInput      map[string]any `json:"tool_input,omitempty"`
}

// ReadEvent parses a hook event from r.
func ReadEvent(r io.Reader) (*Event, error) {
	var ev Event
	if err := json.NewDecoder(r).Decode(&ev); err != nil {
		return nil, fmt.Errorf("parse hook event: %w", err)
	}
	if ev.SessionID == "" {
		return nil, fmt.Errorf("hook event missing session_id")
	}
	return &ev, nil
}

// permissionOutput is the host's PreToolUse hook output shape.
type permissionOutput struct {
	HookSpecificOutput struct {
		HookEventName            string `json:"hookEventName"`
		PermissionDecision       string `json:"permissionDecision"`
		PermissionDecisionReason string `json:"permissionDecisionReason"`
	} `json:"hookSpecificOutput"`
}

// stopOutput is the host's Stop hook output shape; "block" continues the
// session with the given reason as instructions.
type stopOutput struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// RunPermission handles one PreToolUse event end to end.
func RunPermission(in io.Reader, out io.Writer, cfg *config.Config) error {
	ev, err := ReadEvent(in)
	if err != nil {
		return nil // fail open
	}

	req := &protocol.Request{
		Type:           protocol.TypePermissionRequest,
		RequestID:      uuid.New().String(),
		SessionID:      ev.SessionID,
		TerminalID:     terminal.ResolveID(),
		ToolName:       ev.ToolName,
		Message:        transcript.FormatToolInput(ev.ToolName, ev.ToolInput),
		TranscriptPath: ev.TranscriptPath,
		CWD:            ev.CWD,
	}

	timeout := time.Duration(cfg.HookTimeouts.PermissionRequest) * time.Second

	// A timeout_retry verdict means the prompt expired unanswered; re-send
	// after the retry interval. The daemon collapses repeats of the same
	// (session, tool, command) and answers timeout_final past the retry cap.
	var resp *protocol.Response
	for attempt := 0; ; attempt++ {
		var err error
		resp, err = Exchange(req, timeout)
		if err != nil || resp == nil {
			return nil // fail open
		}
		if resp.Status != protocol.StatusTimeoutRetry || attempt+1 >= cfg.MaxRetries {
			break
		}
		time.Sleep(cfg.RetryIntervalDuration())
		req.RequestID = uuid.New().String()
	}

	switch resp.Status {
	case protocol.StatusApproved:
		reason := "Approved via Telegram"
		if resp.BulkApproved {
			reason = "Auto-approved (bulk approval)"
		}
		return writePermissionDecision(out, "allow", reason)
	case protocol.StatusDenied:
		reason := resp.Message
		if reason == "" {
			reason = "Denied via Telegram"
		}
		return writePermissionDecision(out, "deny", reason)
	default:
		// not_enabled, not_configured, timeouts, resolved_locally, errors:
		// no output, host uses its own prompt.
		return nil
	}
}

func writePermissionDecision(out io.Writer, decision, reason string) error {
	var po permissionOutput
	po.HookSpecificOutput.HookEventName = "PreToolUse"
	po.HookSpecificOutput.PermissionDecision = decision
	po.HookSpecificOutput.PermissionDecisionReason = reason
	return json.NewEncoder(out).Encode(&po)
}

// RunStop handles one Stop event end to end.
func RunStop(in io.Reader, out io.Writer, cfg *config.Config) error {
	ev, err := ReadEvent(in)
	if err != nil {
		return nil
	}

	req := &protocol.Request{
		Type:           protocol.TypeStopRequest,
		RequestID:      uuid.New().String(),
		SessionID:      ev.SessionID,
		TerminalID:     terminal.ResolveID(),
		TranscriptPath: ev.TranscriptPath,
		CWD:            ev.CWD,
	}

	timeout := time.Duration(cfg.HookTimeouts.Stop) * time.Second
	resp, err := Exchange(req, timeout)
	if err != nil || resp == nil {
		return nil
	}

	if resp.Status == protocol.StatusContinue && resp.Instructions != "" {
		return json.NewEncoder(out).Encode(&stopOutput{Decision: "block", Reason: resp.Instructions})
	}
	return nil
}

// RunSessionStart records the terminal→session binding the daemon's
// resolution watcher uses to detect host restarts.
func RunSessionStart(in io.Reader) error {
	ev, err := ReadEvent(in)
	if err != nil {
		return nil
	}
	return terminal.WriteBinding(terminal.ResolveID(), &terminal.Binding{
		SessionID:  ev.SessionID,
		ProjectDir: ev.CWD,
	})
}

// Exchange ensures the daemon is running, sends one request and blocks for
// the matching reply.
func Exchange(req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	socketPath, err := config.SocketPath()
	if err != nil {
		return nil, err
	}
	lockPath, err := config.StartLockFilePath()
	if err != nil {
		return nil, err
	}
	if err := EnsureDaemon(socketPath, lockPath); err != nil {
		return nil, err
	}
	return ExchangeOn(socketPath, req, timeout)
}

// ExchangeOn performs the request/response exchange against a specific
// socket. Split out for tests.
func ExchangeOn(socketPath string, req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		var resp protocol.Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}
		if resp.RequestID != req.RequestID {
			continue
		}
		return &resp, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("connection closed before reply")
}

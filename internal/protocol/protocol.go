// Package protocol defines the line-delimited JSON frames exchanged between
// hook shims and the daemon over the local socket. One JSON object per line,
// both directions. Requests echo request_id on the reply.
package protocol

import "fmt"

// Request types.
const (
	TypePermissionRequest = "permission_request"
	TypeStopRequest       = "stop_request"
	TypeEnableAFK         = "enable_afk"
	TypeDisableAFK        = "disable_afk"
	TypeStatus            = "status"
)

// Reply status values.
const (
	StatusApproved        = "approved"
	StatusDenied          = "denied"
	StatusContinue        = "continue"
	StatusStop            = "stop"
	StatusNotEnabled      = "not_enabled"
	StatusNotConfigured   = "not_configured"
	StatusTimeoutRetry    = "timeout_retry"
	StatusTimeoutFinal    = "timeout_final"
	StatusResolvedLocally = "resolved_locally"
	StatusEnabled         = "enabled"
	StatusDisabled        = "disabled"
	StatusError           = "error"
	StatusReport          = "status_response"
)

// Request is a hook-side frame. Fields beyond Type, RequestID and SessionID
// are populated per request type.
type Request struct {
	Type           string `json:"type"`
	RequestID      string `json:"request_id"`
	SessionID      string `json:"session_id"`
	TerminalID     string `json:"terminal_id,omitempty"`
	ToolName       string `json:"tool_name,omitempty"`
	Message        string `json:"message,omitempty"`
	TranscriptPath string `json:"transcript_path,omitempty"`
	CWD            string `json:"cwd,omitempty"`
}

// Response is a daemon-side frame. Type is always "response"; RequestID
// echoes the request. The status-report fields are only set for the status
// request type.
type Response struct {
	Type         string `json:"type"`
	RequestID    string `json:"request_id"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Resolution   string `json:"resolution,omitempty"`
	BulkApproved bool   `json:"bulk_approved,omitempty"`

	DaemonRunning       bool                `json:"daemon_running,omitempty"`
	TelegramConfigured  bool                `json:"telegram_configured,omitempty"`
	ChatIDConfigured    bool                `json:"chat_id_configured,omitempty"`
	AFKSessions         []string            `json:"afk_sessions,omitempty"`
	PendingRequests     int                 `json:"pending_requests,omitempty"`
	AlwaysEnabled       bool                `json:"always_enabled,omitempty"`
	BulkApprovalTools   []string            `json:"bulk_approval_tools,omitempty"`
	SessionWhitelists   map[string][]string `json:"session_whitelists,omitempty"`
}

// NewResponse builds a reply frame echoing the given request id.
func NewResponse(requestID, status string) *Response {
	return &Response{
		Type:      "response",
		RequestID: requestID,
		Status:    status,
	}
}

// NewErrorResponse builds an error reply with a human-readable message.
func NewErrorResponse(requestID, message string) *Response {
	resp := NewResponse(requestID, StatusError)
	resp.Message = message
	return resp
}

// Validate checks structural requirements for an inbound request.
func Validate(req *Request) error {
	switch req.Type {
	case TypePermissionRequest, TypeStopRequest, TypeEnableAFK, TypeDisableAFK, TypeStatus:
	default:
		return fmt.Errorf("unknown request type %q", req.Type)
	}
	if req.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if req.Type != TypeStatus && req.SessionID == "" {
		return fmt.Errorf("session_id is required for %s", req.Type)
	}
	if req.Type == TypePermissionRequest && req.ToolName == "" {
		return fmt.Errorf("tool_name is required for %s", req.Type)
	}
	return nil
}

// Package state holds the daemon's single source of truth: the paired chat,
// the AFK-enabled session set, per-session tool whitelists and the
// dual-indexed set of in-flight prompts. Every mutation is written through to
// disk so a restarted daemon can notify about orphaned prompts.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/afk-tools/claude-afk/internal/config"
)

// RequestKind distinguishes the two prompt flavors.
type RequestKind string

const (
	KindPermission RequestKind = "permission"
	KindStop       RequestKind = "stop"
)

// PendingRequest is an in-flight prompt awaiting a verdict. MessageID is the
// Telegram message id of the prompt, stringified: Telegram ids are int64 but
// JSON objects cannot key on integers.
type PendingRequest struct {
	MessageID         string      `json:"message_id"`
	SessionID         string      `json:"session_id"`
	Kind              RequestKind `json:"kind"`
	ToolName          string      `json:"tool_name,omitempty"`
	CommandText       string      `json:"command_text,omitempty"`
	ToolUseID         string      `json:"tool_use_id,omitempty"`
	TranscriptPath    string      `json:"transcript_path,omitempty"`
	ProjectDir        string      `json:"project_dir,omitempty"`
	TerminalID        string      `json:"terminal_id,omitempty"`
	LastScannedOffset int         `json:"last_scanned_offset"`
	FirstSeenAt       time.Time   `json:"first_seen_at"`
	CorrelationID     string      `json:"correlation_id"`
	RetryCount        int         `json:"retry_count"`
}

// processState is the on-disk shape, pretty-printed JSON.
type processState struct {
	PairedChatID      int64                      `json:"paired_chat_id,omitempty"`
	AFKEnabled        []string                   `json:"afk_enabled"`
	PendingRequests   map[string]*PendingRequest `json:"pending_requests"`
	RequestsBySession map[string][]string        `json:"requests_by_session"`
	SessionWhitelists map[string][]string        `json:"session_whitelists"`
}

// Store guards all shared daemon state behind one mutex. Critical sections
// are short (map mutation plus a JSON write), contention is tens of hook
// clients at most.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger

	pairedChatID int64
	afk          map[string]bool
	whitelists   map[string]map[string]bool
	pending      map[string]*PendingRequest
	bySession    map[string][]string

	// Session registry: transient, rebuilt as sessions re-register.
	sessions map[string]*sessionInfo
}

// New creates a store persisting to path. Existing state is loaded; a missing
// or malformed file starts empty.
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	s := &Store{
		path:       path,
		logger:     logger,
		afk:        make(map[string]bool),
		whitelists: make(map[string]map[string]bool),
		pending:    make(map[string]*PendingRequest),
		bySession:  make(map[string][]string),
		sessions:   make(map[string]*sessionInfo),
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("state load failed, starting empty", "error", err)
		}
		return
	}
	var ps processState
	if err := json.Unmarshal(data, &ps); err != nil {
		s.logger.Warn("state file malformed, starting empty", "error", err)
		return
	}

	s.pairedChatID = ps.PairedChatID
	for _, id := range ps.AFKEnabled {
		s.afk[id] = true
	}
	for sid, tools := range ps.SessionWhitelists {
		set := make(map[string]bool, len(tools))
		for _, t := range tools {
			set[t] = true
		}
		s.whitelists[sid] = set
	}
	if ps.PendingRequests != nil {
		s.pending = ps.PendingRequests
	}
	if ps.RequestsBySession != nil {
		s.bySession = ps.RequestsBySession
	}
}

// persistLocked serializes the full state. Failures are logged, never fatal:
// the next mutation retries.
func (s *Store) persistLocked() {
	ps := processState{
		PairedChatID:      s.pairedChatID,
		AFKEnabled:        sortedKeys(s.afk),
		PendingRequests:   s.pending,
		RequestsBySession: s.bySession,
		SessionWhitelists: make(map[string][]string, len(s.whitelists)),
	}
	for sid, set := range s.whitelists {
		ps.SessionWhitelists[sid] = sortedKeys(set)
	}

	data, err := json.MarshalIndent(&ps, "", "  ")
	if err != nil {
		s.logger.Error("state marshal failed", "error", err)
		return
	}
	data = append(data, '\n')
	if err := config.AtomicWriteFile(s.path, data, 0600); err != nil {
		s.logger.Error("state write failed", "path", s.path, "error", err)
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PairedChatID returns the paired chat, 0 when unpaired.
func (s *Store) PairedChatID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairedChatID
}

// SetPairedChatID records the chat pairing. Write-once per daemon lifetime:
// a second pairing attempt is ignored.
func (s *Store) SetPairedChatID(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pairedChatID != 0 {
		return false
	}
	s.pairedChatID = id
	s.persistLocked()
	return true
}

// EnableAFK adds the session to the AFK-enabled set.
func (s *Store) EnableAFK(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afk[sessionID] = true
	s.persistLocked()
}

// DisableAFK removes the session from the AFK set and discards its whitelist.
func (s *Store) DisableAFK(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.afk, sessionID)
	delete(s.whitelists, sessionID)
	s.persistLocked()
}

func (s *Store) IsAFKEnabled(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.afk[sessionID]
}

// AFKSessions returns the enabled session ids, sorted.
func (s *Store) AFKSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.afk)
}

// AddToWhitelist records a bulk approval of tool for the session.
func (s *Store) AddToWhitelist(sessionID, tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.whitelists[sessionID]
	if set == nil {
		set = make(map[string]bool)
		s.whitelists[sessionID] = set
	}
	set[tool] = true
	s.persistLocked()
}

func (s *Store) IsWhitelisted(sessionID, tool string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.whitelists[sessionID][tool]
}

// Whitelists returns a copy of every session's whitelist, sorted.
func (s *Store) Whitelists() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.whitelists))
	for sid, set := range s.whitelists {
		out[sid] = sortedKeys(set)
	}
	return out
}

// Insert adds a pending request to both indices and persists.
func (s *Store) Insert(req *PendingRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[req.MessageID] = req
	s.bySession[req.SessionID] = append(s.bySession[req.SessionID], req.MessageID)
	s.persistLocked()
}

// RemoveByMessageID deletes the request from both indices. Returns the
// removed request, or ok=false if it was already gone — resolution paths race
// and the losers observe absence.
func (s *Store) RemoveByMessageID(messageID string) (*PendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[messageID]
	if !ok {
		return nil, false
	}
	s.removeLocked(req)
	s.persistLocked()
	return req, true
}

func (s *Store) removeLocked(req *PendingRequest) {
	delete(s.pending, req.MessageID)
	ids := s.bySession[req.SessionID]
	for i, id := range ids {
		if id == req.MessageID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.bySession, req.SessionID)
	} else {
		s.bySession[req.SessionID] = ids
	}
}

// LookupByMessageID returns a copy of the request.
func (s *Store) LookupByMessageID(messageID string) (*PendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[messageID]
	if !ok {
		return nil, false
	}
	cp := *req
	return &cp, true
}

// FindBySessionToolCommand locates an existing pending matching the retry
// triple. At most one exists per (session, tool, command).
func (s *Store) FindBySessionToolCommand(sessionID, tool, command string) (*PendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.bySession[sessionID] {
		req := s.pending[id]
		if req != nil && req.Kind == KindPermission && req.ToolName == tool && req.CommandText == command {
			cp := *req
			return &cp, true
		}
	}
	return nil, false
}

// ListBySession returns copies of the session's pending requests in insertion
// order.
func (s *Store) ListBySession(sessionID string) []*PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.bySession[sessionID]
	out := make([]*PendingRequest, 0, len(ids))
	for _, id := range ids {
		if req := s.pending[id]; req != nil {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out
}

// SessionsWithPending returns the session ids that currently have pending
// requests, sorted.
func (s *Store) SessionsWithPending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.bySession))
	for sid := range s.bySession {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of pending requests.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Single returns the sole pending request if exactly one exists. Used by the
// reply dispatcher's single-pending fallback.
func (s *Store) Single() (*PendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) != 1 {
		return nil, false
	}
	for _, req := range s.pending {
		cp := *req
		return &cp, true
	}
	return nil, false
}

// IncrementRetry bumps the retry counter and returns the new value.
func (s *Store) IncrementRetry(messageID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[messageID]
	if !ok {
		return 0, false
	}
	req.RetryCount++
	s.persistLocked()
	return req.RetryCount, true
}

// AdvanceOffset records the transcript scan position for the next tick.
func (s *Store) AdvanceOffset(messageID string, offset int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[messageID]
	if !ok || req.LastScannedOffset == offset {
		return
	}
	req.LastScannedOffset = offset
	s.persistLocked()
}

// RemoveSession drops every pending request owned by the session and returns
// the removed requests. Used when a session is declared expired.
func (s *Store) RemoveSession(sessionID string) []*PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := append([]string(nil), s.bySession[sessionID]...)
	out := make([]*PendingRequest, 0, len(ids))
	for _, id := range ids {
		if req, ok := s.pending[id]; ok {
			s.removeLocked(req)
			out = append(out, req)
		}
	}
	delete(s.afk, sessionID)
	delete(s.whitelists, sessionID)
	if len(out) > 0 {
		s.persistLocked()
	}
	return out
}

// TakeOrphans returns all pending requests loaded from disk and clears both
// indices. The hooks behind them died with the previous daemon; the caller
// notifies the paired user once per orphan. Pairing, AFK set and whitelists
// survive.
func (s *Store) TakeOrphans() []*PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 && len(s.bySession) == 0 {
		return nil
	}
	out := make([]*PendingRequest, 0, len(s.pending))
	for _, req := range s.pending {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	s.pending = make(map[string]*PendingRequest)
	s.bySession = make(map[string][]string)
	s.persistLocked()
	return out
}

// CheckIntegrity verifies the dual-index invariant: every pending message id
// appears exactly once under its owning session and vice versa.
func (s *Store) CheckIntegrity() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, req := range s.pending {
		found := false
		for _, sid := range s.bySession[req.SessionID] {
			if sid == id {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("pending %s missing from session index %s", id, req.SessionID)
		}
	}
	for sid, ids := range s.bySession {
		for _, id := range ids {
			req, ok := s.pending[id]
			if !ok {
				return fmt.Errorf("session index %s references missing pending %s", sid, id)
			}
			if req.SessionID != sid {
				return fmt.Errorf("pending %s owned by %s but indexed under %s", id, req.SessionID, sid)
			}
		}
	}
	return nil
}

package state

import (
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

// sessionInfo is the in-memory registry entry for a host session. Tokens are
// not persisted: a restarted daemon re-registers sessions as requests arrive.
type sessionInfo struct {
	projectDir string
	slug       string
	token      string
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases the basename of dir and collapses non-alphanumeric runs
// to single dashes.
func Slugify(dir string) string {
	base := strings.ToLower(filepath.Base(dir))
	slug := nonAlnum.ReplaceAllString(base, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "project"
	}
	return slug
}

func randomSuffix() string {
	buf := make([]byte, 2)
	if _, err := rand.Read(buf); err != nil {
		return "0000"
	}
	return hex.EncodeToString(buf)
}

// RegisterSession records a session on first reference and mints its short
// token (<slug>-<4 hex>). Idempotent: re-registration returns the existing
// token.
func (s *Store) RegisterSession(sessionID, projectDir string) (slug, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.sessions[sessionID]; ok {
		return info.slug, info.token
	}
	slug = Slugify(projectDir)
	token = slug + "-" + randomSuffix()
	s.sessions[sessionID] = &sessionInfo{projectDir: projectDir, slug: slug, token: token}
	return slug, token
}

// SessionToken returns the short token for a registered session.
func (s *Store) SessionToken(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.sessions[sessionID]
	if !ok {
		return "", false
	}
	return info.token, true
}

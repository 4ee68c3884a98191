package terminal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"tty-pts/3", "tty-pts-3"},
		{"w0t1p2:ABCD-1234", "w0t1p2-ABCD-1234"},
		{"plain_id.0", "plain_id.0"},
		{"///", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), "input %q", tt.in)
	}
}

func TestResolveID(t *testing.T) {
	t.Run("env identifiers win in priority order", func(t *testing.T) {
		t.Setenv("WT_SESSION", "wt-abc")
		t.Setenv("TERM_SESSION_ID", "term-def")
		assert.Equal(t, "wt-abc", ResolveID())

		t.Setenv("WT_SESSION", "")
		assert.Equal(t, "term-def", ResolveID())
	})

	t.Run("always yields something", func(t *testing.T) {
		t.Setenv("WT_SESSION", "")
		t.Setenv("TERM_SESSION_ID", "")
		t.Setenv("ITERM_SESSION_ID", "")
		assert.NotEmpty(t, ResolveID())
	})
}

func TestBindingRoundTrip(t *testing.T) {
	t.Setenv("CLAUDE_AFK_SESSIONS_DIR", t.TempDir())

	require.NoError(t, WriteBinding("tty-pts/3", &Binding{
		SessionID:  "sess-1",
		ProjectDir: "/home/user/proj",
	}))

	b, ok := LoadBinding("tty-pts/3")
	require.True(t, ok)
	assert.Equal(t, "sess-1", b.SessionID)
	assert.Equal(t, "/home/user/proj", b.ProjectDir)

	// A later session overwrites the binding.
	require.NoError(t, WriteBinding("tty-pts/3", &Binding{SessionID: "sess-2"}))
	b, ok = LoadBinding("tty-pts/3")
	require.True(t, ok)
	assert.Equal(t, "sess-2", b.SessionID)
}

func TestLoadBindingMissing(t *testing.T) {
	t.Setenv("CLAUDE_AFK_SESSIONS_DIR", t.TempDir())

	_, ok := LoadBinding("tty-never-written")
	assert.False(t, ok)

	_, ok = LoadBinding(strings.Repeat("/", 3))
	assert.False(t, ok, "empty sanitized id is rejected")
}

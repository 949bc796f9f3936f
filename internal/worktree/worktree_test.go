package worktree

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBranchFor(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		title  string
		expect string
	}{
		{"simple", "ENG-123", "Fix login bug", "eng-123-fix-login-bug"},
		{"empty title", "ENG-1", "", "eng-1"},
		{"punctuation collapses", "ENG-1", "!!!", "eng-1"},
		// Only the title-derived slug is truncated to 60 chars; the key
		// slug and the joined result are never re-truncated, so a long
		// title can still push the final branch name past 60 chars.
		{"long title truncates only the title slug", "ENG-1", "this is an extremely long ticket title that keeps going and going and going", "eng-1-this-is-an-extremely-long-ticket-title-that-keeps-going-and"},
		{"key with spaces becomes dashes, never truncated", "ENG weird key", "", "eng-weird-key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, BranchFor(tt.key, tt.title))
		})
	}
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "hello-world", slugify("Hello, World!", 60))
	assert.Equal(t, "", slugify("!!!", 60))
	assert.Equal(t, "abc", slugify("abc---", 5))
}

func TestAllocatePortExhaustion(t *testing.T) {
	m := NewManager(t.TempDir())

	total := portRangeEnd - portRangeStart + 1
	for i := 0; i < total; i++ {
		_, err := m.AllocatePort()
		assert.NoError(t, err)
	}

	_, err := m.AllocatePort()
	assert.Error(t, err, "range should be exhausted")
}

func TestAllocateAndReleasePort(t *testing.T) {
	m := NewManager(t.TempDir())

	p1, err := m.AllocatePort()
	assert.NoError(t, err)
	assert.Equal(t, portRangeStart, p1)

	p2, err := m.AllocatePort()
	assert.NoError(t, err)
	assert.Equal(t, portRangeStart+1, p2)

	m.ReleasePort(p1)
	m.ReleasePort(p1) // idempotent

	p3, err := m.AllocatePort()
	assert.NoError(t, err)
	assert.Equal(t, p1, p3, "released port should be reused")
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, isRecoverable(assertErr("context deadline exceeded"), ""))
	assert.True(t, isRecoverable(assertErr("fatal"), "Unable to create '.git/index.lock'"))
	assert.False(t, isRecoverable(assertErr("merge conflict"), "CONFLICT (content)"))
	assert.False(t, isRecoverable(nil, ""))
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(s string) error { return simpleErr(s) }

package failurekb

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/store"
)

func newKB(t *testing.T) *KB {
	t.Helper()
	files, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)
	return New(files, nil)
}

func TestAddAssignsDefaults(t *testing.T) {
	kb := newKB(t)
	rec, err := kb.Add(Record{
		TaskID:  "task-1",
		NodeID:  "build",
		Message: "  npm install\n\texited   with code 1  ",
	})
	require.NoError(t, err)
	assert.Contains(t, rec.ID, "fail-")
	assert.Equal(t, "unknown", rec.Category)
	assert.Equal(t, "npm install exited with code 1", rec.Message)
	assert.False(t, rec.CreatedAt.IsZero())

	_, err = kb.Add(Record{TaskID: "task-1", Message: "   "})
	assert.Error(t, err)
}

func TestAddTruncatesLongMessages(t *testing.T) {
	kb := newKB(t)
	rec, err := kb.Add(Record{TaskID: "task-1", Message: strings.Repeat("x", 1000)})
	require.NoError(t, err)
	assert.Len(t, []rune(rec.Message), messageLimit)
	assert.True(t, strings.HasSuffix(rec.Message, "…"))
}

func TestRecentNewestFirst(t *testing.T) {
	kb := newKB(t)
	for i, msg := range []string{"first failure", "second failure", "third failure"} {
		_, err := kb.Add(Record{
			TaskID:    "task-1",
			Category:  "transient",
			Message:   msg,
			CreatedAt: time.Date(2026, 5, 1, i, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}

	recent := kb.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "third failure", recent[0].Message)
	assert.Equal(t, "second failure", recent[1].Message)

	assert.Empty(t, kb.Recent(0))
	assert.Len(t, kb.Recent(10), 3)
}

func TestLessons(t *testing.T) {
	kb := newKB(t)
	assert.Empty(t, kb.Lessons(5))

	_, err := kb.Add(Record{TaskID: "task-1", Category: "permanent", Message: "missing API key", NodeID: "deploy", Attempts: 1})
	require.NoError(t, err)
	_, err = kb.Add(Record{TaskID: "task-2", Category: "transient", Message: "registry timeout"})
	require.NoError(t, err)

	out := kb.Lessons(5)
	assert.Contains(t, out, "- [transient] registry timeout")
	assert.Contains(t, out, "- [permanent] missing API key (node deploy, 1 attempts)")
	assert.True(t, strings.Index(out, "registry timeout") < strings.Index(out, "missing API key"), "newest lesson first")
}

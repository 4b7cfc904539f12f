package trackercli

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeTracker writes a small shell script that stands in for the external
// tracker CLI so tests exercise real exec.CommandContext invocation
// without requiring an actual issue tracker to be installed.
func fakeTracker(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tracker script requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "tracker.sh")
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestValidIDRejectsDisallowedCharacters(t *testing.T) {
	require.True(t, ValidID("task-123_abc"))
	require.False(t, ValidID("task/123"))
	require.False(t, ValidID(""))
}

func TestCloseRejectsInvalidID(t *testing.T) {
	c := New(Config{Binary: "unused"})
	err := c.Close(context.Background(), "bad/id")
	require.Error(t, err)
}

func TestListParsesJSONOutput(t *testing.T) {
	bin := fakeTracker(t, `echo '[{"id":"t1","labels":["ready"],"status":"open","priority":2}]'`)
	c := New(Config{Binary: bin})

	tasks, err := c.List(context.Background(), "ready", "")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "t1", tasks[0].ID)
	require.True(t, tasks[0].HasLabel("ready"))
	require.Equal(t, 2, tasks[0].Priority)
}

func TestShowParsesSingleTask(t *testing.T) {
	bin := fakeTracker(t, `echo '{"id":"t1","labels":["in_progress","session:abc"],"status":"open"}'`)
	c := New(Config{Binary: bin})

	task, err := c.Show(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, []string{"session:abc"}, task.SessionLabels())
}

func TestRunWrapsFailureWithCombinedOutput(t *testing.T) {
	bin := fakeTracker(t, `echo "boom" >&2; exit 1`)
	c := New(Config{Binary: bin})

	err := c.Close(context.Background(), "t1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestCommentsListParsesJSONOutput(t *testing.T) {
	bin := fakeTracker(t, `echo '[{"author":"a","body":"first","at":"2026-01-01T00:00:00Z"}]'`)
	c := New(Config{Binary: bin})

	comments, err := c.CommentsList(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, comments, 1)
	require.Equal(t, "first", comments[0].Body)
}

func TestLabelAddRejectsInvalidTaskID(t *testing.T) {
	c := New(Config{Binary: "unused"})
	err := c.LabelAdd(context.Background(), "bad id", "ready")
	require.Error(t, err)
}

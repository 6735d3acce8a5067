package tasklist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `# Implementation Plan

Some introduction text that must survive untouched.

- [ ] 1 Set up project structure
  - [x] 1.1 Create module layout
  - [-] 1.2 Add configuration loading
- [ ] 2 Implement core engine
  - [ ] 2.1 Write the parser

Trailing notes stay as they are.
`

func TestParse_FindsTasks(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	tasks := doc.Tasks()
	require.Len(t, tasks, 5)

	assert.Equal(t, "1", tasks[0].ID)
	assert.Equal(t, "Set up project structure", tasks[0].Title)
	assert.Equal(t, 0, tasks[0].Depth)
	assert.Equal(t, StateIncomplete, tasks[0].State)

	assert.Equal(t, "1.1", tasks[1].ID)
	assert.Equal(t, 1, tasks[1].Depth)
	assert.Equal(t, StateComplete, tasks[1].State)

	assert.Equal(t, "1.2", tasks[2].ID)
	assert.Equal(t, StateInProgress, tasks[2].State)
}

func TestParse_RejectsDuplicateIDs(t *testing.T) {
	_, err := Parse([]byte("- [ ] 1 one\n- [ ] 1 again\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestBytes_RoundTripsExactly(t *testing.T) {
	inputs := []string{
		sampleDoc,
		"",
		"\n",
		"no tasks here\n\njust text",
		"- [ ] 1 tab\tseparated title\n",
		"  - [x] 3.2.1 deeply nested\n",
	}
	for _, in := range inputs {
		doc, err := Parse([]byte(in))
		require.NoError(t, err)
		assert.Equal(t, in, string(doc.Bytes()))
	}
}

func TestSetState_RewritesOnlyTheMarker(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	require.NoError(t, doc.SetState("2.1", StateComplete))

	got := string(doc.Bytes())
	want := "- [ ] 2 Implement core engine\n  - [x] 2.1 Write the parser"
	assert.Contains(t, got, want)

	// Everything else is untouched
	assert.Contains(t, got, "# Implementation Plan")
	assert.Contains(t, got, "Trailing notes stay as they are.")
	assert.Equal(t, len(sampleDoc), len(got))

	task, err := doc.Get("2.1")
	require.NoError(t, err)
	assert.Equal(t, StateComplete, task.State)
}

func TestSetState_UnknownTask(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	err = doc.SetState("9.9", StateComplete)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestComplete(t *testing.T) {
	doc, err := Parse([]byte("- [x] 1 done\n- [ ] 2 pending\n"))
	require.NoError(t, err)
	assert.False(t, doc.Complete())

	require.NoError(t, doc.SetState("2", StateComplete))
	assert.True(t, doc.Complete())
}

func TestWatcher_NotifiesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.md")
	require.NoError(t, os.WriteFile(path, []byte("- [ ] 1 a\n"), 0644))

	w, err := NewWatcher(path, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("- [x] 1 a\n"), 0644))

	select {
	case <-w.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.md")
	require.NoError(t, os.WriteFile(path, []byte("- [ ] 1 a\n"), 0644))

	w, err := NewWatcher(path, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.md"), []byte("x"), 0644))

	select {
	case <-w.Changes():
		t.Fatal("unexpected notification for sibling file")
	case <-time.After(200 * time.Millisecond):
	}
}

package processes

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestReadyWatcherMarkerSplitAcrossWrites(t *testing.T) {
	w := newReadyWatcher("You can now view", 128)
	io.WriteString(w, "  You can n")
	assert.False(t, closed(w.ready))
	io.WriteString(w, "ow view your Streamlit app\n")
	assert.True(t, closed(w.ready))
	assert.False(t, closed(w.exhausted))

	// Further output is ignored once decided.
	n, err := io.WriteString(w, "more output")
	assert.NoError(t, err)
	assert.Equal(t, 11, n)
}

func TestReadyWatcherBudget(t *testing.T) {
	w := newReadyWatcher("ready", 8)
	io.WriteString(w, "abcdefg")
	assert.False(t, closed(w.exhausted))
	io.WriteString(w, "hijk ready")
	assert.True(t, closed(w.exhausted))
	assert.False(t, closed(w.ready))
}

func TestLineWriter(t *testing.T) {
	var lines []string
	w := newLineWriter(func(line string) { lines = append(lines, line) })

	io.WriteString(w, "first\r\nsec")
	assert.Equal(t, []string{"first"}, lines)
	io.WriteString(w, "ond\n\nthird\n")
	assert.Equal(t, []string{"first", "second", "third"}, lines)
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(5)
	io.WriteString(b, "abc")
	io.WriteString(b, "defgh")
	assert.Equal(t, "defgh", b.String())
}

func TestLogBufferCapacity(t *testing.T) {
	lb := NewLogBuffer(3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		lb.AddEntry("stdout", msg, 42)
	}

	latest := lb.GetLatestEntries(10)
	assert.Len(t, latest, 3)
	assert.Equal(t, "b", latest[0].Message)
	assert.Equal(t, int64(4), latest[2].ID)

	fromID := lb.GetEntriesFromID(3)
	assert.Len(t, fromID, 1)
	assert.Equal(t, "d", fromID[0].Message)
}

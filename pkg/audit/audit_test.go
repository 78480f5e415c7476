package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path, fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func appendN(t *testing.T, l *Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := l.Append(&Entry{
			Actor:      "operator-1",
			Roles:      []string{"operator"},
			Event:      EventExecuted,
			Tool:       "SetSpeed",
			ArgsDigest: "sha256:abc",
			Decision:   "allow_execute",
		})
		require.NoError(t, err)
	}
}

func TestAppend_ChainsEntries(t *testing.T) {
	l, path := newTestLog(t)

	e1 := &Entry{Actor: "a", Event: EventProposed, Tool: "StartPump"}
	require.NoError(t, l.Append(e1))
	e2 := &Entry{Actor: "a", Event: EventDenied, Tool: "StartPump", Decision: "deny"}
	require.NoError(t, l.Append(e2))

	assert.Equal(t, int64(1), e1.Seq)
	assert.Equal(t, GenesisHash, e1.PrevHash)
	assert.Equal(t, int64(2), e2.Seq)
	assert.Equal(t, e1.Hash, e2.PrevHash)

	ok, broken, err := Verify(path)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, broken)
}

func TestVerify_MissingFileIsIntact(t *testing.T) {
	ok, _, err := Verify(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpen_RecoversTailAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	e := &Entry{Actor: "a", Event: EventExecuted, Tool: "GetStatus"}
	require.NoError(t, l.Append(e))
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()
	e2 := &Entry{Actor: "a", Event: EventExecuted, Tool: "GetStatus"}
	require.NoError(t, l2.Append(e2))

	assert.Equal(t, int64(2), e2.Seq)
	assert.Equal(t, e.Hash, e2.PrevHash)

	ok, _, err := Verify(path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_DetectsFieldMutation(t *testing.T) {
	l, path := newTestLog(t)
	appendN(t, l, 3)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, 3)

	// Flip one character of the tool name in entry 2.
	lines[1] = strings.Replace(lines[1], "SetSpeed", "SetSpeeX", 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o640))

	ok, broken, err := Verify(path)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(2), broken)
}

func TestVerify_SingleByteMutationProperty(t *testing.T) {
	l, path := newTestLog(t)
	const n = 5
	appendN(t, l, n)

	pristine, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(pristine), "\n"), "\n")
	require.Len(t, lines, n)

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("any single-byte mutation breaks the chain at that seq", prop.ForAll(
		func(entryIdx int, offFrac float64, delta byte) bool {
			mutated := make([]string, n)
			copy(mutated, lines)

			line := []byte(mutated[entryIdx])
			off := int(offFrac * float64(len(line)))
			if off >= len(line) {
				off = len(line) - 1
			}
			replacement := line[off] ^ (delta | 1) // guaranteed to differ
			if replacement == '\n' {
				// keep it a one-line mutation; an unescaped tab is
				// invalid both inside strings and between digits
				replacement = '\t'
			}
			line[off] = replacement
			mutated[entryIdx] = string(line)

			if err := os.WriteFile(path, []byte(strings.Join(mutated, "\n")+"\n"), 0o640); err != nil {
				return false
			}
			ok, broken, err := Verify(path)
			return err == nil && !ok && broken == int64(entryIdx+1)
		},
		gen.IntRange(0, n-1),
		gen.Float64Range(0, 0.999),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

func TestAppend_ConcurrentWritersKeepTotalOrder(t *testing.T) {
	l, path := newTestLog(t)

	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 25; i++ {
				_ = l.Append(&Entry{Actor: "a", Event: EventProposed, Tool: "GetStatus"})
			}
		}()
	}
	for g := 0; g < 4; g++ {
		<-done
	}

	ok, _, err := Verify(path)
	require.NoError(t, err)
	assert.True(t, ok)
}

package session

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTranscriptLog(t *testing.T) *TranscriptLog {
	t.Helper()
	transcripts, err := NewTranscriptLog(t.TempDir())
	require.NoError(t, err)
	return transcripts
}

func TestTranscriptAppendAndLoad(t *testing.T) {
	transcripts := newTestTranscriptLog(t)
	ctx := context.Background()

	require.NoError(t, transcripts.Append(ctx, "sess-1", []byte(`{"type":"text_chunk","content":"hello","seq":1}`)))
	require.NoError(t, transcripts.Append(ctx, "sess-1", []byte(`{"type":"complete","response":"hello","seq":2}`)))

	lines, err := transcripts.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), "text_chunk")
	assert.Contains(t, string(lines[1]), "complete")
}

func TestTranscriptRejectsBadKeys(t *testing.T) {
	transcripts := newTestTranscriptLog(t)
	ctx := context.Background()

	for _, key := range []string{"", "..", "a/../b", "a/b", `a\b`, "a\x00b"} {
		err := transcripts.Append(ctx, key, []byte(`{"type":"message"}`))
		assert.Error(t, err, "key %q must be rejected", key)
	}
}

func TestTranscriptLoadSkipsCorruptLines(t *testing.T) {
	transcripts := newTestTranscriptLog(t)
	ctx := context.Background()

	content := `{"type":"message","seq":1}
{"type":"text_chunk","content":
{"type":"complete","seq":3}
`
	require.NoError(t, os.WriteFile(transcripts.Path("sess-1"), []byte(content), 0600))

	lines, err := transcripts.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), `"seq":1`)
	assert.Contains(t, string(lines[1]), `"seq":3`)
}

func TestTranscriptRepairDropsCorruptLines(t *testing.T) {
	transcripts := newTestTranscriptLog(t)
	ctx := context.Background()

	content := `{"type":"message","seq":1}
not json at all
{"type":"complete","seq":3}
`
	require.NoError(t, os.WriteFile(transcripts.Path("sess-1"), []byte(content), 0600))
	require.NoError(t, transcripts.Repair(ctx, "sess-1"))

	raw, err := os.ReadFile(transcripts.Path("sess-1"))
	require.NoError(t, err)
	kept := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Len(t, kept, 2)
}

func TestTranscriptDeleteAndList(t *testing.T) {
	transcripts := newTestTranscriptLog(t)
	ctx := context.Background()

	require.NoError(t, transcripts.Append(ctx, "sess-1", []byte(`{"type":"message"}`)))
	require.NoError(t, transcripts.Append(ctx, "sess-2", []byte(`{"type":"message"}`)))

	keys, err := transcripts.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sess-1", "sess-2"}, keys)

	require.NoError(t, transcripts.Delete(ctx, "sess-1"))
	assert.NoError(t, transcripts.Delete(ctx, "never-existed"))

	keys, err = transcripts.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-2"}, keys)
}

func TestTranscriptInfo(t *testing.T) {
	transcripts := newTestTranscriptLog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, transcripts.Append(ctx, "sess-1", []byte(`{"type":"text_chunk"}`)))
	}

	info, err := transcripts.Info(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", info.Key)
	assert.Equal(t, 3, info.Lines)
	assert.Greater(t, info.SizeBytes, int64(0))

	_, err = transcripts.Info(ctx, "missing")
	assert.Error(t, err)
}

func TestTranscriptPruneBefore(t *testing.T) {
	transcripts := newTestTranscriptLog(t)
	ctx := context.Background()

	require.NoError(t, transcripts.Append(ctx, "stale", []byte(`{"type":"message"}`)))
	require.NoError(t, transcripts.Append(ctx, "fresh", []byte(`{"type":"message"}`)))

	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(transcripts.Path("stale"), old, old))

	deleted, err := transcripts.PruneBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	keys, err := transcripts.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, keys)
}

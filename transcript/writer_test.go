package transcript_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryehq/rye-core/transcript"
)

func TestWriteAssignsIncrementingSequence(t *testing.T) {
	dir := t.TempDir()
	w, err := transcript.NewFileWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	ctx := context.Background()
	seq1, err := w.Write(ctx, "t1", "d", transcript.TypeThreadStarted, "", transcript.ThreadStartedPayload("gpt", "openai", nil, "single"))
	require.NoError(t, err)
	seq2, err := w.Write(ctx, "t1", "d", transcript.TypeStepStart, "", map[string]any{"turn_number": 1})
	require.NoError(t, err)
	assert.Equal(t, seq1+1, seq2)
}

func TestReopenResumesSequenceFromJournal(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	w1, err := transcript.NewFileWriter(dir)
	require.NoError(t, err)
	last, err := w1.Write(ctx, "t1", "d", transcript.TypeThreadStarted, "", nil)
	require.NoError(t, err)
	require.NoError(t, w1.Close())

	w2, err := transcript.NewFileWriter(dir)
	require.NoError(t, err)
	defer w2.Close()
	next, err := w2.Write(ctx, "t1", "d", transcript.TypeStepStart, "", nil)
	require.NoError(t, err)
	assert.Equal(t, last+1, next)
}

func TestReplayIgnoresTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	w, err := transcript.NewFileWriter(dir)
	require.NoError(t, err)
	_, err = w.Write(ctx, "t1", "d", transcript.TypeThreadStarted, "", nil)
	require.NoError(t, err)
	_, err = w.Write(ctx, "t1", "d", transcript.TypeThreadCompleted, "", nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "transcript.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":3,"type":"cognition_out","payload":{"tex`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := transcript.Replay(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestDroppableEventsAreWrittenAtMostOnce(t *testing.T) {
	dir := t.TempDir()
	w, err := transcript.NewFileWriter(dir)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := w.Write(ctx, "t1", "d", transcript.TypeCognitionOutDelta, "", map[string]any{"chunk_index": i})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	events, err := transcript.Replay(filepath.Join(dir, "transcript.jsonl"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(events), 3)
}

func TestClassifyDefaultsToCritical(t *testing.T) {
	assert.Equal(t, transcript.Critical, transcript.Classify(transcript.TypeThreadStarted))
	assert.Equal(t, transcript.Droppable, transcript.Classify(transcript.TypeToolCallProgress))
}

func TestCognitionOutPartialPreservesAccumulatedText(t *testing.T) {
	dir := t.TempDir()
	w, err := transcript.NewFileWriter(dir)
	require.NoError(t, err)

	ctx := context.Background()
	payload := transcript.CognitionOutPayload("partial text so far", "gpt", true, true, "stream interrupted")
	_, err = w.Write(ctx, "t1", "d", transcript.TypeCognitionOut, "", payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	events, err := transcript.Replay(filepath.Join(dir, "transcript.jsonl"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, true, events[0].Payload["is_partial"])
	assert.Equal(t, "partial text so far", events[0].Payload["text"])
}

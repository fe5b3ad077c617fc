package output

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	return NewWriter(t.TempDir(), "u1", "run-42")
}

func TestWriter_Layout(t *testing.T) {
	w := NewWriter("/data", "u1", "run-42")
	assert.Equal(t, filepath.Join("/data", "user_u1", "runs", "run-42"), w.RunRoot())
	assert.Equal(t, filepath.Join(w.RunRoot(), "generated"), w.GeneratedDir())
	assert.Equal(t, filepath.Join(w.RunRoot(), "logs", "run.log"), w.RunLogPath())
	assert.Equal(t, filepath.Join(w.RunRoot(), "logs", "fpf_output.log"), w.ChildLogPath())
}

func TestSafeDocID(t *testing.T) {
	assert.Equal(t, "ab12.c3.template.1.openai_gpt-test",
		SafeDocID("ab12.c3.template.1.openai:gpt-test"))
	assert.Equal(t, "a_b_c", SafeDocID(`a/b\c`))
}

func TestWriter_WriteGeneratedDoc(t *testing.T) {
	w := newTestWriter(t)

	path, err := w.WriteGeneratedDoc("doc.openai:m1", "# Report\n\ncontent")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# Report\n\ncontent", string(data))
	assert.Equal(t, w.DocPath("doc.openai:m1"), path)

	// No temp files left behind.
	entries, err := os.ReadDir(w.GeneratedDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriter_RejectsEmptyContent(t *testing.T) {
	w := newTestWriter(t)

	_, err := w.WriteGeneratedDoc("doc1", "")
	assert.ErrorContains(t, err, "empty")

	_, err = w.WriteGeneratedDoc("doc1", "   \n\t  ")
	assert.ErrorContains(t, err, "empty")

	// Nothing was persisted.
	ids, err := w.ListGeneratedDocs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestWriter_RejectsInvalidUTF8(t *testing.T) {
	w := newTestWriter(t)
	_, err := w.WriteGeneratedDoc("doc1", string([]byte{0xff, 0xfe, 0xfd}))
	assert.ErrorContains(t, err, "UTF-8")
}

func TestWriter_ListGeneratedDocs(t *testing.T) {
	w := newTestWriter(t)

	_, err := w.WriteGeneratedDoc("doc.a", "content a")
	require.NoError(t, err)
	_, err = w.WriteGeneratedDoc("doc.b:x", "content b")
	require.NoError(t, err)

	ids, err := w.ListGeneratedDocs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc.a", "doc.b_x"}, ids)
}

func TestWriter_OverwriteIsAtomicReplace(t *testing.T) {
	w := newTestWriter(t)

	_, err := w.WriteGeneratedDoc("doc1", "first")
	require.NoError(t, err)
	path, err := w.WriteGeneratedDoc("doc1", "second")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

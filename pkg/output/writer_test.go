package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeSingle(t *testing.T, buf *bytes.Buffer) Record {
	t.Helper()
	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	return record
}

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	assert.NotNil(t, w)
	assert.Equal(t, "run-123", w.runID)
}

func TestJSONLWriter_WriteAssignment(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	err := w.WriteAssignment(context.Background(), &AssignmentRecord{
		Frame:  12,
		NodeID: "render-01",
		Remote: "10.0.0.5:50122",
		Cursor: 3,
	})
	require.NoError(t, err)

	record := decodeSingle(t, &buf)
	assert.Equal(t, TypeAssignment, record.Type)
	assert.Equal(t, "run-123", record.RunID)
	assert.False(t, record.TS.IsZero())

	var data AssignmentRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, 12, data.Frame)
	assert.Equal(t, "render-01", data.NodeID)
	assert.Equal(t, 3, data.Cursor)
}

func TestJSONLWriter_WriteProgress(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	require.NoError(t, w.WriteProgress(context.Background(), &ProgressRecord{Completed: 2, Total: 5, Assigned: 3}))

	record := decodeSingle(t, &buf)
	assert.Equal(t, TypeProgress, record.Type)

	var data ProgressRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, ProgressRecord{Completed: 2, Total: 5, Assigned: 3}, data)
}

func TestJSONLWriter_WriteNodeOmitsEmpty(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	require.NoError(t, w.WriteNode(context.Background(), &NodeRecord{Remote: "10.0.0.5:1", Event: NodeEventConnected}))

	record := decodeSingle(t, &buf)
	assert.Equal(t, TypeNode, record.Type)
	assert.NotContains(t, string(record.Data), "held_frame")
	assert.NotContains(t, string(record.Data), "node_id")
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	require.NoError(t, w.WriteSummary(context.Background(), &SummaryRecord{Total: 1}))
	require.NoError(t, w.WriteError(context.Background(), &ErrorRecord{Code: ErrCodeProtocol, Message: "bad"}))

	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	require.NoError(t, w.Close())

	err := w.WriteProgress(context.Background(), &ProgressRecord{})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteAssignment(context.Background(), &AssignmentRecord{Frame: writerID*writesPerWriter + j})
			}
		}(i)
	}

	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)

	for i, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err, "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteProgress(ctx, &ProgressRecord{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "run-123")

	err := w.WriteProgress(context.Background(), &ProgressRecord{})
	require.Error(t, err)

	var writeErr *WriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "run-123")

	require.NoError(t, w.WriteAssignment(context.Background(), &AssignmentRecord{Frame: 1, NodeID: "render-01"}))

	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	assert.Len(t, lines, 1)

	var record Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record), "output should be valid JSON despite short writes")
	assert.Equal(t, TypeAssignment, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "run-123")

	err := w.WriteProgress(context.Background(), &ProgressRecord{})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

// zeroWriteWriter always returns 0 bytes written with nil error.
type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestDiscard(t *testing.T) {
	assert.NoError(t, Discard.WriteProgress(context.Background(), &ProgressRecord{}))
	assert.NoError(t, Discard.Close())
}

package jobregistry

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	code := 0
	rec := &AttemptRecord{
		AttemptID:  "attempt-1",
		Frame:      12,
		NodeID:     "render-01",
		State:      AttemptStateSuccess,
		OutputPath: "/farm/output/Frame_12.obj",
		CreatedAt:  now,
		StartedAt:  &now,
		ExitCode:   &code,
	}

	require.NoError(t, s.Write(rec))

	got, err := s.Get("attempt-1")
	require.NoError(t, err)
	assert.Equal(t, rec.AttemptID, got.AttemptID)
	assert.Equal(t, 12, got.Frame)
	assert.Equal(t, AttemptStateSuccess, got.State)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
}

func TestStore_ListSortsNewestFirst(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	t1 := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 19, 13, 0, 0, 0, time.UTC)

	require.NoError(t, s.Write(&AttemptRecord{AttemptID: "a-1", Frame: 1, State: AttemptStateFailed, CreatedAt: t1, StartedAt: &t1}))
	require.NoError(t, s.Write(&AttemptRecord{AttemptID: "a-2", Frame: 2, State: AttemptStateSuccess, CreatedAt: t2, StartedAt: &t2}))

	got, err := s.List(ListOptions{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a-2", got[0].AttemptID)

	got, err = s.List(ListOptions{State: AttemptStateFailed})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Frame)

	got, err = s.List(ListOptions{Frame: 2})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a-2", got[0].AttemptID)

	got, err = s.List(ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_GetMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = s.Get(" ")
	assert.Error(t, err)
}

func TestStore_EmptyRoot(t *testing.T) {
	s := NewStore("  ")
	assert.Error(t, s.Write(&AttemptRecord{AttemptID: "a"}))
	_, err := s.List(ListOptions{})
	assert.Error(t, err)
}

func TestAttempt_Lifecycle(t *testing.T) {
	s := NewStore(t.TempDir())

	a, err := s.Begin(BeginOptions{Frame: 7, NodeID: "render-01", Descriptor: "/ws/scan.rcproj", OutputPath: "/out/Frame_7.obj"})
	require.NoError(t, err)

	rec, err := s.Get(a.ID())
	require.NoError(t, err)
	assert.Equal(t, AttemptStateRunning, rec.State)
	assert.False(t, rec.State.Terminal())

	_, err = fmt.Fprint(a.Stdout(), "exported")
	require.NoError(t, err)
	_, err = fmt.Fprint(a.Stderr(), "warning")
	require.NoError(t, err)
	require.NoError(t, a.SetPublished("s3://bucket/frames/Frame_7.obj"))

	code := 3
	final, err := a.Finish(AttemptStateFailed, &code, errors.New("tool exited with status 3"))
	require.NoError(t, err)
	assert.True(t, final.State.Terminal())
	assert.Equal(t, "tool exited with status 3", final.Error)
	assert.GreaterOrEqual(t, final.Duration(), time.Duration(0))

	stdout, err := os.ReadFile(final.StdoutPath)
	require.NoError(t, err)
	assert.Equal(t, "exported", string(stdout))
	stderr, err := os.ReadFile(final.StderrPath)
	require.NoError(t, err)
	assert.Equal(t, "warning", string(stderr))

	rec, err = s.Get(a.ID())
	require.NoError(t, err)
	assert.Equal(t, AttemptStateFailed, rec.State)
	assert.Equal(t, "s3://bucket/frames/Frame_7.obj", rec.PublishURI)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 3, *rec.ExitCode)
}

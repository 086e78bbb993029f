package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/framefarm/pkg/output"
	"github.com/3leaps/framefarm/pkg/protocol"
)

type fakeRecorder struct {
	mu        sync.Mutex
	assigned  []int
	completed []int
	abandoned []int
}

func (f *fakeRecorder) RecordAssignment(_ context.Context, _ string, frame int, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned = append(f.assigned, frame)
	return nil
}

func (f *fakeRecorder) MarkCompleted(_ context.Context, _ string, frame int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, frame)
	return nil
}

func (f *fakeRecorder) MarkAbandoned(_ context.Context, _ string, frame int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, frame)
	return nil
}

func idle(id string) protocol.Report { return protocol.Report{NodeID: id, Status: protocol.StatusIdle} }
func busy(id string) protocol.Report { return protocol.Report{NodeID: id, Status: protocol.StatusBusy} }

func TestCoordinator_FIFOThenNoWork(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(Config{RunID: "run", Pending: []int{1, 3}})

	r := c.Report(ctx, idle("a"), "")
	assert.True(t, r.Send)
	assert.Equal(t, 1, r.Frame)

	r = c.Report(ctx, idle("b"), "")
	assert.Equal(t, 3, r.Frame)

	r = c.Report(ctx, idle("a"), "")
	assert.True(t, r.Send)
	assert.Equal(t, protocol.NoWork, r.Frame)

	st := c.Stats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.Assigned)
	assert.Equal(t, 0, st.Remaining)
}

func TestCoordinator_EmptyQueue(t *testing.T) {
	c := NewCoordinator(Config{})

	for i := 0; i < 3; i++ {
		r := c.Report(context.Background(), idle("a"), "")
		assert.True(t, r.Send)
		assert.Equal(t, protocol.NoWork, r.Frame)
	}
	assert.Equal(t, 0, c.Stats().Assigned)
}

func TestCoordinator_BusyGetsNoReply(t *testing.T) {
	c := NewCoordinator(Config{Pending: []int{5}})

	r := c.Report(context.Background(), busy("a"), "")
	assert.False(t, r.Send)
	assert.Equal(t, 0, c.Stats().Assigned)

	nodes := c.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, protocol.StatusBusy, nodes[0].Status)
}

func TestCoordinator_CreditsBusyToIdle(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	c := NewCoordinator(Config{Pending: []int{1, 2}, Recorder: rec})

	// First contact is never a completion.
	r := c.Report(ctx, idle("a"), "")
	assert.False(t, r.Completed)
	assert.Equal(t, 1, r.Frame)

	c.Report(ctx, busy("a"), "")
	r = c.Report(ctx, idle("a"), "")
	assert.True(t, r.Completed)
	assert.Equal(t, 1, r.Credited)
	assert.Equal(t, 2, r.Frame)

	r = c.Report(ctx, busy("a"), "")
	assert.False(t, r.Completed)
	r = c.Report(ctx, busy("a"), "")
	assert.False(t, r.Completed)

	r = c.Report(ctx, idle("a"), "")
	assert.True(t, r.Completed)
	assert.Equal(t, 2, r.Credited)

	// idle -> idle is not a completion.
	r = c.Report(ctx, idle("a"), "")
	assert.False(t, r.Completed)

	assert.Equal(t, 2, c.Stats().Completed)
	assert.Equal(t, []int{1, 2}, rec.assigned)
	assert.Equal(t, []int{1, 2}, rec.completed)
}

func TestCoordinator_UnseenNodeNotCredited(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(Config{Pending: []int{1}})

	c.Report(ctx, busy("a"), "")
	c.Disconnect(ctx, "a", "")

	r := c.Report(ctx, idle("a"), "")
	assert.False(t, r.Completed)
	assert.Equal(t, 0, c.Stats().Completed)
}

func TestCoordinator_ProgressRecords(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	c := NewCoordinator(Config{RunID: "run-1", Pending: []int{1}, Output: output.NewJSONLWriter(&buf, "run-1")})

	c.Report(ctx, idle("a"), "")
	c.Report(ctx, busy("a"), "")
	c.Report(ctx, idle("a"), "")

	var progress []output.ProgressRecord
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec output.Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		assert.Equal(t, "run-1", rec.RunID)
		if rec.Type != output.TypeProgress {
			continue
		}
		var p output.ProgressRecord
		require.NoError(t, json.Unmarshal(rec.Data, &p))
		progress = append(progress, p)
	}
	require.Len(t, progress, 1)
	assert.Equal(t, output.ProgressRecord{Completed: 1, Total: 1, Assigned: 1}, progress[0])
}

func TestCoordinator_ConcurrentIdleNeverDuplicates(t *testing.T) {
	ctx := context.Background()
	const frames = 500
	pending := make([]int, frames)
	for i := range pending {
		pending[i] = i + 1
	}
	c := NewCoordinator(Config{Pending: pending})

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for {
				r := c.Report(ctx, idle(id), "")
				if r.Frame == protocol.NoWork {
					return
				}
				mu.Lock()
				got = append(got, r.Frame)
				mu.Unlock()
			}
		}(fmt.Sprintf("node-%d", w))
	}
	wg.Wait()

	sort.Ints(got)
	assert.Equal(t, pending, got)
}

func TestCoordinator_DisconnectAbandonsHeldFrame(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	c := NewCoordinator(Config{Pending: []int{1, 2}, Recorder: rec})

	c.Report(ctx, idle("a"), "10.0.0.5:1")
	c.Report(ctx, busy("a"), "10.0.0.5:1")

	held := c.Disconnect(ctx, "a", "10.0.0.5:1")
	assert.Equal(t, 1, held)
	assert.Empty(t, c.Nodes())
	assert.Equal(t, []int{1}, rec.abandoned)

	// The abandoned frame is not requeued.
	r := c.Report(ctx, idle("b"), "")
	assert.Equal(t, 2, r.Frame)
	r = c.Report(ctx, idle("b"), "")
	assert.Equal(t, protocol.NoWork, r.Frame)
}

func TestCoordinator_SharedNodeIDTracksEachConnection(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	c := NewCoordinator(Config{Pending: []int{1, 2, 3}, Recorder: rec})

	const first, second = "10.0.0.5:40001", "10.0.0.6:40002"

	assert.Equal(t, 1, c.Report(ctx, idle("render"), first).Frame)
	c.Report(ctx, busy("render"), first)
	assert.Equal(t, 2, c.Report(ctx, idle("render"), second).Frame)
	c.Report(ctx, busy("render"), second)

	// The first connection finishing credits its own frame.
	r := c.Report(ctx, idle("render"), first)
	assert.True(t, r.Completed)
	assert.Equal(t, 1, r.Credited)
	assert.Equal(t, 3, r.Frame)

	// The second connection dropping abandons frame 2, not frame 3.
	assert.Equal(t, 2, c.Disconnect(ctx, "render", second))
	assert.Equal(t, []int{1}, rec.completed)
	assert.Equal(t, []int{2}, rec.abandoned)

	// The entry last written by the first connection survives.
	nodes := c.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, first, nodes[0].Remote)

	assert.Equal(t, 3, c.Disconnect(ctx, "render", first))
	assert.Empty(t, c.Nodes())
}

func TestCoordinator_DisconnectUnknownNode(t *testing.T) {
	c := NewCoordinator(Config{})
	assert.Equal(t, 0, c.Disconnect(context.Background(), "", "10.0.0.5:1"))
	assert.Equal(t, 0, c.Disconnect(context.Background(), "ghost", ""))
}

func TestCoordinator_Summary(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	c := NewCoordinator(Config{Pending: []int{4, 5}, Now: clock})

	c.Report(context.Background(), idle("a"), "")
	now = now.Add(1500 * time.Millisecond)

	sum := c.Summary(3, 1, "cancelled")
	assert.Equal(t, 3, sum.Available)
	assert.Equal(t, 1, sum.AlreadyComplete)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Assigned)
	assert.Equal(t, int64(1500), sum.DurationMs)
	assert.Equal(t, "cancelled", sum.Reason)
}

func readReply(t *testing.T, conn net.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	frame, err := protocol.ReadAssignment(conn)
	require.NoError(t, err)
	return frame
}

func TestServer_HandleConn(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(Config{Pending: []int{1, 3}})
	srv := NewServer(c, nil)

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.HandleConn(ctx, server)
	}()

	require.NoError(t, protocol.WriteReport(client, idle("render-01")))
	assert.Equal(t, 1, readReply(t, client))

	require.NoError(t, protocol.WriteReport(client, busy("render-01")))
	require.NoError(t, protocol.WriteReport(client, idle("render-01")))
	assert.Equal(t, 3, readReply(t, client))

	require.NoError(t, protocol.WriteReport(client, idle("render-01")))
	assert.Equal(t, protocol.NoWork, readReply(t, client))

	require.NoError(t, client.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after client closed")
	}

	assert.Empty(t, c.Nodes())
	assert.Equal(t, 1, c.Stats().Completed)
}

func TestServer_HandleConnCoalescedReports(t *testing.T) {
	c := NewCoordinator(Config{Pending: []int{7}})
	srv := NewServer(c, nil)

	client, server := net.Pipe()
	defer client.Close()
	go srv.HandleConn(context.Background(), server)

	_, err := client.Write([]byte("a,busyb,idle"))
	require.NoError(t, err)
	assert.Equal(t, 7, readReply(t, client))
}

func TestServer_HandleConnMalformed(t *testing.T) {
	var buf bytes.Buffer
	c := NewCoordinator(Config{Pending: []int{7}, Output: output.NewJSONLWriter(&buf, "run")})
	srv := NewServer(c, nil)

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.HandleConn(context.Background(), server)
	}()

	_, err := client.Write([]byte("garbage"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not drop malformed connection")
	}
	assert.Contains(t, buf.String(), output.ErrCodeProtocol)
	assert.Equal(t, 0, c.Stats().Assigned)
}

func TestServer_ServeTCP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)

	c := NewCoordinator(Config{Pending: []int{2}})
	srv := NewServer(c, nil)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteReport(conn, idle("render-01")))
	assert.Equal(t, 2, readReply(t, conn))

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

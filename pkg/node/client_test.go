package node

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/framefarm/pkg/jobregistry"
	"github.com/3leaps/framefarm/pkg/protocol"
	"github.com/3leaps/framefarm/pkg/runner"
	"github.com/3leaps/framefarm/pkg/workspace"
)

const descriptorXML = `<?xml version="1.0" encoding="utf-8"?>
<project>
  <source>
    <input fileName="cropped/Sequence/frame_00001/cam_a.jpg"/>
  </source>
</project>
`

type fakeWorkspace struct {
	dir      string
	prepErr  error
	mu       sync.Mutex
	prepared []int
	cleaned  []int
}

func (w *fakeWorkspace) Prepare(_ context.Context, frame int) (*workspace.Instance, error) {
	w.mu.Lock()
	w.prepared = append(w.prepared, frame)
	w.mu.Unlock()
	if w.prepErr != nil {
		return nil, w.prepErr
	}
	desc := filepath.Join(w.dir, "scan.rcproj")
	if err := os.WriteFile(desc, []byte(descriptorXML), 0o644); err != nil {
		return nil, err
	}
	return &workspace.Instance{Frame: frame, Dir: w.dir, Descriptor: desc}, nil
}

func (w *fakeWorkspace) Cleanup(frame int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleaned = append(w.cleaned, frame)
	return nil
}

type fakeTool struct {
	mu          sync.Mutex
	jobs        []runner.Job
	descriptors []string
	failFrame   int
}

func (t *fakeTool) Run(_ context.Context, job runner.Job) (*runner.Result, error) {
	data, _ := os.ReadFile(job.Descriptor)
	t.mu.Lock()
	t.jobs = append(t.jobs, job)
	t.descriptors = append(t.descriptors, string(data))
	t.mu.Unlock()
	if job.Frame == t.failFrame {
		return &runner.Result{ExitCode: 3}, &runner.ToolFailureError{Frame: job.Frame, ExitCode: 3}
	}
	return &runner.Result{}, nil
}

type fakePublisher struct {
	uris []string
}

func (p *fakePublisher) Publish(_ context.Context, localPath string) (string, error) {
	uri := "s3://models/" + filepath.Base(localPath)
	p.uris = append(p.uris, uri)
	return uri, nil
}

// fakeDispatcher answers idle reports from a fixed script of replies and
// closes the connection when the script runs out.
type fakeDispatcher struct {
	ln      net.Listener
	replies []int
	mu      sync.Mutex
	reports []protocol.Report
	done    chan struct{}
}

func newFakeDispatcher(t *testing.T, replies ...int) *fakeDispatcher {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := &fakeDispatcher{ln: ln, replies: replies, done: make(chan struct{})}
	t.Cleanup(func() { _ = ln.Close() })
	go d.serve()
	return d
}

func (d *fakeDispatcher) Addr() string {
	return d.ln.Addr().String()
}

func (d *fakeDispatcher) serve() {
	defer close(d.done)
	conn, err := d.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	dec := protocol.NewDecoder(conn)
	for {
		r, err := dec.Next()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.reports = append(d.reports, r)
		d.mu.Unlock()
		if r.Status != protocol.StatusIdle {
			continue
		}
		if len(d.replies) == 0 {
			return
		}
		frame := d.replies[0]
		d.replies = d.replies[1:]
		if err := protocol.WriteAssignment(conn, frame); err != nil {
			return
		}
	}
}

func (d *fakeDispatcher) Statuses() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.reports))
	for i, r := range d.reports {
		out[i] = r.String()
	}
	return out
}

func newTestClient(t *testing.T, addr string, mutate func(*Config)) (*Client, *fakeWorkspace, *fakeTool) {
	t.Helper()
	ws := &fakeWorkspace{dir: t.TempDir()}
	tool := &fakeTool{failFrame: -1}
	cfg := Config{
		Addr:         addr,
		NodeID:       "rig-01",
		OutputDir:    t.TempDir(),
		PollInterval: 10 * time.Millisecond,
		Workspace:    ws,
		Tool:         tool,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c, ws, tool
}

func runClient(t *testing.T, c *Client) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.Run(ctx)
}

func TestClientIdleBusyCycle(t *testing.T) {
	d := newFakeDispatcher(t, 3, 0)
	c, ws, tool := newTestClient(t, d.Addr(), nil)

	require.NoError(t, runClient(t, c))
	<-d.done

	assert.Equal(t, []string{"rig-01,idle", "rig-01,busy", "rig-01,idle", "rig-01,idle"}, d.Statuses())

	require.Len(t, tool.jobs, 1)
	job := tool.jobs[0]
	assert.Equal(t, 3, job.Frame)
	assert.Equal(t, filepath.Join(c.cfg.OutputDir, "Frame_3.obj"), job.OutputPath)
	assert.Contains(t, tool.descriptors[0], `fileName="cropped/Sequence/frame_00003/cam_a.jpg"`)

	assert.Equal(t, []int{3}, ws.prepared)
	assert.Equal(t, []int{3}, ws.cleaned)
	assert.Equal(t, Stats{Assigned: 1, Succeeded: 1}, c.Stats())
}

func TestClientToolFailureStillReportsIdle(t *testing.T) {
	d := newFakeDispatcher(t, 4, 5)
	store := jobregistry.NewStore(t.TempDir())
	c, _, tool := newTestClient(t, d.Addr(), func(cfg *Config) {
		cfg.Attempts = store
	})
	tool.failFrame = 4

	require.NoError(t, runClient(t, c))
	<-d.done

	assert.Equal(t, []string{
		"rig-01,idle", "rig-01,busy", "rig-01,idle", "rig-01,busy", "rig-01,idle",
	}, d.Statuses())
	assert.Equal(t, Stats{Assigned: 2, Succeeded: 1, Failed: 1}, c.Stats())

	failed, err := store.List(jobregistry.ListOptions{Frame: 4})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, jobregistry.AttemptStateFailed, failed[0].State)
	require.NotNil(t, failed[0].ExitCode)
	assert.Equal(t, 3, *failed[0].ExitCode)
	assert.Equal(t, "rig-01", failed[0].NodeID)

	ok, err := store.List(jobregistry.ListOptions{Frame: 5})
	require.NoError(t, err)
	require.Len(t, ok, 1)
	assert.Equal(t, jobregistry.AttemptStateSuccess, ok[0].State)
}

func TestClientWorkspaceFailure(t *testing.T) {
	d := newFakeDispatcher(t, 2)
	c, ws, tool := newTestClient(t, d.Addr(), nil)
	ws.prepErr = errors.New("disk full")

	require.NoError(t, runClient(t, c))
	<-d.done

	assert.Equal(t, []string{"rig-01,idle", "rig-01,busy", "rig-01,idle"}, d.Statuses())
	assert.Empty(t, tool.jobs)
	assert.Equal(t, []int{2}, ws.cleaned)
	assert.Equal(t, Stats{Assigned: 1, Failed: 1}, c.Stats())
}

func TestClientPublishes(t *testing.T) {
	d := newFakeDispatcher(t, 8)
	store := jobregistry.NewStore(t.TempDir())
	pub := &fakePublisher{}
	c, _, _ := newTestClient(t, d.Addr(), func(cfg *Config) {
		cfg.Attempts = store
		cfg.Publisher = pub
	})

	require.NoError(t, runClient(t, c))
	<-d.done

	assert.Equal(t, []string{"s3://models/Frame_8.obj"}, pub.uris)
	records, err := store.List(jobregistry.ListOptions{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "s3://models/Frame_8.obj", records[0].PublishURI)
	assert.Equal(t, 1, c.Stats().Published)
}

func TestClientCancelWhilePolling(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		dec := protocol.NewDecoder(conn)
		for {
			if _, err := dec.Next(); err != nil {
				return
			}
			if err := protocol.WriteAssignment(conn, protocol.NoWork); err != nil {
				return
			}
		}
	}()

	c, _, _ := newTestClient(t, ln.Addr().String(), func(cfg *Config) {
		cfg.PollInterval = time.Hour
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClientDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c, _, _ := newTestClient(t, addr, func(cfg *Config) {
		cfg.DialAttempts = 2
		cfg.DialInterval = 10 * time.Millisecond
	})

	err = runClient(t, c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to dispatcher")
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Addr: "x:1", Workspace: &fakeWorkspace{}, Tool: &fakeTool{}, NodeID: "a,b"})
	assert.True(t, protocol.IsProtocolError(err))

	c, err := New(Config{Addr: "x:1", Workspace: &fakeWorkspace{}, Tool: &fakeTool{}})
	require.NoError(t, err)
	host, _ := os.Hostname()
	assert.Equal(t, host, c.NodeID())
}

const fakeToolScript = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-exportModel" ]; then out="$3"; fi
  shift
done
echo "reconstructing"
echo "v 0 0 0" > "$out"
`

func TestClientEndToEnd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake tool is a POSIX shell script")
	}

	root := t.TempDir()
	images := filepath.Join(root, "cropped")
	frameDir := filepath.Join(images, "Sequence", "frame_00006")
	require.NoError(t, os.MkdirAll(frameDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(frameDir, "cam_a.jpg"), []byte("jpg"), 0o644))
	descriptor := filepath.Join(root, "scan.rcproj")
	require.NoError(t, os.WriteFile(descriptor, []byte(descriptorXML), 0o644))

	toolPath := filepath.Join(root, "tool.sh")
	require.NoError(t, os.WriteFile(toolPath, []byte(fakeToolScript), 0o755))
	windows := false
	tool := runner.New(runner.Config{
		ToolPath:  toolPath,
		ScriptDir: filepath.Join(root, workspace.TempDirName),
		Windows:   &windows,
	}, nil)
	prep := workspace.NewPreparer(workspace.Config{
		Root:       root,
		Descriptor: descriptor,
		ImagesDir:  images,
	}, nil)
	store := jobregistry.NewStore(filepath.Join(root, "attempts"))
	outDir := filepath.Join(root, "output")

	d := newFakeDispatcher(t, 6)
	c, err := New(Config{
		Addr:      d.Addr(),
		NodeID:    "rig-02",
		OutputDir: outDir,
		Workspace: prep,
		Tool:      tool,
		Attempts:  store,
	})
	require.NoError(t, err)

	require.NoError(t, runClient(t, c))
	<-d.done

	model, err := os.ReadFile(filepath.Join(outDir, "Frame_6.obj"))
	require.NoError(t, err)
	assert.Equal(t, "v 0 0 0\n", string(model))

	_, err = os.Stat(prep.Dir(6))
	assert.True(t, os.IsNotExist(err), "workspace should be removed")

	records, err := store.List(jobregistry.ListOptions{Frame: 6})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, jobregistry.AttemptStateSuccess, records[0].State)
	assert.Positive(t, records[0].PID)
	stdout, err := os.ReadFile(records[0].StdoutPath)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(stdout), "reconstructing"))
}

package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deploy-relay/control-plane/internal/logstream"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (f *fakeObjects) PutLog(ctx context.Context, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[key] = body
	return nil
}

func (f *fakeObjects) get(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.objects[key])
}

type fakeKeys map[int64]string

func (f fakeKeys) SetArchiveKey(ctx context.Context, deployID int64, key string) error {
	f[deployID] = key
	return nil
}

// lineConn is a live subscriber for checking what viewers are sent.
type lineConn struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineConn) Send(ctx context.Context, line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
	return nil
}

func (c *lineConn) Close(reason string) error { return nil }

func (c *lineConn) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

// queuedSink accepts events immediately and delivers them to next later, in
// order, the way the AMQP bus and fan-out consumer do.
type queuedSink struct {
	events chan logstream.Event
	done   chan struct{}
}

func newQueuedSink(next logstream.Sink, latency time.Duration) *queuedSink {
	s := &queuedSink{events: make(chan logstream.Event, 64), done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for ev := range s.events {
			time.Sleep(latency)
			_ = next.Emit(context.Background(), ev)
		}
	}()
	return s
}

func (s *queuedSink) Emit(ctx context.Context, ev logstream.Event) error {
	s.events <- ev
	return nil
}

func (s *queuedSink) Close() {
	close(s.events)
	<-s.done
}

type droppingSink struct{}

func (droppingSink) Emit(ctx context.Context, ev logstream.Event) error { return nil }

func TestArchiverCollectsObservedLines(t *testing.T) {
	reg := logstream.NewRegistry(nil)
	viewer := &lineConn{}
	reg.Register(42, viewer)

	objects := &fakeObjects{}
	keys := fakeKeys{}
	a := New(objects, keys, nil)
	local := a.Observe(logstream.NewPublisher(reg))
	a.SetUpstream(local)
	ctx := context.Background()

	a.Start(42)
	a.Start(42)
	assert.True(t, a.collecting(42))

	require.NoError(t, local.Emit(ctx, logstream.Event{BuildID: 42, Stage: "build", Message: "starting"}))
	require.NoError(t, local.Emit(ctx, logstream.Event{BuildID: 42, Stage: "build", Message: "done"}))
	require.NoError(t, local.Emit(ctx, logstream.Event{BuildID: 7, Stage: "build", Message: "other deploy"}))

	key, err := a.Finish(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "logs/deploy-42.log", key)
	assert.Equal(t, "[build] starting\n[build] done\n", objects.get(key))
	assert.Equal(t, key, keys[42])
	assert.False(t, a.collecting(42))

	assert.Equal(t, []string{"[build] starting", "[build] done"}, viewer.Lines(), "barrier never reaches viewers")
}

func TestArchiverWaitsForQueuedLines(t *testing.T) {
	reg := logstream.NewRegistry(nil)
	viewer := &lineConn{}
	reg.Register(9, viewer)

	objects := &fakeObjects{}
	a := New(objects, nil, nil)
	bus := newQueuedSink(a.Observe(logstream.NewPublisher(reg)), 5*time.Millisecond)
	defer bus.Close()
	a.SetUpstream(bus)
	ctx := context.Background()

	a.Start(9)
	for _, msg := range []string{"step one", "step two", "build #3 finished: SUCCESS"} {
		require.NoError(t, bus.Emit(ctx, logstream.Event{BuildID: 9, Stage: "console", Message: msg}))
	}

	key, err := a.Finish(ctx, 9)
	require.NoError(t, err)
	want := "[console] step one\n[console] step two\n[console] build #3 finished: SUCCESS\n"
	assert.Equal(t, want, objects.get(key))
	assert.Len(t, viewer.Lines(), 3)
}

func TestArchiverUploadsAfterFlushTimeout(t *testing.T) {
	objects := &fakeObjects{}
	a := New(objects, nil, nil)
	local := a.Observe(droppingSink{})
	a.SetUpstream(droppingSink{})
	a.SetFlushTimeout(10 * time.Millisecond)
	ctx := context.Background()

	a.Start(4)
	require.NoError(t, local.Emit(ctx, logstream.Event{BuildID: 4, Stage: "build", Message: "kept"}))

	start := time.Now()
	key, err := a.Finish(ctx, 4)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "[build] kept\n", objects.get(key))
}

func TestArchiverFinishTwice(t *testing.T) {
	objects := &fakeObjects{}
	a := New(objects, nil, nil)
	a.Start(2)

	key, err := a.Finish(context.Background(), 2)
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	key, err = a.Finish(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestArchiverFinishUnknownDeploy(t *testing.T) {
	a := New(&fakeObjects{}, nil, nil)
	key, err := a.Finish(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestArchiverUploadError(t *testing.T) {
	a := New(&fakeObjects{err: errors.New("bucket gone")}, nil, nil)
	a.Start(3)

	_, err := a.Finish(context.Background(), 3)
	assert.ErrorContains(t, err, "bucket gone")
	assert.False(t, a.collecting(3))
}

func TestObserverForwardsInvalidEvents(t *testing.T) {
	a := New(&fakeObjects{}, nil, nil)
	local := a.Observe(logstream.NewPublisher(logstream.NewRegistry(nil)))
	a.Start(1)

	err := local.Emit(context.Background(), logstream.Event{BuildID: 1})
	assert.ErrorIs(t, err, logstream.ErrInvalidEvent)
}

func TestCollectorTruncates(t *testing.T) {
	c := newCollector(16)
	c.add("0123456789")
	c.add("0123456789")
	c.add("ignored")
	assert.Equal(t, "0123456789\n[archive] log truncated\n", string(c.Bytes()))
}

func TestCollectorIgnoresStaleBarrier(t *testing.T) {
	c := newCollector(DefaultMaxBytes)
	reached := c.expect("current")

	c.reach("old")
	select {
	case <-reached:
		t.Fatal("stale barrier released the wait")
	default:
	}

	c.reach("current")
	<-reached
	c.reach("current")
}

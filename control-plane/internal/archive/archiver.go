// Package archive keeps a copy of each active deploy's relayed log and
// uploads it to object storage when the deploy finishes.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"deploy-relay/control-plane/internal/logstream"
)

const (
	DefaultMaxBytes     = 8 << 20
	DefaultFlushTimeout = 10 * time.Second

	barrierStage = "archive"
)

type ObjectStore interface {
	PutLog(ctx context.Context, objectKey string, body []byte) error
}

type KeyRecorder interface {
	SetArchiveKey(ctx context.Context, deployID int64, key string) error
}

func ObjectKey(deployID int64) string {
	return fmt.Sprintf("logs/deploy-%d.log", deployID)
}

// Archiver records the lines of active deploys as they enter the local relay
// through Observe, so an archive holds what local subscribers were sent.
type Archiver struct {
	objects      ObjectStore
	keys         KeyRecorder
	maxBytes     int
	flushTimeout time.Duration
	logger       *slog.Logger

	mu         sync.Mutex
	upstream   logstream.Sink
	collectors map[int64]*collector
}

func New(objects ObjectStore, keys KeyRecorder, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		objects:      objects,
		keys:         keys,
		maxBytes:     DefaultMaxBytes,
		flushTimeout: DefaultFlushTimeout,
		logger:       logger,
		collectors:   make(map[int64]*collector),
	}
}

// SetFlushTimeout bounds how long Finish waits for its barrier to return.
func (a *Archiver) SetFlushTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushTimeout = d
}

// SetUpstream names the sink producers emit into. Finish sends a barrier
// through it and uploads once the barrier comes back through Observe, so
// lines emitted before Finish are archived even when the upstream delivers
// asynchronously (the AMQP fan-out bus).
func (a *Archiver) SetUpstream(sink logstream.Sink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.upstream = sink
}

// Observe wraps the local delivery sink. Events for collected deploys are
// recorded before they are forwarded to next; barrier events stop here.
func (a *Archiver) Observe(next logstream.Sink) logstream.Sink {
	return &observer{archiver: a, next: next}
}

// Start begins collecting lines for deployID. Calling it twice is a no-op.
func (a *Archiver) Start(deployID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.collectors[deployID]; ok {
		return
	}
	a.collectors[deployID] = newCollector(a.maxBytes)
}

func (a *Archiver) collecting(deployID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.collectors[deployID]
	return ok
}

// Finish stops collecting deployID and uploads what was gathered. It returns
// the object key, or "" when the deploy was not being collected or another
// Finish for it is already running.
func (a *Archiver) Finish(ctx context.Context, deployID int64) (string, error) {
	a.mu.Lock()
	c, ok := a.collectors[deployID]
	if ok && c.finishing {
		ok = false
	}
	if ok {
		c.finishing = true
	}
	upstream, flushTimeout := a.upstream, a.flushTimeout
	a.mu.Unlock()
	if !ok {
		return "", nil
	}

	if upstream != nil {
		a.flush(ctx, deployID, c, upstream, flushTimeout)
	}

	a.mu.Lock()
	delete(a.collectors, deployID)
	a.mu.Unlock()

	body := c.Bytes()
	key := ObjectKey(deployID)
	if err := a.objects.PutLog(ctx, key, body); err != nil {
		return "", fmt.Errorf("archive deploy %d: %w", deployID, err)
	}
	if a.keys != nil {
		if err := a.keys.SetArchiveKey(ctx, deployID, key); err != nil {
			return key, fmt.Errorf("record archive key for deploy %d: %w", deployID, err)
		}
	}
	a.logger.Info("deploy log archived", "deploy_id", deployID, "key", key, "bytes", len(body))
	return key, nil
}

// flush waits until every line emitted upstream before the call has been
// recorded. On timeout the archive is uploaded with what arrived so far.
func (a *Archiver) flush(ctx context.Context, deployID int64, c *collector, upstream logstream.Sink, timeout time.Duration) {
	token := uuid.NewString()
	reached := c.expect(token)

	ev := logstream.Event{BuildID: deployID, Stage: barrierStage, Barrier: token}
	if err := upstream.Emit(ctx, ev); err != nil {
		a.logger.Warn("archive barrier not sent, log tail may be missing", "deploy_id", deployID, "error", err)
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-reached:
	case <-timer.C:
		a.logger.Warn("archive barrier did not return, log tail may be missing", "deploy_id", deployID, "timeout", timeout)
	case <-ctx.Done():
		a.logger.Warn("archive flush cancelled", "deploy_id", deployID, "error", ctx.Err())
	}
}

func (a *Archiver) lookup(deployID int64) *collector {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.collectors[deployID]
}

type observer struct {
	archiver *Archiver
	next     logstream.Sink
}

func (o *observer) Emit(ctx context.Context, ev logstream.Event) error {
	if ev.Validate() != nil {
		return o.next.Emit(ctx, ev)
	}
	c := o.archiver.lookup(ev.BuildID)
	if ev.Barrier != "" {
		if c != nil {
			c.reach(ev.Barrier)
		}
		return nil
	}
	if c != nil {
		c.add(ev.Line())
	}
	return o.next.Emit(ctx, ev)
}

// collector buffers one deploy's lines in memory.
type collector struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	maxBytes  int
	truncated bool
	finishing bool // guarded by Archiver.mu

	barrier string
	reached chan struct{}
}

func newCollector(maxBytes int) *collector {
	return &collector{maxBytes: maxBytes}
}

func (c *collector) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return
	}
	if c.buf.Len()+len(line)+1 > c.maxBytes {
		c.truncated = true
		c.buf.WriteString("[archive] log truncated\n")
		return
	}
	c.buf.WriteString(line)
	c.buf.WriteByte('\n')
}

func (c *collector) expect(token string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.barrier = token
	c.reached = make(chan struct{})
	return c.reached
}

func (c *collector) reach(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reached == nil || token != c.barrier {
		return
	}
	close(c.reached)
	c.reached = nil
}

func (c *collector) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

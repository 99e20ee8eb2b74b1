package logstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func serveAsync(l *Lifecycle, ctx context.Context, buildID int64, accept AcceptFunc) <-chan error {
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx, buildID, accept) }()
	return done
}

func TestLifecycleAcceptFailureNeverRegisters(t *testing.T) {
	reg := NewRegistry(nil)
	l := NewLifecycle(reg, nil, nil)
	handshake := errors.New("bad handshake")

	err := l.Serve(context.Background(), 42, func() (Conn, error) { return nil, handshake })

	assert.ErrorIs(t, err, handshake)
	assert.False(t, reg.Has(42))
}

func TestLifecycleRemoteCloseUnregisters(t *testing.T) {
	reg := NewRegistry(nil)
	l := NewLifecycle(reg, nil, nil)
	pub := NewPublisher(reg)
	conn := newFakeConn()

	done := serveAsync(l, context.Background(), 42, func() (Conn, error) { return conn, nil })
	waitFor(t, func() bool { return reg.Has(42) })

	// keep-alive pings are read and ignored
	conn.inbound <- "ping"
	conn.inbound <- "ping"
	pub.Publish(context.Background(), Event{BuildID: 42, Stage: "build", Message: "starting"})
	assert.Equal(t, []string{"[build] starting"}, conn.Lines())

	close(conn.inbound)
	require.NoError(t, <-done)

	assert.False(t, reg.Has(42))
	assert.Equal(t, 1, conn.Closes())
}

func TestLifecycleDeliveryFailureThenSessionExit(t *testing.T) {
	reg := NewRegistry(nil)
	l := NewLifecycle(reg, nil, nil)
	pub := NewPublisher(reg)
	conn := newFakeConn()
	conn.sendErr = errors.New("write: connection reset")

	done := serveAsync(l, context.Background(), 3, func() (Conn, error) { return conn, nil })
	waitFor(t, func() bool { return reg.Has(3) })

	rep := pub.Publish(context.Background(), Event{BuildID: 3, Stage: "build", Message: "x"})
	assert.Equal(t, 1, rep.Failed)

	// the publisher's close ends Receive; the session's own unregister is a no-op
	require.NoError(t, <-done)
	assert.False(t, reg.Has(3))
	assert.Equal(t, 2, conn.Closes())
}

func TestLifecycleContextCancelDisconnects(t *testing.T) {
	reg := NewRegistry(nil)
	l := NewLifecycle(reg, nil, nil)
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())

	done := serveAsync(l, ctx, 8, func() (Conn, error) { return conn, nil })
	waitFor(t, func() bool { return reg.Has(8) })

	cancel()
	require.NoError(t, <-done)
	assert.False(t, reg.Has(8))
	assert.Equal(t, "server shutting down", conn.reason)
}

func TestLifecycleServerSideClose(t *testing.T) {
	reg := NewRegistry(nil)
	l := NewLifecycle(reg, nil, nil)
	conn := newFakeConn()

	done := serveAsync(l, context.Background(), 12, func() (Conn, error) { return conn, nil })
	waitFor(t, func() bool { return reg.Has(12) })

	reg.CloseAll("shutdown")
	require.NoError(t, <-done)
	assert.False(t, reg.Has(12))
}

func TestSessionDisconnectOnce(t *testing.T) {
	reg := NewRegistry(nil)
	l := NewLifecycle(reg, nil, nil)
	other := newFakeConn()
	reg.Register(5, other)

	conn := newFakeConn()
	sess := l.Connect(5, conn)
	assert.Equal(t, StateConnected, sess.State())
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, 2, reg.Count(5))

	sess.Disconnect("first")
	sess.Disconnect("second")

	assert.Equal(t, StateDisconnected, sess.State())
	assert.Equal(t, 1, conn.Closes())
	assert.Equal(t, "first", conn.reason)
	assert.Equal(t, []Subscriber{other}, reg.SubscribersOf(5))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "state(9)", State(9).String())
}

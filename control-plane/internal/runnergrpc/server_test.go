package runnergrpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"deploy-relay/control-plane/internal/logstream"
	"deploy-relay/control-plane/proto/ingestpb"
)

type recordingSink struct {
	mu     sync.Mutex
	events []logstream.Event
	err    error
}

func (s *recordingSink) Emit(ctx context.Context, ev logstream.Event) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Events() []logstream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]logstream.Event(nil), s.events...)
}

func newClient(t *testing.T, sink logstream.Sink) *ingestpb.LogIngestClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	ingestpb.RegisterLogIngestServer(srv, NewRunnerServer(sink, nil))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return ingestpb.NewLogIngestClient(conn)
}

func openStream(t *testing.T, client *ingestpb.LogIngestClient) *ingestpb.ReportLogClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	stream, err := client.ReportLog(ctx)
	require.NoError(t, err)
	return stream
}

func TestReportLogForwardsEvents(t *testing.T) {
	sink := &recordingSink{}
	stream := openStream(t, newClient(t, sink))

	for _, ev := range []ingestpb.LogEvent{
		{DeployID: 12, Stage: "build", Log: "go build ./..."},
		{DeployID: 12, Stage: "test", Log: "ok"},
		{DeployID: 13, Stage: "deploy", Log: ""},
	} {
		require.NoError(t, stream.Send(ev))
	}
	require.NoError(t, stream.CloseAndRecv())

	assert.Equal(t, []logstream.Event{
		{BuildID: 12, Stage: "build", Message: "go build ./..."},
		{BuildID: 12, Stage: "test", Message: "ok"},
		{BuildID: 13, Stage: "deploy", Message: ""},
	}, sink.Events())
}

func TestReportLogRejectsInvalidEvent(t *testing.T) {
	sink := &recordingSink{}
	stream := openStream(t, newClient(t, sink))

	require.NoError(t, stream.Send(ingestpb.LogEvent{DeployID: 1, Stage: "build", Log: "first"}))
	require.NoError(t, stream.Send(ingestpb.LogEvent{DeployID: 0, Stage: "build", Log: "bad"}))
	err := stream.CloseAndRecv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, []logstream.Event{{BuildID: 1, Stage: "build", Message: "first"}}, sink.Events())
}

func TestReportLogSinkFailure(t *testing.T) {
	stream := openStream(t, newClient(t, &recordingSink{err: errors.New("broker down")}))

	require.NoError(t, stream.Send(ingestpb.LogEvent{DeployID: 1, Stage: "build", Log: "x"}))
	assert.Equal(t, codes.Unavailable, status.Code(stream.CloseAndRecv()))
}

func TestToEvent(t *testing.T) {
	ev, err := toEvent(ingestpb.LogEvent{DeployID: 5, Stage: "s", Log: "m"}.ToStruct())
	require.NoError(t, err)
	assert.Equal(t, logstream.Event{BuildID: 5, Stage: "s", Message: "m"}, ev)

	fractional := &structpb.Struct{Fields: map[string]*structpb.Value{
		"deploy_id": structpb.NewNumberValue(1.5),
		"stage":     structpb.NewStringValue("s"),
	}}
	_, err = toEvent(fractional)
	assert.ErrorIs(t, err, logstream.ErrInvalidEvent)

	missingStage := &structpb.Struct{Fields: map[string]*structpb.Value{
		"deploy_id": structpb.NewNumberValue(3),
	}}
	_, err = toEvent(missingStage)
	assert.ErrorIs(t, err, logstream.ErrInvalidEvent)
}

// Package runnergrpc serves relay.LogIngest: runners stream log events that
// are validated and handed to the relay.
package runnergrpc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"deploy-relay/control-plane/internal/logstream"
	"deploy-relay/control-plane/proto/ingestpb"
)

type RunnerServer struct {
	sink   logstream.Sink
	logger *slog.Logger
}

func NewRunnerServer(sink logstream.Sink, logger *slog.Logger) *RunnerServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunnerServer{sink: sink, logger: logger}
}

// ReportLog emits every streamed event in order. A malformed event ends the
// stream with InvalidArgument; events before it were already relayed.
func (s *RunnerServer) ReportLog(stream ingestpb.LogIngest_ReportLogServer) error {
	ctx := stream.Context()
	received := 0
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			s.logger.Debug("runner log stream closed", "events", received)
			return stream.SendAndClose(&emptypb.Empty{})
		}
		if err != nil {
			return err
		}

		ev, err := toEvent(msg)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		if err := s.sink.Emit(ctx, ev); err != nil {
			if errors.Is(err, logstream.ErrInvalidEvent) {
				return status.Error(codes.InvalidArgument, err.Error())
			}
			s.logger.Error("runner log event not relayed", "deploy_id", ev.BuildID, "error", err)
			return status.Errorf(codes.Unavailable, "relay log event: %v", err)
		}
		received++
	}
}

func toEvent(msg *structpb.Struct) (logstream.Event, error) {
	wire, err := ingestpb.FromStruct(msg)
	if err != nil {
		return logstream.Event{}, fmt.Errorf("%w: %v", logstream.ErrInvalidEvent, err)
	}
	ev := logstream.Event{BuildID: wire.DeployID, Stage: wire.Stage, Message: wire.Log}
	if err := ev.Validate(); err != nil {
		return logstream.Event{}, err
	}
	return ev, nil
}

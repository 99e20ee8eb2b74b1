// Package ingestpb declares the relay.LogIngest gRPC service. Messages are
// protobuf well-known types: a client stream of google.protobuf.Struct log
// events answered by google.protobuf.Empty.
package ingestpb

import (
	"context"
	"errors"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName         = "relay.LogIngest"
	ReportLogFullMethod = "/relay.LogIngest/ReportLog"

	fieldDeployID = "deploy_id"
	fieldStage    = "stage"
	fieldLog      = "log"
)

var ErrBadMessage = errors.New("malformed log event message")

// LogEvent is the wire shape of one reported line.
type LogEvent struct {
	DeployID int64
	Stage    string
	Log      string
}

func (e LogEvent) ToStruct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldDeployID: structpb.NewNumberValue(float64(e.DeployID)),
		fieldStage:    structpb.NewStringValue(e.Stage),
		fieldLog:      structpb.NewStringValue(e.Log),
	}}
}

// FromStruct decodes a message. Missing fields decode as zero values; only a
// non-integral deploy_id is rejected here.
func FromStruct(m *structpb.Struct) (LogEvent, error) {
	fields := m.GetFields()
	id := fields[fieldDeployID].GetNumberValue()
	if id != math.Trunc(id) || math.Abs(id) >= math.MaxInt64 {
		return LogEvent{}, fmt.Errorf("%w: deploy_id %v is not an integer", ErrBadMessage, id)
	}
	return LogEvent{
		DeployID: int64(id),
		Stage:    fields[fieldStage].GetStringValue(),
		Log:      fields[fieldLog].GetStringValue(),
	}, nil
}

type LogIngestServer interface {
	ReportLog(LogIngest_ReportLogServer) error
}

type LogIngest_ReportLogServer interface {
	SendAndClose(*emptypb.Empty) error
	Recv() (*structpb.Struct, error)
	grpc.ServerStream
}

type reportLogServer struct {
	grpc.ServerStream
}

func (x *reportLogServer) SendAndClose(m *emptypb.Empty) error {
	return x.ServerStream.SendMsg(m)
}

func (x *reportLogServer) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func reportLogHandler(srv any, stream grpc.ServerStream) error {
	return srv.(LogIngestServer).ReportLog(&reportLogServer{stream})
}

var LogIngest_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LogIngestServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ReportLog",
			Handler:       reportLogHandler,
			ClientStreams: true,
		},
	},
	Metadata: "relay/log_ingest.proto",
}

func RegisterLogIngestServer(s grpc.ServiceRegistrar, srv LogIngestServer) {
	s.RegisterService(&LogIngest_ServiceDesc, srv)
}

type LogIngestClient struct {
	cc grpc.ClientConnInterface
}

func NewLogIngestClient(cc grpc.ClientConnInterface) *LogIngestClient {
	return &LogIngestClient{cc: cc}
}

func (c *LogIngestClient) ReportLog(ctx context.Context, opts ...grpc.CallOption) (*ReportLogClient, error) {
	stream, err := c.cc.NewStream(ctx, &LogIngest_ServiceDesc.Streams[0], ReportLogFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &ReportLogClient{stream}, nil
}

type ReportLogClient struct {
	grpc.ClientStream
}

func (x *ReportLogClient) Send(ev LogEvent) error {
	return x.ClientStream.SendMsg(ev.ToStruct())
}

// CloseAndRecv ends the stream and waits for the server's verdict.
func (x *ReportLogClient) CloseAndRecv() error {
	if err := x.ClientStream.CloseSend(); err != nil {
		return err
	}
	return x.ClientStream.RecvMsg(new(emptypb.Empty))
}

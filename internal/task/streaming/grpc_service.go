package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenScopeCore/internal/storage"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "openscope.v1.RunEvents"

// RunEventsServer is the server API of the openscope.v1.RunEvents service.
// Requests and responses are google.protobuf.Struct messages, so no generated code is needed.
type RunEventsServer interface {
	Watch(req *structpb.Struct, stream grpc.ServerStream) error
	GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var RunEventsServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RunEventsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetRun", Handler: getRunHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "openscope/v1/run_events.proto",
}

const (
	WatchMethod  = "/" + serviceName + "/Watch"
	GetRunMethod = "/" + serviceName + "/GetRun"
)

func RegisterRunEventsServer(s grpc.ServiceRegistrar, srv RunEventsServer) {
	s.RegisterService(&RunEventsServiceDesc, srv)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(RunEventsServer).Watch(req, stream)
}

func getRunHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(structpb.Struct)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunEventsServer).GetRun(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetRunMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RunEventsServer).GetRun(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, req, info, handler)
}

type RunEventService struct {
	streamer *EventStreamer
	store    storage.Recorder
}

func NewRunEventService(streamer *EventStreamer, store storage.Recorder) *RunEventService {
	return &RunEventService{
		streamer: streamer,
		store:    store,
	}
}

// Watch streams the events of the run named by the request field run_id until the run
// finishes or the client goes away. An empty run_id watches all runs.
func (s *RunEventService) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	runID, err := runIDFrom(req, true)
	if err != nil {
		return err
	}

	eventCh := s.streamer.Subscribe(runID)
	defer s.streamer.Unsubscribe(runID, eventCh)

	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return nil
			}

			msg, err := EventStruct(event)
			if err != nil {
				return status.Errorf(codes.Internal, "encode event: %v", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}

		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func (s *RunEventService) GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runID, err := runIDFrom(req, false)
	if err != nil {
		return nil, err
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrRunNotFound) {
			return nil, status.Errorf(codes.NotFound, "run %s not found", runID)
		}
		return nil, status.Errorf(codes.Internal, "load run: %v", err)
	}
	steps, err := s.store.GetRunSteps(ctx, runID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "load run steps: %v", err)
	}

	return toStruct(map[string]any{
		"run":   run,
		"steps": steps,
	})
}

func runIDFrom(req *structpb.Struct, allowEmpty bool) (uuid.UUID, error) {
	raw := req.GetFields()["run_id"].GetStringValue()
	if raw == "" && allowEmpty {
		return uuid.Nil, nil
	}
	runID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid run_id %q", raw)
	}
	return runID, nil
}

// EventStruct converts a run event into its wire message.
func EventStruct(event *storage.RunEvent) (*structpb.Struct, error) {
	return toStruct(map[string]any{
		"id":         event.ID.String(),
		"run_id":     event.RunID.String(),
		"event_type": event.EventType,
		"payload":    event.Payload,
		"timestamp":  event.CreatedAt.Unix(),
	})
}

// toStruct goes through JSON so arbitrary payload values (slices of strings, structs)
// end up as the plain types structpb accepts.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	msg, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	return msg, nil
}

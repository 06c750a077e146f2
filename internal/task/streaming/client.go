package streaming

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Watch opens a Watch stream on conn and calls fn for each received event until the
// server ends the stream, ctx is cancelled or fn returns an error.
func Watch(ctx context.Context, conn grpc.ClientConnInterface, runID uuid.UUID, fn func(*structpb.Struct) error) error {
	stream, err := conn.NewStream(ctx, &RunEventsServiceDesc.Streams[0], WatchMethod)
	if err != nil {
		return err
	}

	req := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if runID != uuid.Nil {
		req.Fields["run_id"] = structpb.NewStringValue(runID.String())
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}

// GetRun fetches a recorded run with its steps.
func GetRun(ctx context.Context, conn grpc.ClientConnInterface, runID uuid.UUID) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{"run_id": runID.String()})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, GetRunMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

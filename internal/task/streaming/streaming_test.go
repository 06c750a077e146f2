package streaming

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/storage"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestBroadcastPerRun(t *testing.T) {
	s := NewEventStreamer()
	runA, runB := uuid.New(), uuid.New()

	chA := s.Subscribe(runA)
	chAll := s.Subscribe(uuid.Nil)

	s.Broadcast(&storage.RunEvent{RunID: runB, EventType: "step_started"})
	s.Broadcast(&storage.RunEvent{RunID: runA, EventType: "run_started"})

	select {
	case ev := <-chA:
		if ev.EventType != "run_started" {
			t.Fatalf("run A received %q", ev.EventType)
		}
	default:
		t.Fatal("run A subscriber got nothing")
	}
	if len(chAll) != 2 {
		t.Fatalf("all-runs subscriber got %d events, want 2", len(chAll))
	}

	s.CloseRun(runA)
	if _, ok := <-chA; ok {
		t.Fatal("channel not closed by CloseRun")
	}
	// no double close after CloseRun
	s.Unsubscribe(runA, chA)
	s.Unsubscribe(uuid.Nil, chAll)
}

func TestBroadcastDoesNotBlockOnFullSubscriber(t *testing.T) {
	s := NewEventStreamer()
	runID := uuid.New()
	s.Subscribe(runID)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			s.Broadcast(&storage.RunEvent{RunID: runID})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a slow subscriber")
	}
}

func startServer(t *testing.T, svc *RunEventService) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterRunEventsServer(srv, svc)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWatchStreamsUntilRunCloses(t *testing.T) {
	streamer := NewEventStreamer()
	conn := startServer(t, NewRunEventService(streamer, storage.NewMemoryStore()))
	runID := uuid.New()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan *structpb.Struct, 10)
	errCh := make(chan error, 1)
	go func() {
		errCh <- Watch(ctx, conn, runID, func(msg *structpb.Struct) error {
			received <- msg
			return nil
		})
	}()

	// wait for the subscription to be registered
	for streamer.SubscriberCount(runID) == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("watch never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	streamer.Broadcast(&storage.RunEvent{
		ID:        uuid.New(),
		RunID:     runID,
		EventType: "step_finished",
		Payload:   map[string]any{"step": 2, "lines": []string{"488 nm"}},
		CreatedAt: time.Now(),
	})

	select {
	case msg := <-received:
		fields := msg.GetFields()
		if fields["event_type"].GetStringValue() != "step_finished" {
			t.Fatalf("event_type = %v", fields["event_type"])
		}
		if fields["run_id"].GetStringValue() != runID.String() {
			t.Fatalf("run_id = %v", fields["run_id"])
		}
		payload := fields["payload"].GetStructValue().GetFields()
		if payload["step"].GetNumberValue() != 2 {
			t.Fatalf("payload = %v", payload)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	streamer.CloseRun(runID)
	if err := <-errCh; err != nil {
		t.Fatalf("Watch returned %v after run closed", err)
	}
}

func TestGetRun(t *testing.T) {
	store := storage.NewMemoryStore()
	conn := startServer(t, NewRunEventService(NewEventStreamer(), store))
	ctx := context.Background()

	run := &storage.Run{ProtocolName: "HiM", Status: storage.RunStatusFinished, TotalSteps: 3, StartedAt: time.Now()}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateRunStep(ctx, &storage.RunStep{RunID: run.ID, Kind: "injection", StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	msg, err := GetRun(ctx, conn, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	got := msg.GetFields()["run"].GetStructValue().GetFields()
	if got["protocol_name"].GetStringValue() != "HiM" {
		t.Fatalf("run = %v", got)
	}
	if n := len(msg.GetFields()["steps"].GetListValue().GetValues()); n != 1 {
		t.Fatalf("steps = %d, want 1", n)
	}

	_, err = GetRun(ctx, conn, uuid.New())
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

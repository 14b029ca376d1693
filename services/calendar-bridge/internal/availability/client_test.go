//go:build protogen

package availability

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"

	schedulingv1 "github.com/drmauij/viali/protos/gen/scheduling/v1"
)

type testServer struct {
	schedulingv1.UnimplementedSchedulingServiceServer
}

func (s *testServer) ResolveSlots(_ context.Context, req *schedulingv1.ResolveSlotsRequest) (*schedulingv1.ResolveSlotsResponse, error) {
	start := time.Date(2026, time.January, 7, 9, 0, 0, 0, time.UTC)
	return &schedulingv1.ResolveSlotsResponse{
		HospitalId: req.GetHospitalId(),
		ProviderId: req.GetProviderId(),
		Date:       req.GetDate(),
		Intervals: []*schedulingv1.BookableInterval{
			{StartTime: timestamppb.New(start), EndTime: timestamppb.New(start.Add(30 * time.Minute))},
		},
	}, nil
}

func TestClient_ResolveSlots(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	srv := grpc.NewServer()
	schedulingv1.RegisterSchedulingServiceServer(srv, &testServer{})

	go func() {
		_ = srv.Serve(lis)
	}()
	defer srv.Stop()

	client, err := NewClient(lis.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	resp, err := client.ResolveSlots(context.Background(), "h1", "p1", "2026-01-07")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resp.GetProviderId() != "p1" || len(resp.GetIntervals()) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

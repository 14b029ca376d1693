//go:build protogen

package grpcserver

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"

	schedulingv1 "github.com/drmauij/viali/protos/gen/scheduling/v1"
	"github.com/drmauij/viali/services/scheduling-service/internal/engine"
	"github.com/drmauij/viali/services/scheduling-service/internal/recurrence"
	"github.com/drmauij/viali/services/scheduling-service/internal/storage"
)

type server struct {
	schedulingv1.UnimplementedSchedulingServiceServer
	repo *storage.Repository
}

func Register(grpcServer *grpc.Server, repo *storage.Repository) {
	schedulingv1.RegisterSchedulingServiceServer(grpcServer, &server{repo: repo})
}

func (s *server) ResolveSlots(ctx context.Context, req *schedulingv1.ResolveSlotsRequest) (*schedulingv1.ResolveSlotsResponse, error) {
	resp := &schedulingv1.ResolveSlotsResponse{
		HospitalId: req.GetHospitalId(),
		ProviderId: req.GetProviderId(),
		Date:       req.GetDate(),
	}
	if req.GetHospitalId() == "" || req.GetProviderId() == "" {
		return resp, nil
	}
	date, err := time.Parse("2006-01-02", req.GetDate())
	if err != nil {
		return resp, nil
	}

	provider, err := s.repo.GetProvider(ctx, req.GetHospitalId(), req.GetProviderId())
	if err != nil {
		return nil, err
	}
	loc, err := s.repo.Location(ctx, req.GetHospitalId())
	if err != nil {
		return nil, err
	}

	granularity := engine.DefaultGranularity
	if m := req.GetGranularityMinutes(); m > 0 && m <= 240 {
		granularity = time.Duration(m) * time.Minute
	}

	day := recurrence.Civil(date)
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	src, err := storage.DaySources(ctx, s.repo.Pool(), req.GetHospitalId(), provider, day, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}

	for _, iv := range engine.Resolve(loc, day, granularity, src) {
		resp.Intervals = append(resp.Intervals, &schedulingv1.BookableInterval{
			StartTime: timestamppb.New(iv.Start),
			EndTime:   timestamppb.New(iv.End),
		})
	}
	return resp, nil
}

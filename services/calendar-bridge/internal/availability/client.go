//go:build protogen

package availability

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/drmauij/viali/libs/grpcx"
	schedulingv1 "github.com/drmauij/viali/protos/gen/scheduling/v1"
)

// Client talks to scheduling-service's internal availability API.
type Client struct {
	conn   *grpc.ClientConn
	client schedulingv1.SchedulingServiceClient
}

func NewClient(addr string) (*Client, error) {
	conn, err := grpcx.Dial(context.Background(), addr, grpcx.DialOptions{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		conn:   conn,
		client: schedulingv1.NewSchedulingServiceClient(conn),
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) ResolveSlots(ctx context.Context, hospitalID, providerID, date string) (*schedulingv1.ResolveSlotsResponse, error) {
	return c.client.ResolveSlots(ctx, &schedulingv1.ResolveSlotsRequest{
		HospitalId: hospitalID,
		ProviderId: providerID,
		Date:       date,
	})
}

package grpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/arkilian/orderlake/internal/stream"
)

type fakeStreams struct {
	statuses []stream.Status
}

func (f *fakeStreams) Status() []stream.Status { return f.statuses }

func check(t *testing.T, h *HealthServer, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := h.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestServingStatus(t *testing.T) {
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, ServingStatus(stream.StateIdle))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, ServingStatus(stream.StateCommit))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, ServingStatus(stream.StateFailed))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, ServingStatus(stream.StateStopped))
}

func TestHealthServer_TracksQueryStates(t *testing.T) {
	streams := &fakeStreams{statuses: []stream.Status{
		{Query: "orders", State: stream.StateIdle},
		{Query: "line_items", State: stream.StateParse},
	}}
	h := NewHealthServer(streams, nil)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, h, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, h, "orders"))

	streams.statuses[1].State = stream.StateFailed
	h.Refresh()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, h, "line_items"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, h, "orders"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, h, ""))
}

func TestHealthServer_NoStreams(t *testing.T) {
	h := NewHealthServer(nil, nil)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, h, ""))

	_, err := h.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "orders"})
	assert.Error(t, err, "unknown services are not found")
}

func TestHealthServer_OverTheWire(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	h := NewHealthServer(&fakeStreams{statuses: []stream.Status{{Query: "orders", State: stream.StateIdle}}}, nil)
	srv := NewServer(h, nil)
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "orders"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	h.Shutdown()
	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ""})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

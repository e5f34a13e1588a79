package health

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/abboe/broker/internal/logger"
	"github.com/abboe/broker/pkg/broker"
)

var _ Source = (*broker.Broker)(nil)

type fakeSource struct {
	mu           sync.Mutex
	shuttingDown bool
	peers        []broker.PeerInfo
}

func (f *fakeSource) IsShuttingDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shuttingDown
}

func (f *fakeSource) Peers() []broker.PeerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.PeerInfo(nil), f.peers...)
}

func (f *fakeSource) setPeerState(i int, st broker.PeerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers[i].State = st
}

func createTestSource() *fakeSource {
	return &fakeSource{peers: []broker.PeerInfo{
		{Address: "10.0.0.1:15000", RoutingID: "east", State: broker.PeerConnected},
		{Address: "10.0.0.2:15000", State: broker.PeerWaitingForRetry},
	}}
}

func TestNewServerRequiresSource(t *testing.T) {
	_, err := NewServer(nil, 0, logger.NewNop())
	assert.Error(t, err)
}

func TestStatuses(t *testing.T) {
	src := createTestSource()
	s, err := NewServer(src, 0, logger.NewNop())
	require.NoError(t, err)

	assert.Equal(t, map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{
		"":                    grpc_health_v1.HealthCheckResponse_SERVING,
		"peer/east":           grpc_health_v1.HealthCheckResponse_SERVING,
		"peer/10.0.0.2:15000": grpc_health_v1.HealthCheckResponse_NOT_SERVING,
	}, s.GetAllStatuses())
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN, s.GetStatus("peer/west"))

	src.setPeerState(0, broker.PeerWaitingForRetry)
	src.mu.Lock()
	src.shuttingDown = true
	src.mu.Unlock()
	s.Refresh()

	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, s.GetStatus(""))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, s.GetStatus("peer/east"))
}

func TestRunRefreshesOnPeerChange(t *testing.T) {
	src := createTestSource()
	s, err := NewServer(src, time.Hour, logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	src.setPeerState(1, broker.PeerConnected)
	s.ObservePeer("10.0.0.2:15000", broker.PeerRetryingContact, broker.PeerConnected)

	require.Eventually(t, func() bool {
		return s.GetStatus("peer/10.0.0.2:15000") == grpc_health_v1.HealthCheckResponse_SERVING
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCheckOverGRPC(t *testing.T) {
	s, err := NewServer(createTestSource(), 0, logger.NewNop())
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go s.Serve(lis)
	defer s.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)

	resp, err = client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "peer/10.0.0.2:15000"})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.Status)

	_, err = client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "peer/nobody"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	stream, err := client.Watch(ctx, &grpc_health_v1.HealthCheckRequest{Service: "peer/east"})
	require.NoError(t, err)
	watched, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, watched.Status)
}

func TestStopReportsNotServing(t *testing.T) {
	s, err := NewServer(createTestSource(), 0, logger.NewNop())
	require.NoError(t, err)

	s.Stop()
	s.Stop()

	resp, err := s.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: "peer/east"})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.Status)
	assert.Error(t, s.Serve(bufconn.Listen(1024)))
}

package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Connected() bool {
	return m.Called().Bool(0)
}

func (m *mockClient) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockClient) OpenChannels() int {
	return m.Called().Int(0)
}

func (m *mockClient) BusyChannels() int {
	return m.Called().Int(0)
}

type fakeClient struct {
	connected bool
	pingErr   error
	channels  int
	busy      int
}

func (f *fakeClient) Connected() bool                { return f.connected }
func (f *fakeClient) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeClient) OpenChannels() int              { return f.channels }
func (f *fakeClient) BusyChannels() int              { return f.busy }

type fakeSink int

func (f fakeSink) Pending() int { return int(f) }

func TestConnectionChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy", func(t *testing.T) {
		client := &mockClient{}
		client.On("Connected").Return(true)
		client.On("Ping", mock.Anything).Return(nil)

		res := NewConnectionChecker(client).Check(ctx)
		assert.Equal(t, "rabbitmq", res.Name)
		assert.Equal(t, StatusHealthy, res.Status)
		assert.Equal(t, true, res.Details["connection_open"])
		assert.Empty(t, res.Error)
		client.AssertExpectations(t)
	})

	t.Run("not connected skips ping", func(t *testing.T) {
		client := &mockClient{}
		client.On("Connected").Return(false)

		res := NewConnectionChecker(client).Check(ctx)
		assert.Equal(t, StatusUnhealthy, res.Status)
		client.AssertNotCalled(t, "Ping", mock.Anything)
	})

	t.Run("ping fails", func(t *testing.T) {
		client := &mockClient{}
		client.On("Connected").Return(true)
		client.On("Ping", mock.Anything).Return(errors.New(`exchange "logs" does not exist`))

		res := NewConnectionChecker(client).Check(ctx)
		assert.Equal(t, StatusDegraded, res.Status)
		assert.Contains(t, res.Error, "does not exist")
		client.AssertExpectations(t)
	})
}

func TestChannelPoolChecker(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		client *fakeClient
		max    int
		want   Status
	}{
		{"spare capacity", &fakeClient{connected: true, channels: 3, busy: 2}, 64, StatusHealthy},
		{"exhausted", &fakeClient{connected: true, channels: 64, busy: 64}, 64, StatusDegraded},
		{"idle channels at the cap", &fakeClient{connected: true, channels: 64}, 64, StatusHealthy},
		{"no limit", &fakeClient{connected: true, channels: 500, busy: 500}, 0, StatusHealthy},
		{"disconnected", &fakeClient{}, 64, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewChannelPoolChecker(tt.client, tt.max).Check(ctx)
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.client.channels, res.Details["open_channels"])
			assert.Equal(t, tt.client.busy, res.Details["busy_channels"])
		})
	}
}

func TestSinkChecker(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		pending int
		limit   int
		warnAt  int
		want    Status
	}{
		{"empty", 0, 100, 0, StatusHealthy},
		{"below threshold", 80, 100, 0, StatusHealthy},
		{"above threshold", 81, 100, 0, StatusDegraded},
		{"full", 100, 100, 0, StatusUnhealthy},
		{"unbounded ok", 9000, 0, 0, StatusHealthy},
		{"unbounded backlog", 10001, 0, 0, StatusDegraded},
		{"custom warning", 11, 0, 10, StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewSinkChecker(fakeSink(tt.pending), tt.limit, tt.warnAt).Check(ctx)
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.pending, res.Details["pending_events"])
		})
	}
}

func TestComponentChecker(t *testing.T) {
	checker := NewComponentChecker("fallback", func(ctx context.Context) (Status, string, map[string]interface{}, error) {
		return StatusDegraded, "fallback file is large", map[string]interface{}{"bytes": 42}, errors.New("rotate soon")
	})

	res := checker.Check(context.Background())
	assert.Equal(t, "fallback", res.Name)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "rotate soon", res.Error)
	assert.Equal(t, 42, res.Details["bytes"])
}

func TestRegistry(t *testing.T) {
	t.Run("worst status wins", func(t *testing.T) {
		reg := NewRegistry(time.Second)
		reg.Register(
			NewConnectionChecker(&fakeClient{connected: true}),
			NewSinkChecker(fakeSink(90), 100, 0),
		)

		report := reg.Check(context.Background())
		assert.Equal(t, StatusDegraded, report.Status)
		require.Len(t, report.Checks, 2)
		assert.Equal(t, "rabbitmq", report.Checks[0].Name)
		assert.Equal(t, "sink", report.Checks[1].Name)
	})

	t.Run("empty registry is healthy", func(t *testing.T) {
		report := NewRegistry(0).Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("checks are bounded by the timeout", func(t *testing.T) {
		reg := NewRegistry(20 * time.Millisecond)
		reg.Register(NewComponentChecker("slow", func(ctx context.Context) (Status, string, map[string]interface{}, error) {
			<-ctx.Done()
			return StatusUnhealthy, "timed out", nil, ctx.Err()
		}))

		report := reg.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, context.DeadlineExceeded.Error(), report.Checks[0].Error)
	})
}

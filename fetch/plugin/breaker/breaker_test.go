package breaker

import (
	"context"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kroma-labs/sentinel-fetch/fetch"
)

// mockBreaker is a testify mock of CircuitBreaker.
type mockBreaker struct {
	mock.Mock
}

func (m *mockBreaker) Execute(req func() (*fetch.Response, error)) (*fetch.Response, error) {
	args := m.Called(req)
	resp, _ := args.Get(0).(*fetch.Response)
	return resp, args.Error(1)
}

func newClient(mock *fetch.MockTransport, plugins ...fetch.Plugin) *fetch.Client {
	return fetch.Default().
		WithBaseURL("https://api.example.com").
		WithHTTPClient(&http.Client{Transport: mock}).
		WithPlugins(plugins...)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultName, cfg.Name)
	assert.Equal(t, uint32(1), cfg.MaxRequests)
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, uint32(20), cfg.FailureThreshold)
	assert.InEpsilon(t, 0.5, cfg.FailureRatio, 0.001)
	assert.Equal(t, uint32(5), cfg.ConsecutiveFailures)
	assert.NotNil(t, cfg.Classifier)
	assert.Nil(t, cfg.Store)
}

func TestDistributedConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	cfg := DistributedConfig(store)
	assert.Equal(t, store, cfg.Store)
	assert.Equal(t, 10*time.Second, cfg.Interval)
}

func TestConfig_ReadyToTrip(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		counts gobreaker.Counts
		want   bool
	}{
		{
			name:   "given consecutive failures reached, then trips below threshold",
			cfg:    DefaultConfig(),
			counts: gobreaker.Counts{Requests: 5, TotalFailures: 5, ConsecutiveFailures: 5},
			want:   true,
		},
		{
			name:   "given below threshold, then stays closed",
			cfg:    DefaultConfig(),
			counts: gobreaker.Counts{Requests: 10, TotalFailures: 8, ConsecutiveFailures: 2},
			want:   false,
		},
		{
			name:   "given ratio reached above threshold, then trips",
			cfg:    DefaultConfig(),
			counts: gobreaker.Counts{Requests: 20, TotalFailures: 10, ConsecutiveFailures: 1},
			want:   true,
		},
		{
			name:   "given ratio below limit, then stays closed",
			cfg:    DefaultConfig(),
			counts: gobreaker.Counts{Requests: 40, TotalFailures: 10, ConsecutiveFailures: 1},
			want:   false,
		},
		{
			name:   "given disabled config, then never trips",
			cfg:    DisabledConfig(),
			counts: gobreaker.Counts{Requests: 1000, TotalFailures: 1000, ConsecutiveFailures: 1000},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.readyToTrip(tt.counts))
		})
	}
}

func TestDefaultClassifier(t *testing.T) {
	client := newClient(fetch.NewMockTransport().
		StubPath("/500", http.StatusInternalServerError, "").
		StubPath("/429", http.StatusTooManyRequests, "").
		StubPath("/404", http.StatusNotFound, ""))

	statusErr := func(path string) error {
		_, err := client.Get(path).Run(context.Background())
		return err
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "given nil, then not a failure", err: nil, want: false},
		{name: "given 500, then failure", err: statusErr("/500"), want: true},
		{name: "given 429, then not a failure", err: statusErr("/429"), want: false},
		{name: "given 404, then not a failure", err: statusErr("/404"), want: false},
		{name: "given network error, then failure", err: syscall.ECONNREFUSED, want: true},
		{name: "given cancellation, then not a failure", err: context.Canceled, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultClassifier(failedResponse(tt.err), tt.err))
		})
	}
}

func TestMiddleware_WithMockBreaker(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(m *mockBreaker)
		wantStatus int
		wantErr    error
		wantCalls  int
	}{
		{
			name: "given closed circuit, then runs the request",
			setup: func(m *mockBreaker) {
				m.On("Execute", mock.Anything).Return(nil, nil).Run(func(args mock.Arguments) {
					req := args.Get(0).(func() (*fetch.Response, error))
					_, _ = req()
				}).Once()
			},
			wantCalls: 1,
		},
		{
			name: "given open circuit, then rejects without sending",
			setup: func(m *mockBreaker) {
				m.On("Execute", mock.Anything).Return(nil, gobreaker.ErrOpenState).Once()
			},
			wantErr:   gobreaker.ErrOpenState,
			wantCalls: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := &mockBreaker{}
			tt.setup(cb)
			transport := fetch.NewMockTransport().StubResponse(http.StatusOK, "")
			client := newClient(transport).WithMiddleware(Middleware(cb, nil))

			_, err := client.Get("/quotes").Run(context.Background())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, transport.RequestCount())
			cb.AssertExpectations(t)
		})
	}
}

func TestPlugin_TripsAndRecovers(t *testing.T) {
	var transitions []gobreaker.State
	cfg := DefaultConfig()
	cfg.ConsecutiveFailures = 3
	cfg.Timeout = 50 * time.Millisecond
	cfg.OnStateChange = func(_ string, _, to gobreaker.State) {
		transitions = append(transitions, to)
	}

	transport := fetch.NewMockTransport().StubSequence(
		fetch.Respond(http.StatusBadGateway, ""),
		fetch.Respond(http.StatusBadGateway, ""),
		fetch.Respond(http.StatusBadGateway, ""),
		fetch.Respond(http.StatusOK, "recovered"),
	)
	client := newClient(transport, Plugin(cfg))
	ctx := context.Background()

	for range 3 {
		_, err := client.Get("/quotes").Run(ctx)
		require.True(t, fetch.IsHTTPError(err))
	}

	_, err := client.Get("/quotes").Run(ctx)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, transport.RequestCount(), "open circuit must not send")

	time.Sleep(2 * cfg.Timeout)

	text, err := client.Get("/quotes").Text(ctx)
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, []gobreaker.State{
		gobreaker.StateOpen,
		gobreaker.StateHalfOpen,
		gobreaker.StateClosed,
	}, transitions)
}

func TestPlugin_IgnoredFailuresPassThrough(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsecutiveFailures = 1

	transport := fetch.NewMockTransport().StubResponse(http.StatusNotFound, "missing")
	client := newClient(transport, Plugin(cfg))

	for range 3 {
		_, err := client.Get("/quotes/none").Run(context.Background())
		se, ok := fetch.AsStatusError(err)
		require.True(t, ok)
		assert.Equal(t, http.StatusNotFound, se.StatusCode())
	}
	assert.Equal(t, 3, transport.RequestCount())
}

func TestPlugin_Distributed(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := DistributedConfig(NewRedisStore(rdb))
	cfg.Name = "quotes-api"
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = time.Minute

	transport := fetch.NewMockTransport().StubError(syscall.ECONNRESET)
	first := newClient(transport, Plugin(cfg))
	second := newClient(transport, Plugin(cfg))
	ctx := context.Background()

	for range 2 {
		_, err := first.Get("/quotes").Run(ctx)
		require.Error(t, err)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}

	_, err := second.Get("/quotes").Run(ctx)
	require.ErrorIs(t, err, gobreaker.ErrOpenState, "state is shared through redis")
	assert.Equal(t, 2, transport.RequestCount())
}

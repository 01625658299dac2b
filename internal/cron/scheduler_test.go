package cron

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sidecart/internal/db"
	"sidecart/internal/events"
)

type MockPool struct {
	mock.Mock
}

func (m *MockPool) Check(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockPool) Stats() db.Stats {
	args := m.Called()
	return args.Get(0).(db.Stats)
}

type MockSink struct {
	mock.Mock
}

func (m *MockSink) Emit(ctx context.Context, ev events.Event) {
	m.Called(ctx, ev)
}

func (m *MockSink) Connect() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockSink) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockSink) Health() events.HealthStatus {
	args := m.Called()
	return args.Get(0).(events.HealthStatus)
}

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestNewScheduler(t *testing.T) {
	pool := new(MockPool)
	scheduler := NewScheduler(pool, nil, time.Second, nil)

	assert.NotNil(t, scheduler)
	assert.Equal(t, pool, scheduler.pool)
	assert.NotNil(t, scheduler.c)
	assert.NotNil(t, scheduler.logger)
}

func TestScheduler_Start(t *testing.T) {
	t.Run("nil pool", func(t *testing.T) {
		assert.Error(t, NewScheduler(nil, nil, time.Second, nil).Start())
	})

	t.Run("invalid interval", func(t *testing.T) {
		assert.Error(t, NewScheduler(new(MockPool), nil, 0, nil).Start())
	})

	t.Run("start and stop", func(t *testing.T) {
		scheduler := NewScheduler(new(MockPool), nil, time.Hour, nil)
		require.NoError(t, scheduler.Start())
		assert.Len(t, scheduler.c.Entries(), 1)

		select {
		case <-scheduler.Stop().Done():
		case <-time.After(time.Second):
			t.Fatal("stop did not complete")
		}
	})
}

func TestScheduler_RunsHeartbeat(t *testing.T) {
	pool := new(MockPool)
	ran := make(chan struct{}, 4)
	pool.On("Check", mock.Anything).Return(nil).Run(func(mock.Arguments) {
		select {
		case ran <- struct{}{}:
		default:
		}
	})
	pool.On("Stats").Return(db.Stats{State: db.StateReady, MaxSize: 5})

	scheduler := NewScheduler(pool, nil, time.Second, nil)
	require.NoError(t, scheduler.Start())
	defer scheduler.Stop()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("heartbeat did not run")
	}
}

func TestScheduler_Heartbeat(t *testing.T) {
	tests := []struct {
		name     string
		checkErr error
		sink     func() *MockSink
		validate func(t *testing.T, logs string, sink *MockSink)
	}{
		{
			name: "healthy pool without sink",
			validate: func(t *testing.T, logs string, _ *MockSink) {
				assert.Contains(t, logs, "msg=heartbeat")
				assert.Contains(t, logs, "state=ready")
			},
		},
		{
			name:     "unhealthy pool",
			checkErr: errors.New("connection refused"),
			validate: func(t *testing.T, logs string, _ *MockSink) {
				assert.Contains(t, logs, "database unhealthy")
				assert.Contains(t, logs, "connection refused")
			},
		},
		{
			name: "healthy sink is left alone",
			sink: func() *MockSink {
				s := new(MockSink)
				s.On("Health").Return(events.HealthStatus{OK: true})
				return s
			},
			validate: func(t *testing.T, logs string, sink *MockSink) {
				sink.AssertNotCalled(t, "Connect")
			},
		},
		{
			name: "unhealthy sink reconnects",
			sink: func() *MockSink {
				s := new(MockSink)
				s.On("Health").Return(events.HealthStatus{OK: false, Details: "channel closed"})
				s.On("Connect").Return(nil)
				return s
			},
			validate: func(t *testing.T, logs string, sink *MockSink) {
				sink.AssertCalled(t, "Connect")
				assert.Contains(t, logs, "event sink reconnected")
			},
		},
		{
			name: "reconnect failure is logged",
			sink: func() *MockSink {
				s := new(MockSink)
				s.On("Health").Return(events.HealthStatus{OK: false, Details: "not connected"})
				s.On("Connect").Return(errors.New("dial tcp: refused"))
				return s
			},
			validate: func(t *testing.T, logs string, sink *MockSink) {
				assert.Contains(t, logs, "event sink reconnect failed")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := new(MockPool)
			pool.On("Check", mock.Anything).Return(tt.checkErr)
			pool.On("Stats").Return(db.Stats{State: db.StateReady, MaxSize: 5})

			var (
				sink  *MockSink
				esink events.Sink
			)
			if tt.sink != nil {
				sink = tt.sink()
				esink = sink
			}

			logger, buf := newTestLogger()
			NewScheduler(pool, esink, time.Second, logger).heartbeat(context.Background())

			pool.AssertExpectations(t)
			tt.validate(t, buf.String(), sink)
		})
	}
}
